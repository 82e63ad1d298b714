// Package quadrant buckets a card position on the priority matrix.
//
// Every caller that needs a quadrant (statistics, stream frames, snapshots)
// goes through Classify so that two call sites can never disagree.
package quadrant

import "fmt"

type Quadrant string

const (
	QuickWin   Quadrant = "quick-win"
	Strategic  Quadrant = "strategic"
	Reconsider Quadrant = "reconsider"
	Avoid      Quadrant = "avoid"
)

// All lists the quadrants in display order.
var All = []Quadrant{QuickWin, Strategic, Reconsider, Avoid}

// Priority tiers a card can carry. Position does not set them; SuggestedPriority
// gives the conventional tier for a quadrant.
type Priority string

const (
	PriorityLow        Priority = "low"
	PriorityModerate   Priority = "moderate"
	PriorityHigh       Priority = "high"
	PriorityStrategic  Priority = "strategic"
	PriorityInnovation Priority = "innovation"
)

var Priorities = []Priority{PriorityLow, PriorityModerate, PriorityHigh, PriorityStrategic, PriorityInnovation}

const (
	DefaultSplitX = 260.0
	DefaultSplitY = 260.0
)

// Classify maps (x, y) to a quadrant. Each axis is split into [-inf, split)
// and [split, +inf), so a coordinate equal to the split belongs to the upper
// bucket. NaN compares false everywhere and therefore lands in QuickWin.
func Classify(x, y, splitX, splitY float64) Quadrant {
	right := x >= splitX
	lower := y >= splitY
	switch {
	case !right && !lower:
		return QuickWin
	case right && !lower:
		return Strategic
	case !right && lower:
		return Reconsider
	default:
		return Avoid
	}
}

// Split is a project's matrix split point.
type Split struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func DefaultSplit() Split {
	return Split{X: DefaultSplitX, Y: DefaultSplitY}
}

func (s Split) Classify(x, y float64) Quadrant {
	return Classify(x, y, s.X, s.Y)
}

// SuggestedPriority is the normalized tier conventionally paired with a quadrant.
func SuggestedPriority(q Quadrant) Priority {
	switch q {
	case QuickWin:
		return PriorityHigh
	case Strategic:
		return PriorityStrategic
	case Reconsider:
		return PriorityModerate
	default:
		return PriorityLow
	}
}

func ParsePriority(value string) (Priority, error) {
	for _, p := range Priorities {
		if string(p) == value {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", value)
}

func (p Priority) Valid() bool {
	_, err := ParsePriority(string(p))
	return err == nil
}

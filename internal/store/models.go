package store

import (
	"time"

	"ideamatrix/api/internal/quadrant"
)

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SplitX    float64   `json:"split_x"`
	SplitY    float64   `json:"split_y"`
	CreatedBy *string   `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Project) Split() quadrant.Split {
	return quadrant.Split{X: p.SplitX, Y: p.SplitY}
}

// Card is the persisted idea card row. JSON names follow the column names so
// the same encoding serves the API, the change feed and board snapshots.
type Card struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Content     string            `json:"content"`
	Details     string            `json:"details"`
	X           float64           `json:"x"`
	Y           float64           `json:"y"`
	Priority    quadrant.Priority `json:"priority"`
	IsCollapsed bool              `json:"is_collapsed"`
	EditingBy   *string           `json:"editing_by"`
	EditingAt   *time.Time        `json:"editing_at"`
	CreatedBy   *string           `json:"created_by"`
	UpdatedBy   *string           `json:"updated_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (c Card) Position() (float64, float64) { return c.X, c.Y }

func (c Card) Tier() quadrant.Priority { return c.Priority }

// Clone returns a copy that shares no pointers with c.
func (c Card) Clone() Card {
	out := c
	out.EditingBy = cloneString(c.EditingBy)
	out.CreatedBy = cloneString(c.CreatedBy)
	out.UpdatedBy = cloneString(c.UpdatedBy)
	if c.EditingAt != nil {
		at := *c.EditingAt
		out.EditingAt = &at
	}
	return out
}

// Patch carries the fields a write changes. Nil fields are left untouched.
type Patch struct {
	Content     *string            `json:"content,omitempty"`
	Details     *string            `json:"details,omitempty"`
	Priority    *quadrant.Priority `json:"priority,omitempty"`
	X           *float64           `json:"x,omitempty"`
	Y           *float64           `json:"y,omitempty"`
	IsCollapsed *bool              `json:"is_collapsed,omitempty"`
}

// Guarded reports whether the patch touches fields that may only be written
// by the current lock holder.
func (p Patch) Guarded() bool {
	return p.Content != nil || p.Details != nil || p.Priority != nil
}

func (p Patch) Empty() bool {
	return !p.Guarded() && p.X == nil && p.Y == nil && p.IsCollapsed == nil
}

// Apply returns card with the patch fields overwritten.
func (p Patch) Apply(card Card) Card {
	if p.Content != nil {
		card.Content = *p.Content
	}
	if p.Details != nil {
		card.Details = *p.Details
	}
	if p.Priority != nil {
		card.Priority = *p.Priority
	}
	if p.X != nil {
		card.X = *p.X
	}
	if p.Y != nil {
		card.Y = *p.Y
	}
	if p.IsCollapsed != nil {
		card.IsCollapsed = *p.IsCollapsed
	}
	return card
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

// nextUpdatedAt keeps updated_at strictly increasing per row even when two
// writes land within the same clock tick.
func nextUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

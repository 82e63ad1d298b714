package quadrant

// Point is anything with a matrix position and a priority tier.
type Point interface {
	Position() (x, y float64)
	Tier() Priority
}

type Stats struct {
	Total      int              `json:"total"`
	ByQuadrant map[Quadrant]int `json:"byQuadrant"`
	ByPriority map[Priority]int `json:"byPriority"`
	Mismatched int              `json:"mismatched"`
}

// Tally counts points per quadrant and per priority. Mismatched counts points
// whose tier differs from the quadrant's suggested tier.
func Tally[P Point](split Split, points []P) Stats {
	stats := Stats{
		ByQuadrant: make(map[Quadrant]int, len(All)),
		ByPriority: make(map[Priority]int, len(Priorities)),
	}
	for _, q := range All {
		stats.ByQuadrant[q] = 0
	}
	for _, p := range Priorities {
		stats.ByPriority[p] = 0
	}
	for _, point := range points {
		x, y := point.Position()
		q := split.Classify(x, y)
		stats.ByQuadrant[q]++
		tier := point.Tier()
		stats.ByPriority[tier]++
		if tier != SuggestedPriority(q) {
			stats.Mismatched++
		}
		stats.Total++
	}
	return stats
}

package search

import (
	"context"

	"ideamatrix/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
	Snippet   string `json:"snippet"`
	Priority  string `json:"priority"`
}

// Query describes a search request. ProjectID is required.
type Query struct {
	ProjectID string
	Text      string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a card search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Content   string  `json:"content"`
	Details   string  `json:"details"`
	Priority  string  `json:"priority"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

func RecordFromCard(card store.Card) CardRecord {
	return CardRecord{
		ID:        card.ID,
		ProjectID: card.ProjectID,
		Content:   card.Content,
		Details:   card.Details,
		Priority:  string(card.Priority),
		X:         card.X,
		Y:         card.Y,
	}
}

const defaultLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return defaultLimit
	}
	return limit
}

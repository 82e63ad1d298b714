package search

import (
	"context"
	"strings"

	"ideamatrix/api/internal/store"
)

// CardSearcher is the store's substring search.
type CardSearcher interface {
	SearchCards(ctx context.Context, projectID, text string, limit int) ([]store.Card, error)
}

// StoreFallback implements Searcher on top of the card store. It is used
// whenever Meilisearch is not configured or not healthy.
type StoreFallback struct {
	cards CardSearcher
}

func NewStoreFallback(cards CardSearcher) *StoreFallback {
	return &StoreFallback{cards: cards}
}

// Healthy is always true; if the store is down the whole API is.
func (f *StoreFallback) Healthy() bool { return true }

func (f *StoreFallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := max(q.Offset, 0)
	limit := normalizeLimit(q.Limit)
	cards, err := f.cards.SearchCards(ctx, q.ProjectID, q.Text, offset+limit)
	if err != nil {
		return nil, 0, err
	}
	if offset >= len(cards) {
		return nil, len(cards), nil
	}
	page := cards[offset:]
	results := make([]Result, 0, len(page))
	for _, card := range page {
		results = append(results, Result{
			ID:        card.ID,
			ProjectID: card.ProjectID,
			Content:   card.Content,
			Snippet:   snippet(card, q.Text),
			Priority:  string(card.Priority),
		})
	}
	return results, len(cards), nil
}

// snippet returns the field the match was found in, content first.
func snippet(card store.Card, text string) string {
	needle := strings.ToLower(strings.TrimSpace(text))
	if strings.Contains(strings.ToLower(card.Content), needle) || card.Details == "" {
		return card.Content
	}
	return card.Details
}

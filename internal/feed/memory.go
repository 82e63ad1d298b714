package feed

import (
	"context"

	"ideamatrix/api/internal/store"
)

// MemorySource adapts MemoryStore watchers to the Source contract. Changes go
// through Encode so they are decoded exactly like remote ones.
type MemorySource struct {
	store *store.MemoryStore
}

func NewMemorySource(s *store.MemoryStore) *MemorySource {
	return &MemorySource{store: s}
}

func (m *MemorySource) Listen(ctx context.Context, projectID string, ready func(), onEvent func(RawEvent)) error {
	stop := m.store.Watch(projectID, func(change store.Change) {
		raw, err := Encode(Kind(change.Op), change.Card, change.PreviousUpdatedAt)
		if err != nil {
			return
		}
		onEvent(raw)
	})
	defer stop()
	ready()
	<-ctx.Done()
	return nil
}

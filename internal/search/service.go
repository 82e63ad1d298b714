package search

import (
	"context"
	"sync"
	"time"

	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/store"
)

// Index is the search engine the service keeps up to date. Meili is the
// production implementation.
type Index interface {
	Searcher
	IndexCard(rec CardRecord) error
	IndexCards(records []CardRecord) error
	DeleteCard(id string) error
	// OnRecover registers fn to run each time the index becomes healthy
	// again.
	OnRecover(fn func())
}

type CardLister interface {
	ListCards(ctx context.Context, projectID string) ([]store.Card, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// card store. Writes that could not reach the index are remembered and
// replayed when it recovers.
type Service struct {
	index    Index
	fallback Searcher
	cards    CardLister
	log      *logger.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
	tombs map[string]struct{}
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher, cards CardLister, log *logger.Logger) *Service {
	s := &Service{
		index:    index,
		fallback: fallback,
		cards:    cards,
		log:      log.With("component", "SearchService"),
		dirty:    map[string]struct{}{},
		tombs:    map[string]struct{}{},
	}
	if index != nil {
		index.OnRecover(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s.CatchUp(ctx)
		})
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.log.Warn("meilisearch error, falling back to store", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Warn("fallback search failed", "project_id", q.ProjectID, "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Source: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "store"}
}

// IndexCard indexes a card (fire-and-forget to Meilisearch). While the
// index is down the card's project is queued for a reindex.
func (s *Service) IndexCard(card store.Card) {
	if s.index == nil {
		return
	}
	if !s.index.Healthy() {
		s.markDirty(card.ProjectID)
		return
	}
	rec := RecordFromCard(card)
	go func() {
		if err := s.index.IndexCard(rec); err != nil {
			s.log.Warn("index card failed", "card_id", rec.ID, "error", err)
			s.markDirty(rec.ProjectID)
		}
	}()
}

// DeleteCard removes a card from the index (fire-and-forget).
func (s *Service) DeleteCard(id string) {
	if s.index == nil {
		return
	}
	if !s.index.Healthy() {
		s.markDeleted(id)
		return
	}
	go func() {
		if err := s.index.DeleteCard(id); err != nil {
			s.log.Warn("delete card from index failed", "card_id", id, "error", err)
			s.markDeleted(id)
		}
	}()
}

func (s *Service) markDirty(projectID string) {
	s.mu.Lock()
	s.dirty[projectID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) markDeleted(id string) {
	s.mu.Lock()
	s.tombs[id] = struct{}{}
	s.mu.Unlock()
}

// Pending reports how many projects and deleted cards wait for a replay.
func (s *Service) Pending() (projects, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty), len(s.tombs)
}

// CatchUp replays the writes missed while the index was down. Whatever
// fails again stays queued for the next recovery.
func (s *Service) CatchUp(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	s.mu.Lock()
	dirty, tombs := s.dirty, s.tombs
	s.dirty, s.tombs = map[string]struct{}{}, map[string]struct{}{}
	s.mu.Unlock()

	for projectID := range dirty {
		if err := s.ReindexProject(ctx, projectID); err != nil {
			s.log.Warn("reindex project failed", "project_id", projectID, "error", err)
			s.markDirty(projectID)
		}
	}
	for id := range tombs {
		if err := s.index.DeleteCard(id); err != nil {
			s.log.Warn("delete card from index failed", "card_id", id, "error", err)
			s.markDeleted(id)
		}
	}
	if len(dirty)+len(tombs) > 0 {
		s.log.Info("search index caught up", "projects", len(dirty), "deletes", len(tombs))
	}
}

// ReindexProject pushes every card of a project to the index.
func (s *Service) ReindexProject(ctx context.Context, projectID string) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	list, err := s.cards.ListCards(ctx, projectID)
	if err != nil {
		return err
	}
	records := make([]CardRecord, 0, len(list))
	for _, card := range list {
		records = append(records, RecordFromCard(card))
	}
	return s.index.IndexCards(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

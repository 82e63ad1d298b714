package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is a committed row mutation as observed by MemoryStore watchers.
type Change struct {
	Op                ChangeOp
	Card              Card
	PreviousUpdatedAt *time.Time
}

// MemoryStore keeps projects and cards in process. It backs the memory
// deployment mode and the package tests of everything above the store.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string]Project
	cards    map[string]Card
	watchers map[string]map[int]*watcher
	nextID   int
	failNext int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: map[string]Project{},
		cards:    map[string]Card{},
		watchers: map[string]map[int]*watcher{},
	}
}

// FailNext makes the next n calls return ErrUnavailable.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *MemoryStore) injectedFailure(op string) error {
	if s.failNext <= 0 {
		return nil
	}
	s.failNext--
	return fmt.Errorf("%s: %w", op, ErrUnavailable)
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injectedFailure("ping")
}

func (s *MemoryStore) CreateProject(_ context.Context, project Project) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("insert project"); err != nil {
		return Project{}, err
	}
	if _, ok := s.projects[project.ID]; ok {
		return Project{}, fmt.Errorf("insert project %s: already exists", project.ID)
	}
	project.CreatedAt = project.CreatedAt.UTC().Truncate(time.Microsecond)
	project.UpdatedAt = project.CreatedAt
	s.projects[project.ID] = project
	return project, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("get project"); err != nil {
		return Project{}, err
	}
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (s *MemoryStore) InsertCard(_ context.Context, card Card) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("insert card"); err != nil {
		return Card{}, err
	}
	if _, ok := s.projects[card.ProjectID]; !ok {
		return Card{}, fmt.Errorf("insert card: project %s: %w", card.ProjectID, ErrNotFound)
	}
	if _, ok := s.cards[card.ID]; ok {
		return Card{}, fmt.Errorf("insert card %s: already exists", card.ID)
	}
	card = card.Clone()
	card.CreatedAt = card.CreatedAt.UTC().Truncate(time.Microsecond)
	card.UpdatedAt = card.CreatedAt
	card.UpdatedBy = cloneString(card.CreatedBy)
	card.EditingBy = nil
	card.EditingAt = nil
	s.cards[card.ID] = card
	s.emit(Change{Op: ChangeInsert, Card: card})
	return card.Clone(), nil
}

func (s *MemoryStore) ReadCard(_ context.Context, cardID string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("read card"); err != nil {
		return Card{}, err
	}
	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	return card.Clone(), nil
}

func (s *MemoryStore) ListCards(_ context.Context, projectID string) ([]Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("list cards"); err != nil {
		return nil, err
	}
	return s.projectCards(projectID, func(Card) bool { return true }), nil
}

func (s *MemoryStore) SearchCards(_ context.Context, projectID, text string, limit int) ([]Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("search cards"); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	matches := s.projectCards(projectID, func(c Card) bool {
		return strings.Contains(strings.ToLower(c.Content), needle) ||
			strings.Contains(strings.ToLower(c.Details), needle)
	})
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 20
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) WriteCard(_ context.Context, cardID string, patch Patch, userID string, now time.Time) (Card, error) {
	if patch.Guarded() {
		return Card{}, ErrGuardedField
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("write card"); err != nil {
		return Card{}, err
	}
	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrConflict
	}
	next := patch.Apply(card)
	return s.update(card, next, userID, now), nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("acquire lock"); err != nil {
		return Card{}, false, err
	}
	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, false, ErrNotFound
	}
	if holder := liveHolder(card, now, ttl); holder != "" && holder != userID {
		return card.Clone(), false, nil
	}
	next := card.Clone()
	at := now.UTC().Truncate(time.Microsecond)
	next.EditingBy = &userID
	next.EditingAt = &at
	return s.update(card, next, userID, now), true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("release lock"); err != nil {
		return Card{}, false, err
	}
	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, false, ErrNotFound
	}
	if card.EditingBy == nil {
		return card.Clone(), false, nil
	}
	if holder := liveHolder(card, now, ttl); holder != "" && holder != userID {
		return card.Clone(), false, nil
	}
	next := card.Clone()
	next.EditingBy = nil
	next.EditingAt = nil
	return s.update(card, next, userID, now), true, nil
}

func (s *MemoryStore) SaveLocked(_ context.Context, cardID, userID string, patch Patch, now time.Time, ttl time.Duration) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("save card"); err != nil {
		return Card{}, err
	}
	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	if liveHolder(card, now, ttl) != userID {
		return Card{}, ErrStaleWrite
	}
	next := patch.Apply(card.Clone())
	next.EditingBy = nil
	next.EditingAt = nil
	return s.update(card, next, userID, now), nil
}

func (s *MemoryStore) DeleteCard(_ context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("delete card"); err != nil {
		return Card{}, false, err
	}
	card, ok := s.cards[cardID]
	if !ok {
		return Card{}, false, nil
	}
	if holder := liveHolder(card, now, ttl); holder != "" && holder != userID {
		return card.Clone(), false, &LockHeldError{CardID: cardID, HolderID: holder}
	}
	if card.EditingBy != nil {
		next := card.Clone()
		next.EditingBy = nil
		next.EditingAt = nil
		s.update(card, next, userID, now)
		card = s.cards[cardID]
	}
	delete(s.cards, cardID)
	prev := card.UpdatedAt
	s.emit(Change{Op: ChangeDelete, Card: card, PreviousUpdatedAt: &prev})
	return card.Clone(), true, nil
}

func (s *MemoryStore) ClearExpiredLocks(_ context.Context, now time.Time, ttl time.Duration) ([]Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure("clear expired locks"); err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for id, card := range s.cards {
		if card.EditingBy != nil && liveHolder(card, now, ttl) == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	cleared := make([]Card, 0, len(ids))
	for _, id := range ids {
		card := s.cards[id]
		next := card.Clone()
		next.EditingBy = nil
		next.EditingAt = nil
		next.UpdatedBy = nil
		next.UpdatedAt = nextUpdatedAt(card.UpdatedAt, now)
		s.cards[id] = next
		prev := card.UpdatedAt
		s.emit(Change{Op: ChangeUpdate, Card: next, PreviousUpdatedAt: &prev})
		cleared = append(cleared, next.Clone())
	}
	return cleared, nil
}

// Watch registers fn for committed changes to projectID. Changes are
// delivered in commit order on a dedicated goroutine, so fn may block
// without stalling writers.
func (s *MemoryStore) Watch(projectID string, fn func(Change)) func() {
	w := newWatcher(fn)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[projectID] == nil {
		s.watchers[projectID] = map[int]*watcher{}
	}
	s.watchers[projectID][id] = w
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers[projectID], id)
		if len(s.watchers[projectID]) == 0 {
			delete(s.watchers, projectID)
		}
		s.mu.Unlock()
		w.stop()
	}
}

// update stores next as the new version of prev and emits the change. The
// caller holds s.mu.
func (s *MemoryStore) update(prev, next Card, userID string, now time.Time) Card {
	next.UpdatedAt = nextUpdatedAt(prev.UpdatedAt, now)
	next.UpdatedBy = &userID
	s.cards[next.ID] = next
	previous := prev.UpdatedAt
	s.emit(Change{Op: ChangeUpdate, Card: next, PreviousUpdatedAt: &previous})
	return next.Clone()
}

func (s *MemoryStore) emit(change Change) {
	for _, w := range s.watchers[change.Card.ProjectID] {
		w.push(Change{Op: change.Op, Card: change.Card.Clone(), PreviousUpdatedAt: change.PreviousUpdatedAt})
	}
}

func (s *MemoryStore) projectCards(projectID string, keep func(Card) bool) []Card {
	out := make([]Card, 0)
	for _, card := range s.cards {
		if card.ProjectID == projectID && keep(card) {
			out = append(out, card.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type watcher struct {
	fn     func(Change)
	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newWatcher(fn func(Change)) *watcher {
	w := &watcher{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watcher) push(change Change) {
	w.mu.Lock()
	w.queue = append(w.queue, change)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()
			for _, change := range batch {
				select {
				case <-w.done:
					return
				default:
				}
				w.fn(change)
			}
		}
	}
}

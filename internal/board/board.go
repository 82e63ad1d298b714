// Package board manages open boards: one Session per viewer per project,
// each with its own reconciled view of the project's cards.
package board

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"ideamatrix/api/internal/broadcast"
	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/reconcile"
	"ideamatrix/api/internal/store"
)

var (
	ErrClosed         = errors.New("board session closed")
	ErrUnknownCard    = errors.New("card is not on this board")
	ErrManagerStopped = errors.New("board manager stopped")
)

type Subscriber interface {
	Subscribe(projectID, userID string) (*broadcast.Subscription, error)
}

// Releaser gives locks back without blocking the caller.
type Releaser interface {
	ReleaseAsync(cardID, userID string)
}

type Options struct {
	TombstoneGrace time.Duration
	Now            func() time.Time
}

type holderKey struct {
	projectID string
	userID    string
}

// Manager is the registry of open sessions and of the edit locks each
// viewer took through the API. It lives from server start to Shutdown.
type Manager struct {
	hub   Subscriber
	locks Releaser
	log   *logger.Logger
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Session
	held     map[holderKey]map[string]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

func NewManager(hub Subscriber, locks Releaser, log *logger.Logger, opts Options) *Manager {
	if opts.TombstoneGrace <= 0 {
		opts.TombstoneGrace = reconcile.DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		hub:      hub,
		locks:    locks,
		log:      log.With("component", "BoardManager"),
		opts:     opts,
		sessions: map[string]*Session{},
		held:     map[holderKey]map[string]struct{}{},
	}
}

// Open subscribes userID to projectID and starts the session loop.
func (m *Manager) Open(projectID, userID string) (*Session, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	m.mu.Unlock()

	sub, err := m.hub.Subscribe(projectID, userID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		m:         m,
		view:      reconcile.NewView(m.opts.TombstoneGrace, m.opts.Now),
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		sub:       sub,
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		sub.Close()
		return nil, ErrManagerStopped
	}
	m.sessions[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		s.run()
	}()
	m.log.Debug("board opened", "session_id", s.ID, "project_id", projectID, "user_id", userID)
	return s, nil
}

// Session looks up an open session.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// TrackLock records that userID holds the edit lock on cardID so the lock
// can be released when the user's last session on the project closes.
func (m *Manager) TrackLock(projectID, userID, cardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := holderKey{projectID, userID}
	if m.held[key] == nil {
		m.held[key] = map[string]struct{}{}
	}
	m.held[key][cardID] = struct{}{}
}

// ForgetLock stops tracking cardID for userID on whichever project it was
// tracked under. Card ids are unique across projects.
func (m *Manager) ForgetLock(userID, cardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cards := range m.held {
		if key.userID != userID {
			continue
		}
		delete(cards, cardID)
		if len(cards) == 0 {
			delete(m.held, key)
		}
	}
}

func (m *Manager) HeldLocks(projectID, userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held[holderKey{projectID, userID}]))
	for id := range m.held[holderKey{projectID, userID}] {
		out = append(out, id)
	}
	return out
}

// CloseUser closes every session userID has open, on any project. Their
// tracked locks are released as each project's last session goes.
func (m *Manager) CloseUser(userID string) int {
	m.mu.Lock()
	var sessions []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// Shutdown closes every session, releasing tracked locks, and waits for the
// session loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach removes s and, if it was the user's last session on the project,
// hands back the locks they still hold.
func (m *Manager) detach(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	key := holderKey{s.ProjectID, s.UserID}
	last := true
	for _, other := range m.sessions {
		if other.ProjectID == s.ProjectID && other.UserID == s.UserID {
			last = false
			break
		}
	}
	var release []string
	if last {
		for id := range m.held[key] {
			release = append(release, id)
		}
		delete(m.held, key)
	}
	m.mu.Unlock()

	for _, cardID := range release {
		m.locks.ReleaseAsync(cardID, s.UserID)
	}
	m.log.Debug("board closed", "session_id", s.ID, "project_id", s.ProjectID, "released", len(release))
}

// Session is one viewer's open board.
type Session struct {
	ID        string
	ProjectID string
	UserID    string

	m       *Manager
	view    *reconcile.View
	changed chan struct{}
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	sub *broadcast.Subscription
}

// Changed signals, coalesced, that Cards has a new value.
func (s *Session) Changed() <-chan struct{} { return s.changed }

func (s *Session) Done() <-chan struct{} { return s.done }

// Cards returns the reconciled board including pending local edits.
func (s *Session) Cards() []store.Card { return s.view.Cards() }

func (s *Session) Synced() bool { return s.view.Synced() }

func (s *Session) Card(cardID string) (store.Card, bool) { return s.view.Card(cardID) }

// Pending reports whether cardID shows a local edit still waiting for its
// echo.
func (s *Session) Pending(cardID string) bool { return s.view.Pending(cardID) }

// Move shows the new position immediately and then runs write. If write
// fails the optimistic position is withdrawn.
func (s *Session) Move(ctx context.Context, cardID string, x, y float64, write func(context.Context) error) error {
	if !s.view.Move(cardID, x, y) {
		return ErrUnknownCard
	}
	return s.commit(ctx, cardID, write)
}

func (s *Session) SetCollapsed(ctx context.Context, cardID string, collapsed bool, write func(context.Context) error) error {
	if !s.view.SetCollapsed(cardID, collapsed) {
		return ErrUnknownCard
	}
	return s.commit(ctx, cardID, write)
}

func (s *Session) commit(ctx context.Context, cardID string, write func(context.Context) error) error {
	s.notify()
	if err := write(ctx); err != nil {
		s.view.Revert(cardID)
		s.notify()
		return err
	}
	return nil
}

// Watch calls handler with the current cards after every change until ctx
// ends or the session closes.
func (s *Session) Watch(ctx context.Context, handler func([]store.Card)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		case <-s.changed:
			handler(s.view.Cards())
		}
	}
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		sub.Close()
		s.m.detach(s)
	})
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Session) run() {
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case ev, ok := <-sub.Events():
			if ok {
				if s.view.Apply(ev) {
					s.notify()
				}
				continue
			}
			if !errors.Is(sub.Err(), broadcast.ErrLagged) {
				go s.Close()
				return
			}
			// A fresh subscription starts with a resync, which repairs
			// whatever the lagged one dropped.
			s.m.log.Warn("board subscription lagged, resubscribing", "session_id", s.ID, "project_id", s.ProjectID)
			next, err := s.m.hub.Subscribe(s.ProjectID, s.UserID)
			if err != nil {
				s.m.log.Warn("resubscribe failed", "session_id", s.ID, "error", err)
				go s.Close()
				return
			}
			s.mu.Lock()
			select {
			case <-s.done:
				// Close already ran against the lagged subscription.
				s.mu.Unlock()
				next.Close()
				return
			default:
			}
			s.sub = next
			s.mu.Unlock()
		}
	}
}

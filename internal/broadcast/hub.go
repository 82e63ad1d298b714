// Package broadcast fans card changes out to board subscribers.
//
// The hub keeps one upstream feed per project with at least one subscriber.
// Every time that feed becomes ready, including after a reconnect, the hub
// reads the full card list and pushes it as a resync event, so a subscriber
// never depends on the events missed while the feed was down. A subscriber
// that cannot keep up is cut off with ErrLagged and is expected to
// subscribe again, which also starts with a resync.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"ideamatrix/api/internal/feed"
	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/store"
)

var (
	ErrLagged = errors.New("subscriber fell behind")
	ErrClosed = errors.New("hub closed")
)

// Lister supplies resync snapshots.
type Lister interface {
	ListCards(ctx context.Context, projectID string) ([]store.Card, error)
}

type Options struct {
	Buffer         int
	TombstoneGrace time.Duration
	// NewBackOff builds the reconnect policy for one project feed.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

type Hub struct {
	source feed.Source
	lister Lister
	log    *logger.Logger
	opts   Options

	mu       sync.Mutex
	projects map[string]*projectFeed
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(source feed.Source, lister Lister, log *logger.Logger, opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.TombstoneGrace <= 0 {
		opts.TombstoneGrace = 30 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		source:   source,
		lister:   lister,
		log:      log.With("component", "BroadcastHub"),
		opts:     opts,
		projects: map[string]*projectFeed{},
	}
}

// Subscription receives events for one project until it is closed or falls
// behind.
type Subscription struct {
	ID        string
	ProjectID string
	UserID    string

	events chan feed.Event
	hub    *Hub
	feed   *projectFeed

	// primed is owned by the project loop; it is set once the subscriber
	// has been sent a snapshot.
	primed bool

	mu     sync.Mutex
	err    error
	closed bool
}

// Events is closed when the subscription ends; Err then says why.
func (s *Subscription) Events() <-chan feed.Event { return s.events }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// deliver enqueues ev without blocking. It returns false if the buffer was
// full.
func (s *Subscription) deliver(ev feed.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

type projectFeed struct {
	id     string
	cancel context.CancelFunc
	wake   chan struct{}

	mu      sync.Mutex
	subs    map[string]*Subscription
	ready   bool
	deleted map[string]time.Time
}

// Subscribe registers a subscriber for projectID and starts the project feed
// if it is not running. The first event a subscriber receives is a resync.
func (h *Hub) Subscribe(projectID, userID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	pf, ok := h.projects[projectID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pf = &projectFeed{
			id:      projectID,
			cancel:  cancel,
			wake:    make(chan struct{}, 1),
			subs:    map[string]*Subscription{},
			deleted: map[string]time.Time{},
		}
		h.projects[projectID] = pf
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.run(ctx, pf)
		}()
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		events:    make(chan feed.Event, h.opts.Buffer),
		hub:       h,
		feed:      pf,
	}
	pf.mu.Lock()
	pf.subs[sub.ID] = sub
	pf.mu.Unlock()

	select {
	case pf.wake <- struct{}{}:
	default:
	}
	h.log.Debug("subscriber added", "project_id", projectID, "subscription_id", sub.ID, "user_id", userID)
	return sub, nil
}

// Subscribers reports the live subscriber count for a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.Lock()
	pf, ok := h.projects[projectID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return len(pf.subs)
}

func (h *Hub) remove(sub *Subscription, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pf := sub.feed
	pf.mu.Lock()
	_, present := pf.subs[sub.ID]
	delete(pf.subs, sub.ID)
	empty := len(pf.subs) == 0
	pf.mu.Unlock()
	sub.finish(cause)
	if !present {
		return
	}
	if empty && h.projects[pf.id] == pf {
		delete(h.projects, pf.id)
		pf.cancel()
		h.log.Debug("project feed stopped", "project_id", pf.id)
	}
}

// Close stops every project feed and ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := make([]*projectFeed, 0, len(h.projects))
	for _, pf := range h.projects {
		feeds = append(feeds, pf)
	}
	h.projects = map[string]*projectFeed{}
	h.mu.Unlock()

	for _, pf := range feeds {
		pf.cancel()
		pf.mu.Lock()
		subs := pf.subs
		pf.subs = map[string]*Subscription{}
		pf.mu.Unlock()
		for _, sub := range subs {
			sub.finish(ErrClosed)
		}
	}
	h.wg.Wait()
}

// run keeps the upstream feed for pf connected until ctx ends.
func (h *Hub) run(ctx context.Context, pf *projectFeed) {
	bo := h.opts.NewBackOff()
	for {
		err := h.pump(ctx, pf, bo)
		if ctx.Err() != nil {
			return
		}
		pf.mu.Lock()
		pf.ready = false
		pf.mu.Unlock()

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = 15 * time.Second
		}
		h.log.Warn("card feed disconnected, reconnecting", "project_id", pf.id, "error", err, "retry_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pump runs one upstream connection. It returns when the source fails or
// ctx ends.
func (h *Hub) pump(ctx context.Context, pf *projectFeed, bo backoff.BackOff) error {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raws := make(chan feed.RawEvent, h.opts.Buffer)
	readyCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		err := h.source.Listen(listenCtx, pf.id,
			func() {
				select {
				case readyCh <- struct{}{}:
				default:
				}
			},
			func(raw feed.RawEvent) {
				select {
				case raws <- raw:
				case <-listenCtx.Done():
				}
			})
		if err == nil && listenCtx.Err() == nil {
			err = errors.New("feed ended")
		}
		errCh <- err
	}()

	// A failed snapshot read is retried on the feed's backoff. retryAll
	// remembers whether the failed read was a full resync.
	var (
		retry    <-chan time.Time
		retryAll bool
	)
	snapshot := func(newcomers bool) {
		if err := h.resync(ctx, pf, newcomers); err != nil {
			retryAll = retryAll || !newcomers
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = 15 * time.Second
			}
			h.log.Warn("resync read failed", "project_id", pf.id, "error", err, "retry_in", wait)
			retry = time.After(wait)
			return
		}
		if !newcomers {
			retryAll = false
		}
		if !retryAll {
			retry = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-readyCh:
			bo.Reset()
			pf.mu.Lock()
			pf.ready = true
			pf.mu.Unlock()
			snapshot(false)
		case <-pf.wake:
			pf.mu.Lock()
			ready := pf.ready
			pf.mu.Unlock()
			if ready {
				snapshot(true)
			}
		case <-retry:
			retry = nil
			snapshot(!retryAll)
		case raw := <-raws:
			h.dispatch(pf, raw)
		}
	}
}

// resync sends a full snapshot to every subscriber, or only to those that
// never got one when newcomers is set. A failed read keeps subscribers on
// their last good state and is returned so the caller can retry.
func (h *Hub) resync(ctx context.Context, pf *projectFeed, newcomers bool) error {
	targets := h.targets(pf, func(sub *Subscription) bool { return !newcomers || !sub.primed })
	if len(targets) == 0 {
		return nil
	}
	cards, err := h.lister.ListCards(ctx, pf.id)
	if err != nil {
		return err
	}
	ev := feed.Resync(pf.id, cards)
	for _, sub := range targets {
		sub.primed = true
	}
	h.send(pf, ev, targets)
	return nil
}

func (h *Hub) targets(pf *projectFeed, keep func(*Subscription) bool) []*Subscription {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	out := make([]*Subscription, 0, len(pf.subs))
	for _, sub := range pf.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	return out
}

func (h *Hub) dispatch(pf *projectFeed, raw feed.RawEvent) {
	ev, err := feed.Decode(raw)
	if err != nil {
		h.log.Warn("dropping malformed card event", "project_id", pf.id, "error", err)
		return
	}
	now := h.opts.Now()
	pf.mu.Lock()
	for id, at := range pf.deleted {
		if now.Sub(at) > h.opts.TombstoneGrace {
			delete(pf.deleted, id)
		}
	}
	if ev.Kind == feed.KindDelete {
		pf.deleted[ev.Card.ID] = now
	} else if _, dead := pf.deleted[ev.Card.ID]; dead {
		pf.mu.Unlock()
		h.log.Debug("dropping event for deleted card", "project_id", pf.id, "card_id", ev.Card.ID)
		return
	}
	pf.mu.Unlock()
	// Subscribers still waiting for their snapshot will see this change in it.
	h.send(pf, ev, h.targets(pf, func(sub *Subscription) bool { return sub.primed }))
}

func (h *Hub) send(pf *projectFeed, ev feed.Event, targets []*Subscription) {
	for _, sub := range targets {
		if !sub.deliver(ev) {
			h.log.Warn("subscriber lagged, disconnecting", "project_id", pf.id, "subscription_id", sub.ID)
			h.remove(sub, ErrLagged)
		}
	}
}

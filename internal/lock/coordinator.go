// Package lock implements the time-boxed edit lock on idea cards.
//
// A lock is the pair (editing_by, editing_at) on the card row. It is live
// while now-editing_at < ttl and is never stored as a separate record, so
// an abandoned lock simply stops counting once it ages out. All ownership
// changes go through Coordinator; the conditional writes themselves are
// done atomically by the store.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/store"
)

const (
	DefaultTTL     = 5 * time.Minute
	releaseTimeout = 10 * time.Second
)

// Store is the subset of store.CardStore the coordinator drives.
type Store interface {
	AcquireLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (store.Card, bool, error)
	ReleaseLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (store.Card, bool, error)
	SaveLocked(ctx context.Context, cardID, userID string, patch store.Patch, now time.Time, ttl time.Duration) (store.Card, error)
	DeleteCard(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (store.Card, bool, error)
	ClearExpiredLocks(ctx context.Context, now time.Time, ttl time.Duration) ([]store.Card, error)
}

// Status describes a card's lock as seen by one viewer.
type Status struct {
	Locked    bool       `json:"locked"`
	ByUserID  string     `json:"by_user_id,omitempty"`
	ByOther   bool       `json:"by_other"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Inspect evaluates the lock on card for viewerID at now. It never touches
// the store.
func Inspect(card store.Card, viewerID string, now time.Time, ttl time.Duration) Status {
	if card.EditingBy == nil || card.EditingAt == nil {
		return Status{}
	}
	if now.Sub(*card.EditingAt) >= ttl {
		return Status{}
	}
	expires := card.EditingAt.Add(ttl)
	return Status{
		Locked:    true,
		ByUserID:  *card.EditingBy,
		ByOther:   *card.EditingBy != viewerID,
		ExpiresAt: &expires,
	}
}

type Coordinator struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	log     *logger.Logger
	tracer  trace.Tracer
	pending sync.WaitGroup
}

type Option func(*Coordinator)

// WithClock replaces time.Now. Tests use it to walk a lock through its TTL.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(s Store, ttl time.Duration, log *logger.Logger, opts ...Option) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Coordinator{
		store:  s,
		ttl:    ttl,
		now:    time.Now,
		log:    log.With("component", "LockCoordinator"),
		tracer: otel.Tracer("ideamatrix/lock"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) TTL() time.Duration { return c.ttl }

func (c *Coordinator) Now() time.Time { return c.now() }

func (c *Coordinator) Status(card store.Card, viewerID string) Status {
	return Inspect(card, viewerID, c.now(), c.ttl)
}

func (c *Coordinator) startSpan(ctx context.Context, name, cardID, userID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("card.id", cardID),
		attribute.String("user.id", userID),
	))
}

// Acquire takes the lock for userID. It succeeds when the card is unlocked,
// the lock has expired, or userID already holds it (which refreshes
// editing_at). The returned card is the current row; when ok is false its
// EditingBy names the holder.
func (c *Coordinator) Acquire(ctx context.Context, cardID, userID string) (store.Card, bool, error) {
	ctx, span := c.startSpan(ctx, "lock.Acquire", cardID, userID)
	defer span.End()

	card, ok, err := c.store.AcquireLock(ctx, cardID, userID, c.now(), c.ttl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		return store.Card{}, false, err
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	if !ok {
		c.log.Debug("lock refused", "card_id", cardID, "user_id", userID, "holder", deref(card.EditingBy))
	}
	return card, ok, nil
}

// Release clears userID's lock. Releasing a lock that is not held, already
// expired, or on a deleted card succeeds. A store failure is retried once
// and then abandoned; the lock will age out on its own.
func (c *Coordinator) Release(ctx context.Context, cardID, userID string) bool {
	ctx, span := c.startSpan(ctx, "lock.Release", cardID, userID)
	defer span.End()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		_, _, err = c.store.ReleaseLock(ctx, cardID, userID, c.now(), c.ttl)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return true
		}
		if attempt == 0 {
			c.log.Warn("release lock failed, retrying", "card_id", cardID, "user_id", userID, "error", err)
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "release abandoned")
	c.log.Error("release lock abandoned", "card_id", cardID, "user_id", userID, "error", err)
	return false
}

// ReleaseAsync releases in the background, detached from any request
// context. Wait blocks until outstanding releases finish.
func (c *Coordinator) ReleaseAsync(cardID, userID string) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		c.Release(ctx, cardID, userID)
	}()
}

func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit writes the guarded fields of patch and releases the lock in one
// store round trip. It fails with store.ErrStaleWrite when userID no longer
// holds a live lock, including when the lock expired in the meantime.
func (c *Coordinator) Commit(ctx context.Context, cardID, userID string, patch store.Patch) (store.Card, error) {
	ctx, span := c.startSpan(ctx, "lock.Commit", cardID, userID)
	defer span.End()

	card, err := c.store.SaveLocked(ctx, cardID, userID, patch, c.now(), c.ttl)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, store.ErrStaleWrite) {
			c.log.Info("stale save rejected", "card_id", cardID, "user_id", userID)
		}
		return store.Card{}, err
	}
	return card, nil
}

// Delete removes a card unless another user holds a live lock on it. The
// lock, if any, is cleared before the row goes away so observers see the
// lock change ahead of the delete.
func (c *Coordinator) Delete(ctx context.Context, cardID, userID string) (store.Card, bool, error) {
	ctx, span := c.startSpan(ctx, "lock.Delete", cardID, userID)
	defer span.End()

	card, deleted, err := c.store.DeleteCard(ctx, cardID, userID, c.now(), c.ttl)
	if err != nil {
		span.RecordError(err)
		return card, false, err
	}
	span.SetAttributes(attribute.Bool("card.deleted", deleted))
	return card, deleted, nil
}

// Sweep clears locks that aged out. Expired locks already count as free, so
// sweeping only tidies the rows observers see.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	cleared, err := c.store.ClearExpiredLocks(ctx, c.now(), c.ttl)
	if err != nil {
		return 0, err
	}
	if len(cleared) > 0 {
		c.log.Info("cleared expired locks", "count", len(cleared))
	}
	return len(cleared), nil
}

// RunSweeper sweeps every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("lock sweep failed", "error", err)
			}
		}
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

package store

import (
	"context"
	"time"
)

// CardStore is the persistence contract the lock coordinator, the board
// broadcaster and the HTTP service share. Lock liveness is always evaluated
// inside the store against the caller supplied now and ttl so that the
// check and the write happen atomically.
type CardStore interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, project Project) (Project, error)
	GetProject(ctx context.Context, projectID string) (Project, error)

	InsertCard(ctx context.Context, card Card) (Card, error)
	ReadCard(ctx context.Context, cardID string) (Card, error)
	ListCards(ctx context.Context, projectID string) ([]Card, error)
	SearchCards(ctx context.Context, projectID, text string, limit int) ([]Card, error)

	// WriteCard applies an unguarded patch (position, collapse) last writer
	// wins. A row deleted underneath the write yields ErrConflict.
	WriteCard(ctx context.Context, cardID string, patch Patch, userID string, now time.Time) (Card, error)

	// AcquireLock takes the edit lock when the card is unlocked, already held
	// by userID, or held by a lock older than ttl. The returned card is the
	// current row either way.
	AcquireLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error)
	// ReleaseLock clears the lock when userID holds it or it has expired. The
	// bool reports whether the row changed.
	ReleaseLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error)
	// SaveLocked writes the guarded fields and clears the lock in one step,
	// provided userID still holds a live lock. Otherwise ErrStaleWrite.
	SaveLocked(ctx context.Context, cardID, userID string, patch Patch, now time.Time, ttl time.Duration) (Card, error)
	// DeleteCard removes the card unless another user holds a live lock, in
	// which case a *LockHeldError is returned. The bool is false when the
	// card was already gone.
	DeleteCard(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (Card, bool, error)
	// ClearExpiredLocks releases every lock older than ttl and returns the
	// rows it touched.
	ClearExpiredLocks(ctx context.Context, now time.Time, ttl time.Duration) ([]Card, error)
}

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ideamatrix/api/internal/quadrant"
)

const testTTL = 5 * time.Minute

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedCard(t *testing.T, s *MemoryStore, id string) Card {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetProject(ctx, "prj_1"); errors.Is(err, ErrNotFound) {
		_, err := s.CreateProject(ctx, Project{ID: "prj_1", Name: "Roadmap", SplitX: 260, SplitY: 260, CreatedAt: base})
		require.NoError(t, err)
	}
	author := "alice"
	card, err := s.InsertCard(ctx, Card{
		ID:        id,
		ProjectID: "prj_1",
		Content:   "Ship dark mode",
		X:         100,
		Y:         100,
		Priority:  quadrant.PriorityModerate,
		CreatedBy: &author,
		CreatedAt: base,
	})
	require.NoError(t, err)
	return card
}

func TestMemoryAcquireLockIsExclusiveUntilExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")

	card, ok, err := s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, card.EditingBy)
	assert.Equal(t, "alice", *card.EditingBy)

	_, ok, err = s.AcquireLock(ctx, "c1", "bob", base.Add(60*time.Second), testTTL)
	require.NoError(t, err)
	assert.False(t, ok, "bob must not steal a live lock")

	_, ok, err = s.AcquireLock(ctx, "c1", "alice", base.Add(90*time.Second), testTTL)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquiring an own lock succeeds")

	// Alice refreshed at 90s, so the lock now expires at 390s.
	_, ok, err = s.AcquireLock(ctx, "c1", "bob", base.Add(389*time.Second), testTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	card, ok, err = s.AcquireLock(ctx, "c1", "bob", base.Add(391*time.Second), testTTL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", *card.EditingBy)
}

func TestMemoryLockExpiresExactlyAtTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")

	_, ok, err := s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.AcquireLock(ctx, "c1", "bob", base.Add(testTTL), testTTL)
	require.NoError(t, err)
	assert.True(t, ok, "a lock exactly ttl old is expired")
}

func TestMemorySaveLockedRequiresLiveOwnLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")
	content := "Ship dark mode in v2"

	_, err := s.SaveLocked(ctx, "c1", "alice", Patch{Content: &content}, base, testTTL)
	assert.ErrorIs(t, err, ErrStaleWrite, "saving without a lock is stale")

	_, _, err = s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)

	_, err = s.SaveLocked(ctx, "c1", "bob", Patch{Content: &content}, base.Add(time.Second), testTTL)
	assert.ErrorIs(t, err, ErrStaleWrite)

	_, err = s.SaveLocked(ctx, "c1", "alice", Patch{Content: &content}, base.Add(testTTL+time.Second), testTTL)
	assert.ErrorIs(t, err, ErrStaleWrite, "an expired own lock is stale")

	_, _, err = s.AcquireLock(ctx, "c1", "alice", base.Add(400*time.Second), testTTL)
	require.NoError(t, err)
	saved, err := s.SaveLocked(ctx, "c1", "alice", Patch{Content: &content}, base.Add(410*time.Second), testTTL)
	require.NoError(t, err)
	assert.Equal(t, content, saved.Content)
	assert.Nil(t, saved.EditingBy)
	assert.Nil(t, saved.EditingAt)

	_, err = s.SaveLocked(ctx, "missing", "alice", Patch{Content: &content}, base, testTTL)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReleaseLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")

	_, changed, err := s.ReleaseLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)
	assert.False(t, changed, "releasing an unlocked card is a no-op")

	_, _, err = s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)

	_, changed, err = s.ReleaseLock(ctx, "c1", "bob", base.Add(time.Second), testTTL)
	require.NoError(t, err)
	assert.False(t, changed, "bob cannot release alice's live lock")

	card, changed, err := s.ReleaseLock(ctx, "c1", "alice", base.Add(2*time.Second), testTTL)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, card.EditingBy)

	_, _, err = s.ReleaseLock(ctx, "missing", "alice", base, testTTL)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryWriteCardRejectsGuardedFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")
	content := "x"
	x := 300.0

	_, err := s.WriteCard(ctx, "c1", Patch{Content: &content}, "alice", base)
	assert.ErrorIs(t, err, ErrGuardedField)

	_, _, err = s.AcquireLock(ctx, "c1", "bob", base, testTTL)
	require.NoError(t, err)
	moved, err := s.WriteCard(ctx, "c1", Patch{X: &x}, "alice", base.Add(time.Second))
	require.NoError(t, err, "moves are allowed while someone else edits")
	assert.Equal(t, 300.0, moved.X)
	assert.Equal(t, "bob", *moved.EditingBy)

	_, err = s.WriteCard(ctx, "missing", Patch{X: &x}, "alice", base)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryDeleteCard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")

	_, _, err := s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)

	_, deleted, err := s.DeleteCard(ctx, "c1", "bob", base.Add(time.Minute), testTTL)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "alice", held.HolderID)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.False(t, deleted)

	_, deleted, err = s.DeleteCard(ctx, "c1", "bob", base.Add(testTTL+time.Second), testTTL)
	require.NoError(t, err, "an expired lock does not block deletion")
	assert.True(t, deleted)

	_, deleted, err = s.DeleteCard(ctx, "c1", "bob", base.Add(testTTL+2*time.Second), testTTL)
	require.NoError(t, err)
	assert.False(t, deleted, "deleting twice is not an error")
}

func TestMemoryUpdatedAtIsStrictlyMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	card := seedCard(t, s, "c1")
	x := 10.0

	prev := card.UpdatedAt
	for i := 0; i < 5; i++ {
		// Same and earlier clock readings still advance updated_at.
		next, err := s.WriteCard(ctx, "c1", Patch{X: &x}, "alice", base.Add(-time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, next.UpdatedAt.After(prev))
		prev = next.UpdatedAt
	}
}

func TestMemoryClearExpiredLocks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")
	seedCard(t, s, "c2")

	_, _, err := s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)
	_, _, err = s.AcquireLock(ctx, "c2", "bob", base.Add(4*time.Minute), testTTL)
	require.NoError(t, err)

	cleared, err := s.ClearExpiredLocks(ctx, base.Add(6*time.Minute), testTTL)
	require.NoError(t, err)
	require.Len(t, cleared, 1)
	assert.Equal(t, "c1", cleared[0].ID)
	assert.Nil(t, cleared[0].UpdatedBy, "the sweep is not attributed to the last writer")
	assert.True(t, cleared[0].UpdatedAt.After(base))

	c2, err := s.ReadCard(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "bob", *c2.EditingBy)
}

func TestMemoryWatchDeliversInCommitOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ops []ChangeOp
	)
	done := make(chan struct{})
	stop := s.Watch("prj_1", func(c Change) {
		mu.Lock()
		ops = append(ops, c.Op)
		n := len(ops)
		mu.Unlock()
		if n == 4 {
			close(done)
		}
	})
	defer stop()

	seedCard(t, s, "c1")
	_, _, err := s.AcquireLock(ctx, "c1", "alice", base, testTTL)
	require.NoError(t, err)
	_, _, err = s.DeleteCard(ctx, "c1", "alice", base.Add(time.Second), testTTL)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for changes")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ChangeOp{ChangeInsert, ChangeUpdate, ChangeUpdate, ChangeDelete}, ops)
}

func TestMemoryFailNext(t *testing.T) {
	s := NewMemoryStore()
	s.FailNext(1)
	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSearchCardsMatchesContentAndDetails(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCard(t, s, "c1")
	seedCard(t, s, "c2")

	found, err := s.SearchCards(ctx, "prj_1", "DARK", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.SearchCards(ctx, "prj_1", "nothing like this", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

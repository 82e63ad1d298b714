package feed

import (
	"context"
	"time"

	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/store"
)

// PublishingStore wraps a CardStore and publishes every committed change. It
// is the write side of the Redis feed.
type PublishingStore struct {
	store.CardStore
	pub Publisher
	log *logger.Logger
}

func NewPublishingStore(inner store.CardStore, pub Publisher, log *logger.Logger) *PublishingStore {
	return &PublishingStore{CardStore: inner, pub: pub, log: log.With("component", "PublishingStore")}
}

func (s *PublishingStore) publish(ctx context.Context, kind Kind, card store.Card, previous *time.Time) {
	raw, err := Encode(kind, card, previous)
	if err == nil {
		err = s.pub.Publish(ctx, raw)
	}
	if err != nil {
		// Subscribers converge on their next resync.
		s.log.Warn("publish card change failed", "card_id", card.ID, "op", kind, "error", err)
	}
}

func (s *PublishingStore) InsertCard(ctx context.Context, card store.Card) (store.Card, error) {
	out, err := s.CardStore.InsertCard(ctx, card)
	if err == nil {
		s.publish(ctx, KindInsert, out, nil)
	}
	return out, err
}

func (s *PublishingStore) WriteCard(ctx context.Context, cardID string, patch store.Patch, userID string, now time.Time) (store.Card, error) {
	out, err := s.CardStore.WriteCard(ctx, cardID, patch, userID, now)
	if err == nil {
		s.publish(ctx, KindUpdate, out, nil)
	}
	return out, err
}

func (s *PublishingStore) AcquireLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (store.Card, bool, error) {
	out, ok, err := s.CardStore.AcquireLock(ctx, cardID, userID, now, ttl)
	if err == nil && ok {
		s.publish(ctx, KindUpdate, out, nil)
	}
	return out, ok, err
}

func (s *PublishingStore) ReleaseLock(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (store.Card, bool, error) {
	out, changed, err := s.CardStore.ReleaseLock(ctx, cardID, userID, now, ttl)
	if err == nil && changed {
		s.publish(ctx, KindUpdate, out, nil)
	}
	return out, changed, err
}

func (s *PublishingStore) SaveLocked(ctx context.Context, cardID, userID string, patch store.Patch, now time.Time, ttl time.Duration) (store.Card, error) {
	out, err := s.CardStore.SaveLocked(ctx, cardID, userID, patch, now, ttl)
	if err == nil {
		s.publish(ctx, KindUpdate, out, nil)
	}
	return out, err
}

func (s *PublishingStore) DeleteCard(ctx context.Context, cardID, userID string, now time.Time, ttl time.Duration) (store.Card, bool, error) {
	out, deleted, err := s.CardStore.DeleteCard(ctx, cardID, userID, now, ttl)
	if err == nil && deleted {
		s.publish(ctx, KindDelete, out, nil)
	}
	return out, deleted, err
}

func (s *PublishingStore) ClearExpiredLocks(ctx context.Context, now time.Time, ttl time.Duration) ([]store.Card, error) {
	cleared, err := s.CardStore.ClearExpiredLocks(ctx, now, ttl)
	for _, card := range cleared {
		s.publish(ctx, KindUpdate, card, nil)
	}
	return cleared, err
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ideamatrix/api/internal/logger"
)

const (
	closeTimeout       = 5 * time.Second
	redisChannelPrefix = "ideamatrix:cards:"
)

// RedisBus fans card changes out over Redis pub/sub. It is used when several
// API replicas share a store that does not notify on its own.
type RedisBus struct {
	rdb *goredis.Client
	log *logger.Logger
}

// NewRedisBus connects using a redis:// URL and verifies the server answers.
func NewRedisBus(ctx context.Context, url string, log *logger.Logger) (*RedisBus, error) {
	opts, err := goredis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(rdb, log), nil
}

func NewRedisBusFromClient(rdb *goredis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log.With("component", "RedisBus")}
}

func redisChannel(projectID string) string {
	return redisChannelPrefix + projectID
}

func (b *RedisBus) Publish(ctx context.Context, ev RawEvent) error {
	if ev.ProjectID == "" {
		return fmt.Errorf("publish %s: missing project id", ev.Op)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := b.rdb.Publish(ctx, redisChannel(ev.ProjectID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(ctx context.Context, projectID string, ready func(), onEvent func(RawEvent)) error {
	sub := b.rdb.Subscribe(ctx, redisChannel(projectID))
	defer sub.Close()

	// Wait for the subscription confirmation before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ready()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				return fmt.Errorf("redis subscription for %s closed", projectID)
			}
			var raw RawEvent
			if err := json.Unmarshal([]byte(m.Payload), &raw); err != nil {
				b.log.Warn("bad redis change payload", "error", err)
				continue
			}
			onEvent(raw)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ideamatrix/api/internal/logger"
	"ideamatrix/api/internal/store"
)

// CardReader hydrates a notification into the current row.
type CardReader interface {
	ReadCard(ctx context.Context, cardID string) (store.Card, error)
}

// PGListener follows the idea_cards trigger over LISTEN/NOTIFY. Each Listen
// call owns a dedicated connection because a listening connection cannot be
// shared with the pool.
type PGListener struct {
	dsn    string
	reader CardReader
	log    *logger.Logger
}

func NewPGListener(dsn string, reader CardReader, log *logger.Logger) *PGListener {
	return &PGListener{dsn: dsn, reader: reader, log: log.With("component", "PGListener")}
}

// Channel is the NOTIFY channel the trigger uses for a project.
func Channel(projectID string) string {
	return "cards_" + projectID
}

type notification struct {
	Op                string `json:"op"`
	ProjectID         string `json:"project_id"`
	ID                string `json:"id"`
	PreviousUpdatedAt string `json:"previous_updated_at"`
}

func (l *PGListener) Listen(ctx context.Context, projectID string, ready func(), onEvent func(RawEvent)) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel(projectID)}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", projectID, err)
	}
	ready()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		raw, ok, err := l.hydrate(ctx, []byte(n.Payload))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed read means the event is lost. Breaking the connection
			// forces the caller to reconnect and resync.
			return err
		}
		if ok {
			onEvent(raw)
		}
	}
}

func (l *PGListener) hydrate(ctx context.Context, payload []byte) (RawEvent, bool, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		l.log.Warn("bad card notification payload", "error", err)
		return RawEvent{}, false, nil
	}
	raw := RawEvent{Op: n.Op, ProjectID: n.ProjectID, CardID: n.ID}
	if n.PreviousUpdatedAt != "" {
		if prev, err := parseTimestamp(n.PreviousUpdatedAt); err == nil {
			raw.PreviousUpdatedAt = &prev
		}
	}
	if Kind(n.Op) == KindDelete {
		return raw, true, nil
	}

	card, err := l.reader.ReadCard(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted before we could read it; the delete notification follows.
		return RawEvent{}, false, nil
	}
	if err != nil {
		return RawEvent{}, false, fmt.Errorf("hydrate card %s: %w", n.ID, err)
	}
	body, err := json.Marshal(card)
	if err != nil {
		return RawEvent{}, false, fmt.Errorf("encode card %s: %w", n.ID, err)
	}
	raw.Card = body
	return raw, true, nil
}

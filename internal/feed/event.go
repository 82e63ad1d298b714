// Package feed turns raw store change notifications into typed card events.
//
// Every upstream transport (Postgres LISTEN/NOTIFY, Redis pub/sub, the memory
// store) produces RawEvent values. Decode validates them once at the boundary
// so nothing past this package handles loosely shaped payloads.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ideamatrix/api/internal/store"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	// KindResync carries a full project snapshot after (re)connecting.
	KindResync Kind = "resync"
)

// Event is a validated change. Card is set for insert, update and delete
// (for delete only ID, ProjectID and possibly UpdatedAt are meaningful).
// Cards is set for resync.
type Event struct {
	Kind              Kind         `json:"kind"`
	ProjectID         string       `json:"project_id"`
	Card              store.Card   `json:"card,omitempty"`
	Cards             []store.Card `json:"cards,omitempty"`
	PreviousUpdatedAt *time.Time   `json:"previous_updated_at,omitempty"`
}

// CardID returns the id the event is about, or "" for resync.
func (e Event) CardID() string {
	if e.Kind == KindResync {
		return ""
	}
	return e.Card.ID
}

func Resync(projectID string, cards []store.Card) Event {
	if cards == nil {
		cards = []store.Card{}
	}
	return Event{Kind: KindResync, ProjectID: projectID, Cards: cards}
}

// RawEvent is the wire shape shared by every transport.
type RawEvent struct {
	Op                string          `json:"op"`
	ProjectID         string          `json:"project_id"`
	CardID            string          `json:"id"`
	Card              json.RawMessage `json:"card,omitempty"`
	PreviousUpdatedAt *time.Time      `json:"previous_updated_at,omitempty"`
}

var ErrMalformed = errors.New("malformed change event")

// Source delivers raw changes for one project. Listen calls ready once the
// subscription is live, then onEvent for every change, and blocks until ctx
// is done or the connection breaks. A nil return means ctx ended.
type Source interface {
	Listen(ctx context.Context, projectID string, ready func(), onEvent func(RawEvent)) error
}

// Publisher pushes a change onto a transport that does not observe the store
// by itself.
type Publisher interface {
	Publish(ctx context.Context, ev RawEvent) error
}

func Encode(kind Kind, card store.Card, previous *time.Time) (RawEvent, error) {
	raw := RawEvent{
		Op:                string(kind),
		ProjectID:         card.ProjectID,
		CardID:            card.ID,
		PreviousUpdatedAt: previous,
	}
	body, err := json.Marshal(card)
	if err != nil {
		return RawEvent{}, fmt.Errorf("encode card %s: %w", card.ID, err)
	}
	raw.Card = body
	return raw, nil
}

// Decode validates raw and returns the typed event. Any structural problem
// yields an error wrapping ErrMalformed.
func Decode(raw RawEvent) (Event, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw.Op)))
	ev := Event{Kind: kind, ProjectID: raw.ProjectID, PreviousUpdatedAt: raw.PreviousUpdatedAt}

	switch kind {
	case KindInsert, KindUpdate:
		if len(raw.Card) == 0 {
			return Event{}, fmt.Errorf("%w: %s without card", ErrMalformed, kind)
		}
		var card store.Card
		if err := json.Unmarshal(raw.Card, &card); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := validateCard(raw, card); err != nil {
			return Event{}, err
		}
		ev.Card = card
		if ev.ProjectID == "" {
			ev.ProjectID = card.ProjectID
		}
	case KindDelete:
		id := raw.CardID
		if len(raw.Card) > 0 {
			var card store.Card
			if err := json.Unmarshal(raw.Card, &card); err != nil {
				return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if id != "" && card.ID != "" && card.ID != id {
				return Event{}, fmt.Errorf("%w: id mismatch %s != %s", ErrMalformed, card.ID, id)
			}
			ev.Card = card
			if id == "" {
				id = card.ID
			}
		}
		if id == "" {
			return Event{}, fmt.Errorf("%w: delete without id", ErrMalformed)
		}
		ev.Card.ID = id
		if ev.Card.ProjectID == "" {
			ev.Card.ProjectID = raw.ProjectID
		}
	default:
		return Event{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, raw.Op)
	}
	return ev, nil
}

func validateCard(raw RawEvent, card store.Card) error {
	if card.ID == "" {
		return fmt.Errorf("%w: card without id", ErrMalformed)
	}
	if raw.CardID != "" && raw.CardID != card.ID {
		return fmt.Errorf("%w: id mismatch %s != %s", ErrMalformed, card.ID, raw.CardID)
	}
	if raw.ProjectID != "" && raw.ProjectID != card.ProjectID {
		return fmt.Errorf("%w: card %s belongs to %s, not %s", ErrMalformed, card.ID, card.ProjectID, raw.ProjectID)
	}
	if card.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: card %s without updated_at", ErrMalformed, card.ID)
	}
	if !card.Priority.Valid() {
		return fmt.Errorf("%w: card %s has priority %q", ErrMalformed, card.ID, card.Priority)
	}
	if (card.EditingBy == nil) != (card.EditingAt == nil) {
		return fmt.Errorf("%w: card %s has half a lock", ErrMalformed, card.ID)
	}
	return nil
}

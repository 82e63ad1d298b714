// Package reconcile folds card change events into a client's local view.
//
// Delivery is at-least-once and may reorder. Reconcile keeps the view
// convergent with two rules: an insert or update only replaces the local
// copy when its updated_at is not older, and a delete leaves a tombstone that
// suppresses late inserts and updates for the same id during a grace window.
package reconcile

import (
	"reflect"
	"sort"
	"time"

	"ideamatrix/api/internal/feed"
	"ideamatrix/api/internal/store"
)

const DefaultGrace = 30 * time.Second

// State is an immutable snapshot; Reconcile returns a new value instead of
// mutating its input.
type State struct {
	Cards      map[string]store.Card
	Tombstones map[string]time.Time
}

func NewState() State {
	return State{Cards: map[string]store.Card{}, Tombstones: map[string]time.Time{}}
}

func (s State) clone() State {
	out := State{
		Cards:      make(map[string]store.Card, len(s.Cards)),
		Tombstones: make(map[string]time.Time, len(s.Tombstones)),
	}
	for id, card := range s.Cards {
		out.Cards[id] = card
	}
	for id, at := range s.Tombstones {
		out.Tombstones[id] = at
	}
	return out
}

// Sorted returns the cards ordered by creation time, then id.
func (s State) Sorted() []store.Card {
	out := make([]store.Card, 0, len(s.Cards))
	for _, card := range s.Cards {
		out = append(out, card.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Result reports what an event did to the state.
type Result struct {
	// Changed is true when the visible card set differs.
	Changed bool
	// Applied lists ids whose local copy was replaced by a strictly newer
	// version, inserted, or removed.
	Applied []string
}

// Reconcile applies ev to state at local time now.
func Reconcile(state State, ev feed.Event, now time.Time, grace time.Duration) (State, Result) {
	next := state.clone()
	pruneTombstones(next, now, grace)
	var res Result

	switch ev.Kind {
	case feed.KindInsert, feed.KindUpdate:
		res = upsert(next, ev.Card)
	case feed.KindDelete:
		id := ev.Card.ID
		if _, ok := next.Cards[id]; ok {
			delete(next.Cards, id)
			res.Changed = true
			res.Applied = append(res.Applied, id)
		}
		next.Tombstones[id] = now
	case feed.KindResync:
		seen := make(map[string]struct{}, len(ev.Cards))
		for _, card := range ev.Cards {
			seen[card.ID] = struct{}{}
			r := upsert(next, card)
			res.Changed = res.Changed || r.Changed
			res.Applied = append(res.Applied, r.Applied...)
		}
		// Cards missing from the snapshot were deleted while disconnected.
		for id := range next.Cards {
			if _, ok := seen[id]; ok {
				continue
			}
			delete(next.Cards, id)
			next.Tombstones[id] = now
			res.Changed = true
			res.Applied = append(res.Applied, id)
		}
	}
	return next, res
}

func upsert(state State, card store.Card) Result {
	if _, dead := state.Tombstones[card.ID]; dead {
		return Result{}
	}
	local, ok := state.Cards[card.ID]
	if !ok {
		state.Cards[card.ID] = card.Clone()
		return Result{Changed: true, Applied: []string{card.ID}}
	}
	if card.UpdatedAt.Before(local.UpdatedAt) {
		return Result{}
	}
	if card.UpdatedAt.Equal(local.UpdatedAt) {
		// Same version, usually a redelivery. Take it but do not treat it as
		// news for optimistic overlays.
		if reflect.DeepEqual(local, card) {
			return Result{}
		}
		state.Cards[card.ID] = card.Clone()
		return Result{Changed: true}
	}
	state.Cards[card.ID] = card.Clone()
	return Result{Changed: true, Applied: []string{card.ID}}
}

func pruneTombstones(state State, now time.Time, grace time.Duration) {
	for id, at := range state.Tombstones {
		if now.Sub(at) > grace {
			delete(state.Tombstones, id)
		}
	}
}

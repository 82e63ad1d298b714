package reconcile

import (
	"sync"
	"time"

	"ideamatrix/api/internal/feed"
	"ideamatrix/api/internal/store"
)

// overlay is a local write that has not been echoed back by the feed yet.
type overlay struct {
	X         *float64
	Y         *float64
	Collapsed *bool
}

// View is one client's live board: reconciled state plus optimistic
// overlays. It is safe for concurrent use.
type View struct {
	mu       sync.Mutex
	state    State
	overlays map[string]overlay
	grace    time.Duration
	now      func() time.Time
	synced   bool
}

func NewView(grace time.Duration, now func() time.Time) *View {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if now == nil {
		now = time.Now
	}
	return &View{
		state:    NewState(),
		overlays: map[string]overlay{},
		grace:    grace,
		now:      now,
	}
}

// Apply folds ev into the view and reports whether the visible cards changed.
// The first snapshot always counts as a change, even for an empty board.
// An overlay is dropped as soon as a newer version of its card arrives; the
// server's copy wins.
func (v *View) Apply(ev feed.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, res := Reconcile(v.state, ev, v.now(), v.grace)
	v.state = next
	first := false
	if ev.Kind == feed.KindResync && !v.synced {
		v.synced = true
		first = true
	}
	dropped := false
	for _, id := range res.Applied {
		if _, ok := v.overlays[id]; ok {
			delete(v.overlays, id)
			dropped = true
		}
	}
	return res.Changed || dropped || first
}

// Synced reports whether at least one full snapshot has been applied.
func (v *View) Synced() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.synced
}

// Move records an optimistic position. It returns false for unknown cards.
func (v *View) Move(cardID string, x, y float64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.state.Cards[cardID]; !ok {
		return false
	}
	o := v.overlays[cardID]
	o.X, o.Y = &x, &y
	v.overlays[cardID] = o
	return true
}

// SetCollapsed records an optimistic collapse toggle.
func (v *View) SetCollapsed(cardID string, collapsed bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.state.Cards[cardID]; !ok {
		return false
	}
	o := v.overlays[cardID]
	o.Collapsed = &collapsed
	v.overlays[cardID] = o
	return true
}

// Revert drops a pending overlay after its write failed.
func (v *View) Revert(cardID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.overlays, cardID)
}

func (v *View) Pending(cardID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.overlays[cardID]
	return ok
}

// Cards returns the visible cards in board order with overlays applied.
func (v *View) Cards() []store.Card {
	v.mu.Lock()
	defer v.mu.Unlock()
	cards := v.state.Sorted()
	for i, card := range cards {
		if o, ok := v.overlays[card.ID]; ok {
			cards[i] = o.apply(card)
		}
	}
	return cards
}

func (v *View) Card(cardID string) (store.Card, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	card, ok := v.state.Cards[cardID]
	if !ok {
		return store.Card{}, false
	}
	card = card.Clone()
	if o, ok := v.overlays[cardID]; ok {
		card = o.apply(card)
	}
	return card, true
}

func (o overlay) apply(card store.Card) store.Card {
	if o.X != nil {
		card.X = *o.X
	}
	if o.Y != nil {
		card.Y = *o.Y
	}
	if o.Collapsed != nil {
		card.IsCollapsed = *o.Collapsed
	}
	return card
}

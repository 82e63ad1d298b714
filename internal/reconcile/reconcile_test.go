package reconcile

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ideamatrix/api/internal/feed"
	"ideamatrix/api/internal/quadrant"
	"ideamatrix/api/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func card(id string, version int, content string) store.Card {
	return store.Card{
		ID:        id,
		ProjectID: "prj_1",
		Content:   content,
		Priority:  quadrant.PriorityModerate,
		CreatedAt: t0,
		UpdatedAt: t0.Add(time.Duration(version) * time.Second),
	}
}

func update(c store.Card) feed.Event { return feed.Event{Kind: feed.KindUpdate, Card: c} }
func insert(c store.Card) feed.Event { return feed.Event{Kind: feed.KindInsert, Card: c} }
func del(id string) feed.Event {
	return feed.Event{Kind: feed.KindDelete, Card: store.Card{ID: id}}
}

func TestNewerUpdateWins(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, insert(card("c1", 1, "v1")), t0, DefaultGrace)
	s, res := Reconcile(s, update(card("c1", 3, "v3")), t0, DefaultGrace)
	assert.True(t, res.Changed)
	s, res = Reconcile(s, update(card("c1", 2, "v2")), t0, DefaultGrace)
	assert.False(t, res.Changed, "older updates are ignored")
	assert.Equal(t, "v3", s.Cards["c1"].Content)
}

func TestInsertOfKnownIDActsAsUpdate(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, update(card("c1", 2, "v2")), t0, DefaultGrace)
	s, res := Reconcile(s, insert(card("c1", 1, "v1")), t0, DefaultGrace)
	assert.False(t, res.Changed)
	assert.Equal(t, "v2", s.Cards["c1"].Content)
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, update(card("c1", 2, "v2")), t0, DefaultGrace)
	_, res := Reconcile(s, update(card("c1", 2, "v2")), t0, DefaultGrace)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Applied)
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, insert(card("c1", 1, "v1")), t0, DefaultGrace)
	_, _ = Reconcile(s, update(card("c1", 2, "v2")), t0, DefaultGrace)
	_, _ = Reconcile(s, del("c1"), t0, DefaultGrace)
	assert.Equal(t, "v1", s.Cards["c1"].Content)
	assert.Empty(t, s.Tombstones)
}

func TestDeleteSuppressesLateUpdatesDuringGrace(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, insert(card("c1", 1, "v1")), t0, DefaultGrace)
	s, res := Reconcile(s, del("c1"), t0, DefaultGrace)
	assert.True(t, res.Changed)

	s, res = Reconcile(s, update(card("c1", 5, "late")), t0.Add(10*time.Second), DefaultGrace)
	assert.False(t, res.Changed)
	assert.NotContains(t, s.Cards, "c1")

	s, _ = Reconcile(s, update(card("c2", 1, "other")), t0.Add(DefaultGrace+time.Second), DefaultGrace)
	assert.NotContains(t, s.Tombstones, "c1", "tombstones are pruned after the grace window")
}

func TestDeleteBeforeInsertStillEndsDeleted(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, del("c1"), t0, DefaultGrace)
	s, _ = Reconcile(s, insert(card("c1", 1, "v1")), t0, DefaultGrace)
	assert.NotContains(t, s.Cards, "c1")
}

func TestResyncReplacesStateAndTombstonesMissingCards(t *testing.T) {
	s := NewState()
	s, _ = Reconcile(s, insert(card("c1", 1, "v1")), t0, DefaultGrace)
	s, _ = Reconcile(s, insert(card("c2", 1, "v1")), t0, DefaultGrace)
	s, _ = Reconcile(s, update(card("c3", 4, "v4")), t0, DefaultGrace)

	snapshot := feed.Resync("prj_1", []store.Card{card("c2", 2, "v2"), card("c3", 3, "v3-old")})
	s, res := Reconcile(s, snapshot, t0, DefaultGrace)
	assert.True(t, res.Changed)

	assert.NotContains(t, s.Cards, "c1", "missing from the snapshot means deleted")
	assert.Contains(t, s.Tombstones, "c1")
	assert.Equal(t, "v2", s.Cards["c2"].Content)
	assert.Equal(t, "v4", s.Cards["c3"].Content, "the snapshot never rolls a card back")
}

func TestViewOverlayIsReplacedByEcho(t *testing.T) {
	v := NewView(DefaultGrace, func() time.Time { return t0 })
	v.Apply(feed.Resync("prj_1", []store.Card{card("c1", 1, "v1")}))
	require.True(t, v.Synced())

	require.True(t, v.Move("c1", 400, 50))
	got, ok := v.Card("c1")
	require.True(t, ok)
	assert.Equal(t, 400.0, got.X)
	assert.True(t, v.Pending("c1"))

	// A redelivery of the old version does not snap the card back.
	assert.False(t, v.Apply(update(card("c1", 1, "v1"))))
	assert.True(t, v.Pending("c1"))

	echo := card("c1", 2, "v1")
	echo.X, echo.Y = 410, 55
	assert.True(t, v.Apply(update(echo)))
	assert.False(t, v.Pending("c1"))
	got, _ = v.Card("c1")
	assert.Equal(t, 410.0, got.X, "the server copy wins over the overlay")
}

func TestViewRevertAndUnknownCards(t *testing.T) {
	v := NewView(DefaultGrace, func() time.Time { return t0 })
	assert.False(t, v.Move("nope", 1, 1))
	assert.False(t, v.SetCollapsed("nope", true))

	v.Apply(insert(card("c1", 1, "v1")))
	require.True(t, v.SetCollapsed("c1", true))
	assert.True(t, v.Cards()[0].IsCollapsed)
	v.Revert("c1")
	assert.False(t, v.Cards()[0].IsCollapsed)
}

func TestViewCardsAreOrderedByCreation(t *testing.T) {
	v := NewView(DefaultGrace, func() time.Time { return t0 })
	late := card("a-late", 1, "late")
	late.CreatedAt = t0.Add(time.Hour)
	v.Apply(insert(late))
	v.Apply(insert(card("b", 1, "b")))
	v.Apply(insert(card("a", 1, "a")))

	var ids []string
	for _, c := range v.Cards() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "b", "a-late"}, ids)
}

// history builds a server-side sequence of versions for a few cards, some of
// which end deleted, and returns the events plus the final truth.
type history struct {
	events []feed.Event
	final  map[string]store.Card
}

func genHistory() gopter.Gen {
	return gen.SliceOfN(12, gen.IntRange(0, 9)).Map(func(ops []int) history {
		h := history{final: map[string]store.Card{}}
		versions := map[string]int{}
		deleted := map[string]bool{}
		for i, op := range ops {
			id := fmt.Sprintf("c%d", op%3)
			if deleted[id] {
				continue
			}
			if op == 9 && versions[id] > 0 {
				deleted[id] = true
				delete(h.final, id)
				h.events = append(h.events, del(id))
				continue
			}
			versions[id]++
			c := card(id, versions[id], fmt.Sprintf("%s-v%d-%d", id, versions[id], i))
			kind := feed.KindUpdate
			if versions[id] == 1 {
				kind = feed.KindInsert
			}
			h.final[id] = c
			h.events = append(h.events, feed.Event{Kind: kind, Card: c})
		}
		return h
	})
}

func TestReconcileConvergesUnderReorderingAndDuplication(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("any delivery order with duplicates ends at the server state", prop.ForAll(
		func(h history, seed int64) bool {
			delivered := shuffleWithDuplicates(h.events, seed)
			s := NewState()
			for _, ev := range delivered {
				s, _ = Reconcile(s, ev, t0, DefaultGrace)
			}
			if len(s.Cards) != len(h.final) {
				return false
			}
			for id, want := range h.final {
				got, ok := s.Cards[id]
				if !ok || got.Content != want.Content {
					return false
				}
			}
			return true
		},
		genHistory(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// shuffleWithDuplicates permutes events deterministically from seed and
// appends a second copy of every other event.
func shuffleWithDuplicates(events []feed.Event, seed int64) []feed.Event {
	out := make([]feed.Event, 0, len(events)*2)
	out = append(out, events...)
	for i := 0; i < len(events); i += 2 {
		out = append(out, events[i])
	}
	keys := make([]uint64, len(out))
	x := uint64(seed) | 1
	for i := range keys {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		keys[i] = x
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	shuffled := make([]feed.Event, len(out))
	for i, j := range idx {
		shuffled[i] = out[j]
	}
	return shuffled
}

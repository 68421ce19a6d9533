package recovery

import (
	"context"
	"reflect"
	"testing"

	"slotbot/internal/slots"
	"slotbot/internal/transport"
	"slotbot/internal/transport/memory"
)

const (
	self     int64 = 1
	stranger int64 = 2

	chDaily  int64 = 100
	chEvents int64 = 200

	marker     = "⬆️⬆️⬆️"
	bossPrefix = "Présence pour l'événement Boss"
)

func defaultRules() []Rule {
	return []Rule{
		{Slot: "poll", Match: Matcher{Kind: IsStructuredPoll}},
		{Slot: "mention", Match: Matcher{Kind: ContainsMarker, Text: marker}},
		{Slot: "boss_note", Match: Matcher{Kind: HasPrefix, Text: bossPrefix}},
		{Slot: "boss_links", Match: Matcher{Kind: ContainsMarker, Text: "discord.com/events/"}},
	}
}

func newStore(t *testing.T) *slots.Store {
	t.Helper()
	st, err := slots.NewStore([]slots.Def{
		{Name: "poll", Kind: slots.Single, Channel: chDaily},
		{Name: "mention", Kind: slots.Single, Channel: chDaily},
		{Name: "boss_note", Kind: slots.Single, Channel: chEvents},
		{Name: "boss_links", Kind: slots.List, Channel: chEvents},
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st
}

func handleIDs(st *slots.Store, slot string) []int64 {
	s, _ := st.Get(slot)
	var out []int64
	for _, h := range s.Handles {
		out = append(out, h.ID)
	}
	return out
}

func TestRecoverMostRecentPollAndCompanion(t *testing.T) {
	t.Parallel()

	tr := memory.New(self)
	tr.Post(chDaily, self, "Présence ce soir ?", true)
	tr.Post(chDaily, self, marker+"@everyone"+marker, false)
	for i := 0; i < 20; i++ {
		tr.Post(chDaily, stranger, "chatter", false)
	}
	newPoll := tr.Post(chDaily, self, "Présence ce soir ?", true)
	newMention := tr.Post(chDaily, self, marker+"@everyone"+marker, false)
	for i := 0; i < 25; i++ {
		tr.Post(chDaily, stranger, "more chatter", false)
	}

	st := newStore(t)
	rec := NewReconciler(st, tr, NewClassifier(defaultRules()), WithWindows(map[string]int{"poll": 50, "mention": 50}))
	rep := rec.Run(context.Background())

	if got := handleIDs(st, "poll"); !reflect.DeepEqual(got, []int64{newPoll.ID}) {
		t.Fatalf("poll = %v, want [%d]", got, newPoll.ID)
	}
	if got := handleIDs(st, "mention"); !reflect.DeepEqual(got, []int64{newMention.ID}) {
		t.Fatalf("mention = %v, want [%d]", got, newMention.ID)
	}
	if len(rep.Degraded) != 0 {
		t.Fatalf("degraded = %v", rep.Degraded)
	}
	if s, _ := st.Get("poll"); !s.Handles[0].IsPoll {
		t.Fatalf("recovered poll handle lost its poll flag")
	}
}

func TestRecoverIgnoresForeignAuthors(t *testing.T) {
	t.Parallel()

	tr := memory.New(self)
	tr.Post(chDaily, stranger, "someone else's poll", true)
	tr.Post(chEvents, stranger, bossPrefix+" fake", false)

	st := newStore(t)
	NewReconciler(st, tr, NewClassifier(defaultRules())).Run(context.Background())
	for _, name := range st.Names() {
		if s, _ := st.Get(name); !s.Empty() {
			t.Fatalf("slot %s recovered a foreign artifact: %+v", name, s.Handles)
		}
	}
}

func TestRuleOrderDecidesAmbiguousArtifacts(t *testing.T) {
	t.Parallel()

	// Matches both the boss_note prefix and the boss_links marker.
	text := bossPrefix + " https://discord.com/events/1/2"

	tests := []struct {
		name  string
		rules []Rule
		slot  string
	}{
		{
			name: "prefix first",
			rules: []Rule{
				{Slot: "boss_note", Match: Matcher{Kind: HasPrefix, Text: bossPrefix}},
				{Slot: "boss_links", Match: Matcher{Kind: ContainsMarker, Text: "discord.com/events/"}},
			},
			slot: "boss_note",
		},
		{
			name: "marker first",
			rules: []Rule{
				{Slot: "boss_links", Match: Matcher{Kind: ContainsMarker, Text: "discord.com/events/"}},
				{Slot: "boss_note", Match: Matcher{Kind: HasPrefix, Text: bossPrefix}},
			},
			slot: "boss_links",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := memory.New(self)
			h := tr.Post(chEvents, self, text, false)
			st := newStore(t)
			NewReconciler(st, tr, NewClassifier(tt.rules)).Run(context.Background())
			if got := handleIDs(st, tt.slot); !reflect.DeepEqual(got, []int64{h.ID}) {
				t.Fatalf("%s = %v, want [%d]", tt.slot, got, h.ID)
			}
		})
	}
}

func TestListSlotAccumulatesInChronologicalOrderWithinWindow(t *testing.T) {
	t.Parallel()

	tr := memory.New(self)
	tr.Post(chEvents, self, "https://discord.com/events/1/0", false)
	a := tr.Post(chEvents, self, "https://discord.com/events/1/1", false)
	b := tr.Post(chEvents, self, "https://discord.com/events/1/2", false)
	c := tr.Post(chEvents, self, "https://discord.com/events/1/3", false)

	st := newStore(t)
	NewReconciler(st, tr, NewClassifier(defaultRules()), WithWindows(map[string]int{"boss_links": 3})).Run(context.Background())
	if got, want := handleIDs(st, "boss_links"), []int64{a.ID, b.ID, c.ID}; !reflect.DeepEqual(got, want) {
		t.Fatalf("boss_links = %v, want %v", got, want)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := memory.New(self)
	tr.Post(chDaily, self, "q", true)
	tr.Post(chEvents, self, bossPrefix+" samedi", false)
	tr.Post(chEvents, self, "https://discord.com/events/1/9", false)

	st := newStore(t)
	rec := NewReconciler(st, tr, NewClassifier(defaultRules()))
	rec.Run(context.Background())
	first := st.Snapshot()
	rec.Run(context.Background())
	if second := st.Snapshot(); !reflect.DeepEqual(first, second) {
		t.Fatalf("second run changed state:\n%+v\n%+v", first, second)
	}
}

func TestUnreadableChannelKeepsItsSlots(t *testing.T) {
	t.Parallel()

	tr := memory.New(self)
	poll := tr.Post(chDaily, self, "q", true)
	tr.Fail(memory.OpHistory, chEvents, -1, nil)

	st := newStore(t)
	st.Set("boss_note", []transport.Handle{{ID: 777, Channel: chEvents}})

	rep := NewReconciler(st, tr, NewClassifier(defaultRules())).Run(context.Background())
	if !reflect.DeepEqual(rep.Degraded, []int64{chEvents}) {
		t.Fatalf("degraded = %v", rep.Degraded)
	}
	if got := handleIDs(st, "boss_note"); !reflect.DeepEqual(got, []int64{777}) {
		t.Fatalf("boss_note = %v, want untouched [777]", got)
	}
	if got := handleIDs(st, "poll"); !reflect.DeepEqual(got, []int64{poll.ID}) {
		t.Fatalf("poll = %v, want [%d]", got, poll.ID)
	}
}

func TestParseMatchKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]MatchKind{"poll": IsStructuredPoll, "contains": ContainsMarker, "Prefix": HasPrefix} {
		got, err := ParseMatchKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseMatchKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMatchKind("regex"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

package slots

import (
	"testing"

	"slotbot/internal/transport"
)

func TestNewStoreRejectsDuplicates(t *testing.T) {
	t.Parallel()

	if _, err := NewStore([]Def{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatalf("expected duplicate slot error")
	}
	if _, err := NewStore([]Def{{Name: " "}}); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestSetSingleKeepsFirstHandle(t *testing.T) {
	t.Parallel()

	s, err := NewStore([]Def{{Name: "poll", Kind: Single, Channel: 1}})
	if err != nil {
		t.Fatal(err)
	}
	s.Set("poll", []transport.Handle{{ID: 3}, {ID: 2}})
	st, ok := s.Get("poll")
	if !ok || len(st.Handles) != 1 || st.Handles[0].ID != 3 {
		t.Fatalf("Get() = %+v, %v", st, ok)
	}
	s.Reset("poll")
	if st, _ := s.Get("poll"); !st.Empty() {
		t.Fatalf("Reset() left handles: %+v", st.Handles)
	}
}

func TestChannelsGroupsSlots(t *testing.T) {
	t.Parallel()

	s, _ := NewStore([]Def{
		{Name: "poll", Kind: Single, Channel: 20},
		{Name: "boss", Kind: List, Channel: 10},
		{Name: "mention", Kind: Single, Channel: 20},
	})
	got := s.Channels()
	if len(got) != 2 || got[0].Channel != 10 || got[1].Channel != 20 {
		t.Fatalf("Channels() = %+v", got)
	}
	if len(got[1].Slots) != 2 || got[1].Slots[0] != "poll" || got[1].Slots[1] != "mention" {
		t.Fatalf("slots for channel 20 = %v", got[1].Slots)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "single", want: Single},
		{in: " LIST ", want: List},
		{in: "many", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseKind(%q) error = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

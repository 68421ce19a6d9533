// Package slots tracks the live artifacts of each configured slot and mutates them
// through the transport.
//
// A Store is owned by a single goroutine (the scheduler loop) and does no locking.
package slots

import (
	"fmt"
	"sort"
	"strings"

	"slotbot/internal/transport"
)

type Kind int

const (
	// Single holds at most one live handle; writes replace it.
	Single Kind = iota
	// List holds many handles refreshed all-or-nothing.
	List
)

func (k Kind) String() string {
	if k == List {
		return "list"
	}
	return "single"
}

// ParseKind accepts "single" or "list".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return Single, nil
	case "list":
		return List, nil
	default:
		return Single, fmt.Errorf("unknown slot kind %q (want single|list)", s)
	}
}

// Def declares a slot and the channel its artifacts live in.
type Def struct {
	Name    string
	Kind    Kind
	Channel int64
}

// State is a snapshot of one slot.
type State struct {
	Def     Def
	Handles []transport.Handle
}

// Empty reports whether the slot holds no handle.
func (s State) Empty() bool { return len(s.Handles) == 0 }

type Store struct {
	defs   map[string]Def
	order  []string
	states map[string][]transport.Handle
}

// NewStore creates empty states for every def. Names must be unique and non-empty.
func NewStore(defs []Def) (*Store, error) {
	s := &Store{
		defs:   make(map[string]Def, len(defs)),
		states: make(map[string][]transport.Handle, len(defs)),
	}
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("slot name is empty")
		}
		if _, dup := s.defs[name]; dup {
			return nil, fmt.Errorf("duplicate slot %q", name)
		}
		d.Name = name
		s.defs[name] = d
		s.order = append(s.order, name)
	}
	return s, nil
}

func (s *Store) Def(name string) (Def, bool) {
	d, ok := s.defs[name]
	return d, ok
}

// Names returns slot names in declaration order.
func (s *Store) Names() []string { return append([]string(nil), s.order...) }

// Get returns a copy of the slot state. Unknown slots return an empty state and false.
func (s *Store) Get(name string) (State, bool) {
	d, ok := s.defs[name]
	if !ok {
		return State{}, false
	}
	return State{Def: d, Handles: append([]transport.Handle(nil), s.states[name]...)}, true
}

// Set replaces the slot's handles. A Single slot keeps only the first handle.
func (s *Store) Set(name string, handles []transport.Handle) {
	d, ok := s.defs[name]
	if !ok {
		return
	}
	if d.Kind == Single && len(handles) > 1 {
		handles = handles[:1]
	}
	if len(handles) == 0 {
		delete(s.states, name)
		return
	}
	s.states[name] = append([]transport.Handle(nil), handles...)
}

func (s *Store) appendHandle(name string, h transport.Handle) {
	s.states[name] = append(s.states[name], h)
}

// Reset empties a slot.
func (s *Store) Reset(name string) { delete(s.states, name) }

// Channels groups slot names by channel, channels ascending, slots in declaration order.
func (s *Store) Channels() []ChannelSlots {
	by := map[int64][]string{}
	for _, name := range s.order {
		ch := s.defs[name].Channel
		by[ch] = append(by[ch], name)
	}
	out := make([]ChannelSlots, 0, len(by))
	for ch, names := range by {
		out = append(out, ChannelSlots{Channel: ch, Slots: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

type ChannelSlots struct {
	Channel int64
	Slots   []string
}

// Snapshot returns all states in declaration order.
func (s *Store) Snapshot() []State {
	out := make([]State, 0, len(s.order))
	for _, name := range s.order {
		st, _ := s.Get(name)
		out = append(out, st)
	}
	return out
}

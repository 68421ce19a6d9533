package schedule

import (
	"context"
	"fmt"

	"slotbot/internal/storage"
)

// Ledger remembers, per rule, the last dedup key whose action succeeded.
// It is owned by the scheduler goroutine.
type Ledger interface {
	Last(rule string) (key string, ok bool)
	Mark(ctx context.Context, rule, key string) error
	Snapshot() map[string]string
}

// MemoryLedger is the default ledger. It starts empty on every process start.
type MemoryLedger struct {
	keys map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: map[string]string{}}
}

func (l *MemoryLedger) Last(rule string) (string, bool) {
	k, ok := l.keys[rule]
	return k, ok
}

func (l *MemoryLedger) Mark(_ context.Context, rule, key string) error {
	l.keys[rule] = key
	return nil
}

func (l *MemoryLedger) Snapshot() map[string]string {
	out := make(map[string]string, len(l.keys))
	for k, v := range l.keys {
		out[k] = v
	}
	return out
}

// StoreLedger writes through to durable storage so consumed keys survive restarts.
type StoreLedger struct {
	mem   *MemoryLedger
	store storage.Store
}

// NewStoreLedger loads previously consumed keys from st.
func NewStoreLedger(ctx context.Context, st storage.Store) (*StoreLedger, error) {
	if st == nil {
		return nil, fmt.Errorf("ledger: storage is disabled")
	}
	keys, err := st.ListLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load: %w", err)
	}
	mem := NewMemoryLedger()
	for k, v := range keys {
		mem.keys[k] = v
	}
	return &StoreLedger{mem: mem, store: st}, nil
}

func (l *StoreLedger) Last(rule string) (string, bool) { return l.mem.Last(rule) }

// Mark updates memory first so a storage failure cannot cause a double fire in this process.
func (l *StoreLedger) Mark(ctx context.Context, rule, key string) error {
	_ = l.mem.Mark(ctx, rule, key)
	if err := l.store.PutLedger(ctx, rule, key); err != nil {
		return fmt.Errorf("ledger: persist %s: %w", rule, err)
	}
	return nil
}

func (l *StoreLedger) Snapshot() map[string]string { return l.mem.Snapshot() }

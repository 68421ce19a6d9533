package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotbot/internal/eventbus"
	"slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

// ErrUnknownSlot is returned for a slot name that was never declared.
var ErrUnknownSlot = errors.New("unknown slot")

// ErrWrongKind is returned when a Single operation targets a List slot or vice versa.
var ErrWrongKind = errors.New("wrong slot kind")

// Executor applies slot operations through a transport.
// Like the Store, it must only be used from the owning goroutine.
type Executor struct {
	store       *Store
	tr          transport.Transport
	callTimeout time.Duration
	log         logx.Logger
	bus         eventbus.Bus
}

type ExecutorOption func(*Executor)

func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

func WithLogger(log logx.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

func WithBus(bus eventbus.Bus) ExecutorOption {
	return func(e *Executor) {
		if bus != nil {
			e.bus = bus
		}
	}
}

func NewExecutor(store *Store, tr transport.Transport, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:       store,
		tr:          tr,
		callTimeout: 15 * time.Second,
		log:         logx.Nop(),
		bus:         eventbus.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Store() *Store { return e.store }

// ReplaceSingle deletes the slot's current artifact and creates a new one.
// A failed creation leaves the slot empty.
func (e *Executor) ReplaceSingle(ctx context.Context, slot string, c transport.Content) (transport.Handle, error) {
	def, err := e.def(slot, Single)
	if err != nil {
		return transport.Handle{}, err
	}
	cur, _ := e.store.Get(slot)
	e.deleteAll(ctx, slot, cur.Handles)
	e.store.Reset(slot)

	h, err := e.send(ctx, def.Channel, c)
	if err != nil {
		e.changed(slot)
		return transport.Handle{}, fmt.Errorf("slot %s: create: %w", slot, err)
	}
	e.store.Set(slot, []transport.Handle{h})
	e.changed(slot)
	e.log.Info("slot replaced", logx.String("slot", slot), logx.Int64("id", h.ID), logx.Int64("channel", h.Channel))
	return h, nil
}

// RefreshList deletes every handle of the slot, then creates one artifact per content in order.
// Each creation failure is logged and returned joined; successes are kept.
func (e *Executor) RefreshList(ctx context.Context, slot string, contents []transport.Content) error {
	def, err := e.def(slot, List)
	if err != nil {
		return err
	}
	cur, _ := e.store.Get(slot)
	e.deleteAll(ctx, slot, cur.Handles)
	e.store.Reset(slot)

	var errs []error
	for i, c := range contents {
		h, err := e.send(ctx, def.Channel, c)
		if err != nil {
			e.log.Error("list item create failed", logx.String("slot", slot), logx.Int("index", i), logx.Err(err))
			errs = append(errs, fmt.Errorf("slot %s item %d: %w", slot, i, err))
			continue
		}
		e.store.appendHandle(slot, h)
	}
	e.changed(slot)
	after, _ := e.store.Get(slot)
	e.log.Info("slot refreshed", logx.String("slot", slot), logx.Int("created", len(after.Handles)), logx.Int("wanted", len(contents)))
	return errors.Join(errs...)
}

// ClearSingle deletes the slot's artifact, if any, and empties it.
func (e *Executor) ClearSingle(ctx context.Context, slot string) error {
	if _, err := e.def(slot, Single); err != nil {
		return err
	}
	return e.clear(ctx, slot)
}

// ClearList deletes every artifact of the slot and empties it.
func (e *Executor) ClearList(ctx context.Context, slot string) error {
	if _, err := e.def(slot, List); err != nil {
		return err
	}
	return e.clear(ctx, slot)
}

// Clear empties a slot of either kind.
func (e *Executor) Clear(ctx context.Context, slot string) error {
	def, ok := e.store.Def(slot)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	if def.Kind == List {
		return e.ClearList(ctx, slot)
	}
	return e.ClearSingle(ctx, slot)
}

func (e *Executor) clear(ctx context.Context, slot string) error {
	cur, _ := e.store.Get(slot)
	failed := e.deleteAll(ctx, slot, cur.Handles)
	e.store.Reset(slot)
	e.changed(slot)
	if failed > 0 {
		return fmt.Errorf("slot %s: %d artifact(s) could not be deleted", slot, failed)
	}
	return nil
}

// deleteAll deletes handles best effort and returns the number of real failures.
// A handle or channel that no longer exists counts as deleted.
// Failed handles are dropped as orphans.
func (e *Executor) deleteAll(ctx context.Context, slot string, handles []transport.Handle) int {
	failed := 0
	for _, h := range handles {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := e.tr.Delete(cctx, h)
		cancel()
		switch {
		case err == nil:
			e.op("delete", "ok")
		case errors.Is(err, transport.ErrGone), errors.Is(err, transport.ErrChannelNotFound):
			e.op("delete", "gone")
			e.log.Debug("artifact already gone", logx.String("slot", slot), logx.Int64("id", h.ID))
		default:
			e.op("delete", "error")
			failed++
			e.log.Warn("artifact delete failed, dropping handle", logx.String("slot", slot), logx.Int64("id", h.ID), logx.Int64("channel", h.Channel), logx.Err(err))
		}
	}
	return failed
}

func (e *Executor) send(ctx context.Context, channel int64, c transport.Content) (transport.Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	h, err := e.tr.Send(cctx, channel, c)
	if err != nil {
		e.op("send", "error")
		return transport.Handle{}, err
	}
	e.op("send", "ok")
	return h, nil
}

func (e *Executor) def(slot string, want Kind) (Def, error) {
	d, ok := e.store.Def(slot)
	if !ok {
		return Def{}, fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	if d.Kind != want {
		return Def{}, fmt.Errorf("%w: %s is %s, not %s", ErrWrongKind, slot, d.Kind, want)
	}
	return d, nil
}

func (e *Executor) op(op, result string) {
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportOp, Data: eventbus.TransportOp{Op: op, Result: result}})
}

func (e *Executor) changed(slot string) {
	st, _ := e.store.Get(slot)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeSlotChanged, Data: eventbus.SlotChange{Slot: slot, Handles: len(st.Handles)}})
}

// Summary is a printable view of one slot.
type Summary struct {
	Slot    string
	Kind    Kind
	Channel int64
	IDs     []int64
}

func (e *Executor) Summary() []Summary {
	states := e.store.Snapshot()
	out := make([]Summary, 0, len(states))
	for _, st := range states {
		s := Summary{Slot: st.Def.Name, Kind: st.Def.Kind, Channel: st.Def.Channel}
		for _, h := range st.Handles {
			s.IDs = append(s.IDs, h.ID)
		}
		out = append(out, s)
	}
	return out
}

package recovery

import (
	"context"
	"time"

	"slotbot/internal/eventbus"
	"slotbot/internal/slots"
	"slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

const DefaultWindow = 50

// Reconciler rebuilds slot state from channel history.
//
// It only writes through the slot store and must run on the goroutine that owns it.
type Reconciler struct {
	store       *slots.Store
	tr          transport.Transport
	cls         *Classifier
	windows     map[string]int
	callTimeout time.Duration
	log         logx.Logger
	bus         eventbus.Bus
}

type Option func(*Reconciler)

// WithWindows sets the history window per slot. Slots without an entry use DefaultWindow.
func WithWindows(w map[string]int) Option {
	return func(r *Reconciler) {
		for k, v := range w {
			if v > 0 {
				r.windows[k] = v
			}
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(r *Reconciler) { r.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(r *Reconciler) {
		if bus != nil {
			r.bus = bus
		}
	}
}

func NewReconciler(store *slots.Store, tr transport.Transport, cls *Classifier, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		tr:          tr,
		cls:         cls,
		windows:     map[string]int{},
		callTimeout: 15 * time.Second,
		log:         logx.Nop(),
		bus:         eventbus.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report summarises one reconciliation pass.
type Report struct {
	Recovered map[string]int
	Scanned   int
	Degraded  []int64
}

func (r *Reconciler) window(slot string) int {
	if w, ok := r.windows[slot]; ok {
		return w
	}
	return DefaultWindow
}

// Run reconciles every channel that hosts at least one slot.
// Slots of a channel whose history cannot be read keep their current state.
func (r *Reconciler) Run(ctx context.Context) Report {
	rep := Report{Recovered: map[string]int{}}
	self := r.tr.Identity()

	for _, cs := range r.store.Channels() {
		if ctx.Err() != nil {
			r.log.Warn("recovery interrupted", logx.Err(ctx.Err()))
			break
		}
		limit := 0
		for _, s := range cs.Slots {
			if w := r.window(s); w > limit {
				limit = w
			}
		}

		hctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		entries, err := r.tr.History(hctx, cs.Channel, limit)
		cancel()
		if err != nil {
			r.publishOp("error")
			r.log.Warn("channel history unavailable, slots left as-is",
				logx.Int64("channel", cs.Channel), logx.Strings("slots", cs.Slots), logx.Err(err))
			rep.Degraded = append(rep.Degraded, cs.Channel)
			continue
		}
		r.publishOp("ok")
		rep.Scanned += len(entries)

		found := r.classifyChannel(cs.Slots, entries, self)
		for _, name := range cs.Slots {
			r.store.Set(name, found[name])
			rep.Recovered[name] = len(found[name])
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeSlotChanged, Data: eventbus.SlotChange{Slot: name, Handles: len(found[name])}})
		}
	}

	r.log.Info("recovery finished",
		logx.Any("recovered", rep.Recovered), logx.Int("scanned", rep.Scanned), logx.Int("degraded", len(rep.Degraded)))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRecovery, Data: eventbus.RecoveryResult{Recovered: rep.Recovered, Degraded: rep.Degraded}})
	return rep
}

// classifyChannel walks entries newest first. Single slots keep their first match;
// list slots collect every match and are returned oldest first.
func (r *Reconciler) classifyChannel(slotNames []string, entries []transport.Entry, self int64) map[string][]transport.Handle {
	inChannel := make(map[string]slots.Def, len(slotNames))
	for _, n := range slotNames {
		d, _ := r.store.Def(n)
		inChannel[n] = d
	}

	found := map[string][]transport.Handle{}
	for i, e := range entries {
		if e.Author != self {
			continue
		}
		pos := i
		slot, ok := r.cls.Classify(e, func(slot string) bool {
			_, ok := inChannel[slot]
			return ok && pos < r.window(slot)
		})
		if !ok {
			continue
		}
		if inChannel[slot].Kind == slots.Single && len(found[slot]) > 0 {
			// Stale: a newer artifact already owns this slot.
			continue
		}
		h := e.Handle
		h.IsPoll = e.IsPoll
		if h.Fingerprint == "" {
			h.Fingerprint = transport.Fingerprint(e.Text)
		}
		found[slot] = append(found[slot], h)
		r.log.Debug("artifact recovered", logx.String("slot", slot), logx.Int64("id", h.ID), logx.Int64("channel", h.Channel))
	}

	for slot, hs := range found {
		if inChannel[slot].Kind != slots.List {
			continue
		}
		for i, j := 0, len(hs)-1; i < j; i, j = i+1, j-1 {
			hs[i], hs[j] = hs[j], hs[i]
		}
	}
	return found
}

func (r *Reconciler) publishOp(result string) {
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeTransportOp, Data: eventbus.TransportOp{Op: "history", Result: result}})
}

// Package memory is an in-process transport with a real per-channel history.
//
// It backs scheduler.dry_run and the package tests. Faults can be injected per
// operation to exercise failure paths.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

// Op names an operation for fault injection.
type Op string

const (
	OpSend    Op = "send"
	OpDelete  Op = "delete"
	OpHistory Op = "history"
)

// ErrInjected is returned by injected faults that do not carry their own error.
var ErrInjected = errors.New("memory: injected fault")

type message struct {
	entry   transport.Entry
	deleted bool
}

type fault struct {
	op      Op
	channel int64 // 0 matches any channel
	remain  int   // <0 means forever
	err     error
}

// Call records one transport call for assertions.
type Call struct {
	Op      Op
	Channel int64
	ID      int64
	Text    string
	Poll    bool
	Err     error
}

type Transport struct {
	mu       sync.Mutex
	self     int64
	nextID   int64
	channels map[int64][]*message
	strict   bool
	faults   []*fault
	calls    []Call
	now      func() time.Time
	log      logx.Logger
}

type Option func(*Transport)

// WithChannels registers known channels. Once set, sends to other channels fail with
// transport.ErrChannelNotFound.
func WithChannels(ids ...int64) Option {
	return func(t *Transport) {
		t.strict = true
		for _, id := range ids {
			if _, ok := t.channels[id]; !ok {
				t.channels[id] = nil
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithLogger logs every call at info level, which is how dry runs report.
func WithLogger(log logx.Logger) Option {
	return func(t *Transport) { t.log = log }
}

func New(self int64, opts ...Option) *Transport {
	t := &Transport{
		self:     self,
		nextID:   1,
		channels: map[int64][]*message{},
		now:      time.Now,
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Identity() int64 { return t.self }

func (t *Transport) Send(ctx context.Context, channel int64, c transport.Content) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return transport.Handle{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.faultLocked(OpSend, channel); err != nil {
		t.calls = append(t.calls, Call{Op: OpSend, Channel: channel, Text: c.Body(), Poll: c.IsPoll(), Err: err})
		return transport.Handle{}, err
	}
	if _, ok := t.channels[channel]; !ok && t.strict {
		t.calls = append(t.calls, Call{Op: OpSend, Channel: channel, Text: c.Body(), Poll: c.IsPoll(), Err: transport.ErrChannelNotFound})
		return transport.Handle{}, transport.ErrChannelNotFound
	}
	h := t.appendLocked(channel, t.self, c.Body(), c.IsPoll())
	t.calls = append(t.calls, Call{Op: OpSend, Channel: channel, ID: h.ID, Text: c.Body(), Poll: c.IsPoll()})
	t.log.Info("send", logx.Int64("channel", channel), logx.Int64("id", h.ID), logx.Bool("poll", c.IsPoll()), logx.String("text", c.Body()))
	return h, nil
}

func (t *Transport) Delete(ctx context.Context, h transport.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.faultLocked(OpDelete, h.Channel); err != nil {
		t.calls = append(t.calls, Call{Op: OpDelete, Channel: h.Channel, ID: h.ID, Err: err})
		return err
	}
	for _, m := range t.channels[h.Channel] {
		if m.entry.Handle.ID == h.ID && !m.deleted {
			m.deleted = true
			t.calls = append(t.calls, Call{Op: OpDelete, Channel: h.Channel, ID: h.ID})
			t.log.Info("delete", logx.Int64("channel", h.Channel), logx.Int64("id", h.ID))
			return nil
		}
	}
	t.calls = append(t.calls, Call{Op: OpDelete, Channel: h.Channel, ID: h.ID, Err: transport.ErrGone})
	return transport.ErrGone
}

func (t *Transport) History(ctx context.Context, channel int64, limit int) ([]transport.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.faultLocked(OpHistory, channel); err != nil {
		t.calls = append(t.calls, Call{Op: OpHistory, Channel: channel, Err: err})
		return nil, err
	}
	msgs, ok := t.channels[channel]
	if !ok && t.strict {
		return nil, transport.ErrChannelNotFound
	}
	t.calls = append(t.calls, Call{Op: OpHistory, Channel: channel})
	out := make([]transport.Entry, 0, limit)
	for i := len(msgs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if msgs[i].deleted {
			continue
		}
		out = append(out, msgs[i].entry)
	}
	return out, nil
}

// Post appends a message authored by someone else, or by the bot itself when author equals
// the transport identity. Tests use it to seed history.
func (t *Transport) Post(channel, author int64, text string, poll bool) transport.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(channel, author, text, poll)
}

// Live returns the non-deleted entries of a channel, oldest first.
func (t *Transport) Live(channel int64) []transport.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.Entry
	for _, m := range t.channels[channel] {
		if !m.deleted {
			out = append(out, m.entry)
		}
	}
	return out
}

// Calls returns a copy of the recorded calls.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// ResetCalls clears the call record.
func (t *Transport) ResetCalls() {
	t.mu.Lock()
	t.calls = nil
	t.mu.Unlock()
}

// Fail injects a fault on op for channel (0 = any channel) for the next n calls (n<0 = forever).
// A nil err injects ErrInjected.
func (t *Transport) Fail(op Op, channel int64, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	t.mu.Lock()
	t.faults = append(t.faults, &fault{op: op, channel: channel, remain: n, err: err})
	t.mu.Unlock()
}

// ClearFaults removes all injected faults.
func (t *Transport) ClearFaults() {
	t.mu.Lock()
	t.faults = nil
	t.mu.Unlock()
}

// Forget marks an artifact as deleted out of band so a later Delete reports ErrGone.
func (t *Transport) Forget(h transport.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.channels[h.Channel] {
		if m.entry.Handle.ID == h.ID {
			m.deleted = true
		}
	}
}

func (t *Transport) appendLocked(channel, author int64, text string, poll bool) transport.Handle {
	h := transport.Handle{
		ID:          t.nextID,
		Channel:     channel,
		Fingerprint: transport.Fingerprint(text),
		CreatedAt:   t.now(),
		IsPoll:      poll,
	}
	t.nextID++
	t.channels[channel] = append(t.channels[channel], &message{entry: transport.Entry{
		Handle: h,
		Author: author,
		Text:   text,
		IsPoll: poll,
	}})
	return h
}

func (t *Transport) faultLocked(op Op, channel int64) error {
	for i, f := range t.faults {
		if f.op != op || (f.channel != 0 && f.channel != channel) {
			continue
		}
		if f.remain == 0 {
			continue
		}
		if f.remain > 0 {
			f.remain--
			if f.remain == 0 {
				t.faults = append(t.faults[:i], t.faults[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"slotbot/internal/eventbus"
	"slotbot/internal/recovery"
	"slotbot/internal/slots"
	logx "slotbot/pkg/logx"
)

// Clock returns the current instant. Tests inject a fixed clock.
type Clock func() time.Time

// Action performs one rule's side effects. Errors leave the occurrence unconsumed.
type Action func(ctx context.Context) error

// Recoverer rebuilds slot state. *recovery.Reconciler implements it.
type Recoverer interface {
	Run(ctx context.Context) recovery.Report
}

// Notifier reports liveness to a service manager.
type Notifier interface {
	Ready()
	Watchdog()
	Stopping()
	WatchdogInterval() time.Duration
}

// ErrUnknownAction is returned by Force for an action name that is not registered.
var ErrUnknownAction = errors.New("unknown action")

type Config struct {
	Location        *time.Location
	Tick            string        // cron or interval; default every minute on the minute
	RecoveryTimeout time.Duration // default 2m
}

// Scheduler is the single goroutine that owns slot state and the ledger.
// Everything that reads or mutates them runs on Run's goroutine, either from a tick or via Do.
type Scheduler struct {
	cfg       Config
	table     *Table
	actions   map[string]Action
	ledger    Ledger
	exec      *slots.Executor
	recoverer Recoverer
	clock     Clock
	log       logx.Logger
	bus       eventbus.Bus
	notifier  Notifier

	parser cron.Parser
	ticks  chan time.Time // fire instants, read when cron fires
	tasks  chan task
	ready  chan struct{}
}

type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

type Option func(*Scheduler)

func WithLedger(l Ledger) Option        { return func(s *Scheduler) { s.ledger = l } }
func WithRecoverer(r Recoverer) Option  { return func(s *Scheduler) { s.recoverer = r } }
func WithClock(c Clock) Option          { return func(s *Scheduler) { s.clock = c } }
func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithNotifier(n Notifier) Option    { return func(s *Scheduler) { s.notifier = n } }
func WithBus(b eventbus.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
		}
	}
}

// New validates that every rule names a registered action.
func New(cfg Config, table *Table, actions map[string]Action, exec *slots.Executor, opts ...Option) (*Scheduler, error) {
	if table == nil {
		return nil, errors.New("schedule: nil rule table")
	}
	for _, r := range table.Rules() {
		if _, ok := actions[r.Action]; !ok {
			return nil, fmt.Errorf("rule %q: %w %q", r.Name, ErrUnknownAction, r.Action)
		}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Tick == "" {
		cfg.Tick = "* * * * *"
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 2 * time.Minute
	}
	s := &Scheduler{
		cfg:      cfg,
		table:    table,
		actions:  actions,
		ledger:   NewMemoryLedger(),
		exec:     exec,
		clock:    time.Now,
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
		notifier: nopNotifier{},
		parser:   cron.NewParser(tickParseOptions),
		ticks:    make(chan time.Time, 1),
		tasks:    make(chan task, 16),
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := s.tickSchedule(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) tickSchedule() (cron.Schedule, error) {
	sched, err := parseTick(s.parser, s.cfg.Tick)
	if err != nil {
		return nil, fmt.Errorf("scheduler.tick: %w", err)
	}
	return sched, nil
}

// ValidateTick reports whether tick is a usable tick schedule: a cron expression,
// or an interval of at most one minute.
func ValidateTick(tick string) error {
	_, err := parseTick(cron.NewParser(tickParseOptions), tick)
	return err
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
const tickParseOptions = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

func parseTick(p cron.Parser, tick string) (cron.Schedule, error) {
	spec, err := ParseSchedule(tick)
	if err != nil {
		return nil, err
	}
	if spec.Kind == SpecInterval && spec.Every > time.Minute {
		return nil, fmt.Errorf("interval %s exceeds one minute", spec.Every)
	}
	return p.Parse(spec.CronExpr())
}

// Ready is closed once startup recovery has finished.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Run recovers slot state, then ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := s.tickSchedule()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	c.Schedule(sched, cron.FuncJob(s.fire))

	s.recoverAtStart(ctx)
	close(s.ready)
	s.notifier.Ready()

	c.Start()
	defer func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()
	s.log.Info("scheduler started",
		logx.String("tz", s.cfg.Location.String()), logx.String("tick", s.cfg.Tick), logx.Int("rules", s.table.Len()))

	var wd <-chan time.Time
	if iv := s.notifier.WatchdogInterval(); iv > 0 {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		wd = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.notifier.Stopping()
			s.log.Info("scheduler stopped")
			return nil
		case now := <-s.ticks:
			s.Tick(ctx, now)
			s.notifier.Watchdog()
		case t := <-s.tasks:
			t.done <- t.fn(ctx)
		case <-wd:
			s.notifier.Watchdog()
		}
	}
}

// fire queues the instant cron fired. A tick still waiting in the queue wins over a newer one.
func (s *Scheduler) fire() {
	now := s.clock()
	select {
	case s.ticks <- now:
	default:
		s.log.Warn("tick skipped, previous tick still pending", logx.Time("at", now))
	}
}

func (s *Scheduler) recoverAtStart(ctx context.Context) {
	if s.recoverer == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout)
	defer cancel()
	s.recoverer.Run(rctx)
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		s.log.Warn("startup recovery timed out, proceeding with empty slot state",
			logx.Duration("timeout", s.cfg.RecoveryTimeout))
		if s.exec != nil {
			for _, name := range s.exec.Store().Names() {
				s.exec.Store().Reset(name)
			}
		}
	}
}

// Do runs fn on the scheduler goroutine and waits for its result.
func (s *Scheduler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case s.tasks <- task{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome reports what happened to one matching rule during a tick.
type Outcome struct {
	Rule    string
	Key     string
	Skipped bool // already consumed
	Err     error
}

// Tick evaluates every rule against the single instant now. Matching rules whose key was not
// consumed run in table order; a key is recorded only after its action succeeds.
// Tick must run on the scheduler goroutine; Run calls it, tests may call it directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Outcome {
	local := now.In(s.cfg.Location)
	tickID := uuid.NewString()
	log := s.log.With(logx.String("tick", tickID))
	log.Debug("tick", logx.Time("at", local))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Time: now})

	var out []Outcome
	for _, r := range s.table.rules {
		if !r.Matches(local) {
			continue
		}
		key := r.Key(local)
		if last, ok := s.ledger.Last(r.Name); ok && last == key {
			log.Debug("rule already consumed", logx.String("rule", r.Name), logx.String("key", key))
			out = append(out, Outcome{Rule: r.Name, Key: key, Skipped: true})
			continue
		}

		err := s.runAction(ctx, r.Action)
		out = append(out, Outcome{Rule: r.Name, Key: key, Err: err})
		if err != nil {
			log.Error("rule action failed", logx.String("rule", r.Name), logx.String("action", r.Action), logx.String("key", key), logx.Err(err))
			s.publish(eventbus.TypeRuleFailed, eventbus.RuleResult{Rule: r.Name, Action: r.Action, Key: key, Err: err.Error()})
			continue
		}
		if err := s.ledger.Mark(ctx, r.Name, key); err != nil {
			log.Warn("ledger write failed", logx.String("rule", r.Name), logx.Err(err))
		}
		log.Info("rule fired", logx.String("rule", r.Name), logx.String("action", r.Action), logx.String("key", key))
		s.publish(eventbus.TypeRuleFired, eventbus.RuleResult{Rule: r.Name, Action: r.Action, Key: key})
	}
	return out
}

func (s *Scheduler) runAction(ctx context.Context, name string) (err error) {
	fn, ok := s.actions[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownAction, name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) publish(typ string, res eventbus.RuleResult) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: res})
}

// Force runs an action immediately on the scheduler goroutine. The ledger is not touched,
// so a scheduled occurrence later the same day still fires.
func (s *Scheduler) Force(ctx context.Context, action string) error {
	if _, ok := s.actions[action]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	return s.Do(ctx, func(ctx context.Context) error {
		err := s.runAction(ctx, action)
		res := eventbus.RuleResult{Action: action, Manual: true}
		if err != nil {
			res.Err = err.Error()
			s.publish(eventbus.TypeRuleFailed, res)
			s.log.Error("manual action failed", logx.String("action", action), logx.Err(err))
			return err
		}
		s.publish(eventbus.TypeRuleFired, res)
		s.log.Info("manual action done", logx.String("action", action))
		return nil
	})
}

// Recover reruns reconciliation on the scheduler goroutine.
func (s *Scheduler) Recover(ctx context.Context) (recovery.Report, error) {
	if s.recoverer == nil {
		return recovery.Report{}, errors.New("recovery is not configured")
	}
	var rep recovery.Report
	err := s.Do(ctx, func(ctx context.Context) error {
		rep = s.recoverer.Run(ctx)
		return nil
	})
	return rep, err
}

// Actions lists registered action names, sorted.
func (s *Scheduler) Actions() []string {
	out := make([]string, 0, len(s.actions))
	for k := range s.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NextFire is the next scheduled occurrence of a rule.
type NextFire struct {
	Rule   string
	Action string
	Spec   string
	At     time.Time
}

// NextFires computes each rule's next occurrence after now, in table order.
func (s *Scheduler) NextFires(now time.Time) []NextFire {
	return NextFires(s.table, s.cfg.Location, now)
}

// NextFires computes each rule's next occurrence after now in loc.
func NextFires(table *Table, loc *time.Location, now time.Time) []NextFire {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	out := make([]NextFire, 0, table.Len())
	for _, r := range table.Rules() {
		nf := NextFire{Rule: r.Name, Action: r.Action, Spec: r.CronSpec()}
		if sched, err := cron.ParseStandard(nf.Spec); err == nil {
			nf.At = sched.Next(local)
		}
		out = append(out, nf)
	}
	return out
}

// Status is a point-in-time view for the admin surface.
type Status struct {
	Now      time.Time
	Timezone string
	Slots    []slots.Summary
	Ledger   map[string]string
	Next     []NextFire
}

// Status gathers slot and ledger state on the scheduler goroutine.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.Do(ctx, func(ctx context.Context) error {
		now := s.clock().In(s.cfg.Location)
		st = Status{
			Now:      now,
			Timezone: s.cfg.Location.String(),
			Ledger:   s.ledger.Snapshot(),
			Next:     s.NextFires(now),
		}
		if s.exec != nil {
			st.Slots = s.exec.Summary()
		}
		return nil
	})
	return st, err
}

type nopNotifier struct{}

func (nopNotifier) Ready()                          {}
func (nopNotifier) Watchdog()                       {}
func (nopNotifier) Stopping()                       {}
func (nopNotifier) WatchdogInterval() time.Duration { return 0 }

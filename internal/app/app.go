package app

import (
	"context"
	"fmt"
	"time"

	"slotbot/internal/actions"
	"slotbot/internal/admin"
	"slotbot/internal/catalog"
	"slotbot/internal/config"
	"slotbot/internal/eventbus"
	"slotbot/internal/metrics"
	"slotbot/internal/recovery"
	"slotbot/internal/runtime/supervisor"
	"slotbot/internal/schedule"
	"slotbot/internal/slots"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
	"slotbot/pkg/systemd"
)

type App struct {
	cfgPath string
	rt      *config.Runtime

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tr      kit.Transport
	inbound kit.Inbound

	exec    *slots.Executor
	sched   *schedule.Scheduler
	router  *admin.Router
	metrics *metrics.Metrics

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	_, rt, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Chat logging needs the transport, which needs storage, which wants a logger.
	// Start without a sink and install it once the adapter exists.
	logSvc, log := logx.New(rt.Logging, nil)
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := storage.Open(rt.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", rt.Storage.Driver))
	}

	tr, inbound, replier, err := buildTransport(rt, store, log)
	if err != nil {
		closeQuietly(store)
		_ = logSvc.Close()
		return nil, err
	}
	if sink, ok := tr.(logx.Sink); ok && rt.Logging.Chat.Enabled {
		logSvc.SetSink(sink)
	}

	a, err := assemble(rt, tr, store, bus, log)
	if err != nil {
		closeQuietly(store)
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = appLog
	a.inbound = inbound
	a.router = admin.New(admin.Config{Owners: rt.Owners}, admin.Deps{
		Port:     a.sched,
		Catalog:  catalogOf(rt),
		Location: rt.Location,
		Replier:  replier,
		Audit:    auditorOf(store),
		Log:      log.With(logx.String("comp", "admin")),
	})
	if rt.Metrics.Enabled {
		a.metrics = metrics.New(metrics.WithProfiler(rt.Metrics.Pprof))
	}
	return a, nil
}

// assemble wires the slot store, actions, recovery and the scheduler on top of tr.
func assemble(rt *config.Runtime, tr kit.Transport, store storage.Store, bus eventbus.Bus, log logx.Logger) (*App, error) {
	slotStore, err := slots.NewStore(rt.Slots)
	if err != nil {
		return nil, &config.ConfigurationError{Path: "slots", Msg: "invalid", Err: err}
	}
	exec := slots.NewExecutor(slotStore, tr,
		slots.WithCallTimeout(rt.CallTimeout),
		slots.WithLogger(log.With(logx.String("comp", "slots"))),
		slots.WithBus(bus),
	)

	acts, err := actions.Build(rt.Actions, actions.Deps{
		Exec:     exec,
		Catalog:  catalogOf(rt),
		Location: rt.Location,
		Log:      log.With(logx.String("comp", "actions")),
	})
	if err != nil {
		return nil, &config.ConfigurationError{Path: "actions", Msg: "invalid", Err: err}
	}

	table, err := schedule.NewTable(rt.Rules)
	if err != nil {
		return nil, &config.ConfigurationError{Path: "rules", Msg: "invalid", Err: err}
	}

	var ledger schedule.Ledger = schedule.NewMemoryLedger()
	if rt.DurableLedger && store != nil {
		lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sl, err := schedule.NewStoreLedger(lctx, store)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
		ledger = sl
	}

	rec := recovery.NewReconciler(slotStore, tr, recovery.NewClassifier(rt.Classify),
		recovery.WithWindows(rt.Windows),
		recovery.WithCallTimeout(rt.CallTimeout),
		recovery.WithLogger(log.With(logx.String("comp", "recovery"))),
		recovery.WithBus(bus),
	)

	schedLog := log.With(logx.String("comp", "scheduler"))
	sched, err := schedule.New(schedule.Config{
		Location:        rt.Location,
		Tick:            rt.Tick,
		RecoveryTimeout: rt.RecoveryTimeout,
	}, table, acts, exec,
		schedule.WithLedger(ledger),
		schedule.WithRecoverer(rec),
		schedule.WithNotifier(systemd.NewNotifier(schedLog)),
		schedule.WithBus(bus),
		schedule.WithLogger(schedLog),
	)
	if err != nil {
		return nil, &config.ConfigurationError{Path: "scheduler", Msg: "invalid", Err: err}
	}

	return &App{
		rt:      rt,
		bus:     bus,
		store:   store,
		tr:      tr,
		exec:    exec,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Scheduler exposes the scheduler for callers that drive it directly.
func (a *App) Scheduler() *schedule.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.inbound != nil {
		if err := a.inbound.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}

	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("admin.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if a.metrics != nil {
		a.sup.Go("metrics.collect", func(c context.Context) error {
			return a.metrics.Run(c, a.bus)
		})
		a.sup.Go("metrics.http", func(c context.Context) error {
			return a.metrics.Serve(c, a.rt.Metrics.Addr, a.log.With(logx.String("comp", "metrics")))
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// ticks fire every minute; keep this at debug
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("dry_run", a.rt.DryRun),
		logx.Int("slots", len(a.rt.Slots)),
		logx.Int("rules", len(a.rt.Rules)),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// each step gets an upper bound so one component can't stall the whole stop
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.inbound != nil {
		step("transport", 3*time.Second, a.inbound.Stop)
	}
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func catalogOf(rt *config.Runtime) catalog.Catalog {
	if rt.Catalog == nil {
		return nil
	}
	return *rt.Catalog
}

func auditorOf(st storage.Store) admin.Auditor {
	if st == nil {
		return nil
	}
	return st
}

func closeQuietly(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

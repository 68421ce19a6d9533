// Package metrics exports scheduler activity as Prometheus series fed from the event bus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotbot/internal/eventbus"
	logx "slotbot/pkg/logx"
)

const namespace = "slotbot"

type Metrics struct {
	reg *prometheus.Registry

	ticks      prometheus.Counter
	rules      *prometheus.CounterVec
	transport  *prometheus.CounterVec
	handles    *prometheus.GaugeVec
	recoveries prometheus.Counter
	degraded   prometheus.Gauge
	lastTick   prometheus.Gauge

	profiler bool
}

type Option func(*Metrics)

// WithProfiler mounts the runtime profiler under /debug/pprof.
// Keep the listener on loopback when it is enabled.
func WithProfiler(enabled bool) Option {
	return func(m *Metrics) { m.profiler = enabled }
}

func New(opts ...Option) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks evaluated.",
		}),
		rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_runs_total",
			Help:      "Action runs by rule, trigger and result.",
		}, []string{"rule", "trigger", "result"}),
		transport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_ops_total",
			Help:      "Transport calls by operation and result.",
		}, []string{"op", "result"}),
		handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_handles",
			Help:      "Live handles currently held per slot.",
		}, []string{"slot"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Reconciliation passes completed.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_degraded_channels",
			Help:      "Channels that could not be read by the last reconciliation.",
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last evaluated tick.",
		}),
	}
	m.reg.MustRegister(
		m.ticks, m.rules, m.transport, m.handles, m.recoveries, m.degraded, m.lastTick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe folds one event into the series.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTick:
		m.ticks.Inc()
		if !e.Time.IsZero() {
			m.lastTick.Set(float64(e.Time.Unix()))
		}
	case eventbus.TypeRuleFired, eventbus.TypeRuleFailed:
		res, ok := e.Data.(eventbus.RuleResult)
		if !ok {
			return
		}
		trigger, result := "schedule", "ok"
		if res.Manual {
			trigger = "manual"
		}
		if e.Type == eventbus.TypeRuleFailed {
			result = "error"
		}
		name := res.Rule
		if name == "" {
			name = res.Action
		}
		m.rules.WithLabelValues(name, trigger, result).Inc()
	case eventbus.TypeTransportOp:
		if op, ok := e.Data.(eventbus.TransportOp); ok {
			m.transport.WithLabelValues(op.Op, op.Result).Inc()
		}
	case eventbus.TypeSlotChanged:
		if ch, ok := e.Data.(eventbus.SlotChange); ok {
			m.handles.WithLabelValues(ch.Slot).Set(float64(ch.Handles))
		}
	case eventbus.TypeRecovery:
		m.recoveries.Inc()
		if rr, ok := e.Data.(eventbus.RecoveryResult); ok {
			m.degraded.Set(float64(len(rr.Degraded)))
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Handler serves /metrics, a liveness probe on /healthz and, when enabled, /debug/pprof.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if m.profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log logx.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info("metrics listening", logx.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

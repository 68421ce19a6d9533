package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"slotbot/internal/eventbus"
)

// value returns the sample of family name whose labels include all of want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, s := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range s.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue next
				}
			}
			if c := s.GetCounter(); c != nil {
				return c.GetValue()
			}
			return s.GetGauge().GetValue()
		}
	}
	return -1
}

func TestObserve(t *testing.T) {
	t.Parallel()

	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeTick, Time: time.Unix(1717264800, 0)})
	m.Observe(eventbus.Event{Type: eventbus.TypeTick})
	m.Observe(eventbus.Event{Type: eventbus.TypeRuleFired, Data: eventbus.RuleResult{Rule: "poll", Action: "daily_poll"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeRuleFailed, Data: eventbus.RuleResult{Action: "boss_links", Manual: true, Err: "x"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeTransportOp, Data: eventbus.TransportOp{Op: "delete", Result: "gone"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSlotChanged, Data: eventbus.SlotChange{Slot: "boss_links", Handles: 2}})
	m.Observe(eventbus.Event{Type: eventbus.TypeRecovery, Data: eventbus.RecoveryResult{Degraded: []int64{3}}})

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{name: "slotbot_ticks_total", want: 2},
		{name: "slotbot_last_tick_timestamp_seconds", want: 1717264800},
		{name: "slotbot_rule_runs_total", labels: map[string]string{"rule": "poll", "trigger": "schedule", "result": "ok"}, want: 1},
		{name: "slotbot_rule_runs_total", labels: map[string]string{"rule": "boss_links", "trigger": "manual", "result": "error"}, want: 1},
		{name: "slotbot_transport_ops_total", labels: map[string]string{"op": "delete", "result": "gone"}, want: 1},
		{name: "slotbot_slot_handles", labels: map[string]string{"slot": "boss_links"}, want: 2},
		{name: "slotbot_recoveries_total", want: 1},
		{name: "slotbot_recovery_degraded_channels", want: 1},
	}
	for _, tt := range tests {
		if got := value(t, m, tt.name, tt.labels); got != tt.want {
			t.Fatalf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestRunFollowsBus(t *testing.T) {
	t.Parallel()

	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, bus)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for value(t, m, "slotbot_ticks_total", nil) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("tick never observed")
		}
		// Publishing before Subscribe completes is dropped, so keep publishing.
		bus.Publish(eventbus.Event{Type: eventbus.TypeTick})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeTick})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	for path, want := range map[string]string{
		"/metrics": "slotbot_ticks_total 1",
		"/healthz": "ok",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Fatalf("GET %s = %d %q", path, resp.StatusCode, body)
		}
	}
}

func TestHandlerProfiler(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		enabled bool
		status  int
	}{
		{false, http.StatusNotFound},
		{true, http.StatusOK},
	} {
		srv := httptest.NewServer(New(WithProfiler(tc.enabled)).Handler())
		resp, err := http.Get(srv.URL + "/debug/pprof/")
		if err != nil {
			srv.Close()
			t.Fatalf("GET /debug/pprof/: %v", err)
		}
		resp.Body.Close()
		srv.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("profiler=%v: status = %d, want %d", tc.enabled, resp.StatusCode, tc.status)
		}
	}
}

package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"slotbot/internal/storage"
	logx "slotbot/pkg/logx"
)

func TestRuleKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 20, 30, 59, 0, time.UTC)
	tests := []struct {
		dedup Granularity
		want  string
	}{
		{dedup: PerDay, want: "2024-06-01"},
		{dedup: PerMinute, want: "2024-06-01T20:30"},
	}
	for _, tt := range tests {
		if got := (Rule{Dedup: tt.dedup}).Key(now); got != tt.want {
			t.Fatalf("Key(%s) = %q, want %q", tt.dedup, got, tt.want)
		}
	}
}

func TestRuleMatches(t *testing.T) {
	t.Parallel()

	r := Rule{Weekdays: []time.Weekday{time.Sunday}, Hour: 14, Minute: 30}
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "sunday on time", now: time.Date(2024, 6, 2, 14, 30, 10, 0, time.UTC), want: true},
		{name: "saturday", now: time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC), want: false},
		{name: "wrong minute", now: time.Date(2024, 6, 2, 14, 31, 0, 0, time.UTC), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := r.Matches(tt.now); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
	if !(Rule{Hour: 0, Minute: 0}).Matches(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("rule without weekdays should match every day")
	}
}

func TestCronSpec(t *testing.T) {
	t.Parallel()

	r := Rule{Weekdays: []time.Weekday{time.Sunday, time.Saturday}, Hour: 20, Minute: 30}
	if got := r.CronSpec(); got != "30 20 * * 0,6" {
		t.Fatalf("CronSpec() = %q", got)
	}
	if got := (Rule{Hour: 18}).CronSpec(); got != "0 18 * * *" {
		t.Fatalf("CronSpec() = %q", got)
	}
}

func TestNewTableValidation(t *testing.T) {
	t.Parallel()

	bad := [][]Rule{
		{{Name: "", Action: "a"}},
		{{Name: "a", Action: "a"}, {Name: "a", Action: "a"}},
		{{Name: "a", Hour: 24, Action: "a"}},
		{{Name: "a"}},
	}
	for i, rules := range bad {
		if _, err := NewTable(rules); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()

	got, err := ParseWeekdays([]string{"sat", "Sunday", "sat"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != time.Saturday || got[1] != time.Sunday {
		t.Fatalf("ParseWeekdays() = %v", got)
	}
	if got, _ := ParseWeekdays([]string{"*"}); got != nil {
		t.Fatalf("'*' should mean every day, got %v", got)
	}
	if _, err := ParseWeekdays([]string{"funday"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := ParseHHMM("23:15")
	if err != nil {
		t.Fatalf("ParseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := ParseHHMM("24:00"); err == nil {
		t.Fatalf("expected error for invalid hour")
	}
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		expr     string
	}{
		{name: "cron", raw: "* * * * *", kind: SpecCron, source: "cron", expr: "* * * * *"},
		{name: "prefixed cron", raw: "cron:*/1 * * * *", kind: SpecCron, source: "cron", expr: "*/1 * * * *"},
		{name: "duration", raw: "30s", kind: SpecInterval, source: "duration", duration: 30 * time.Second, expr: "@every 30s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second, expr: "@every 45s"},
		{name: "hhmm", raw: "00:01", kind: SpecInterval, source: "hhmm", duration: time.Minute, expr: "@every 1m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.CronExpr() != tt.expr {
				t.Fatalf("CronExpr() = %q, want %q", got.CronExpr(), tt.expr)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseSchedule("not-a-schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStoreLedgerPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.db")}
	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewStoreLedger(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Mark(ctx, "poll", "2024-06-01"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	l, err = NewStoreLedger(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if k, ok := l.Last("poll"); !ok || k != "2024-06-01" {
		t.Fatalf("Last() = %q, %v", k, ok)
	}
	if _, err := NewStoreLedger(ctx, nil); err == nil {
		t.Fatalf("expected error without storage")
	}
}

func TestValidateTick(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"* * * * *", "*/30 * * * * *", "30s", "@every 1m"} {
		if err := ValidateTick(ok); err != nil {
			t.Errorf("ValidateTick(%q) error = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "every tuesday", "5m", "61 * * * *"} {
		if err := ValidateTick(bad); err == nil {
			t.Errorf("ValidateTick(%q) accepted", bad)
		}
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"slotbot/internal/actions"
	"slotbot/internal/schedule"
	"slotbot/internal/slots"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
storage:
  driver: file
  path: ./state
scheduler:
  timezone: Europe/Paris
  call_timeout: 20s
catalog:
  path: ./events.json
  guild: "987"
slots:
  - name: daily_poll
    kind: single
    channel: -1001234567890
  - name: weekly_links
    kind: list
    channel: -1001234567890
    window: 80
classify:
  - slot: daily_poll
    match: poll
  - slot: weekly_links
    match: contains
    text: "discord.com/events"
actions:
  - name: post_poll
    kind: poll
    slot: daily_poll
    question: "Who is in tonight?"
    answers: ["yes", "no"]
    poll_duration: 1h
  - name: post_links
    kind: links
    slot: weekly_links
    weekdays: [sat, sun]
    policy: per_weekday
    template_days: [sun]
    template: "Sunday: {links}"
rules:
  - name: poll_evening
    at: "18:30"
    action: post_poll
  - name: links_friday
    weekdays: [fri]
    at: "20:00"
    dedup: per_minute
    action: post_links
`

func baseConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Timezone: "UTC", DryRun: true},
		Slots: []SlotConfig{
			{Name: "daily", Kind: "single", Channel: -100},
			{Name: "links", Kind: "list", Channel: -100},
		},
		Classify: []ClassifyConfig{{Slot: "daily", Match: "poll"}},
		Actions: []ActionConfig{
			{Name: "post", Kind: "poll", Slot: "daily", Question: "q?", Answers: []string{"a", "b"}},
		},
		Rules: []RuleConfig{{Name: "morning", At: "09:00", Action: "post"}},
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("bot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{42}) {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if len(cfg.Slots) != 2 || cfg.Slots[0].Channel != -1001234567890 || cfg.Slots[1].Window != 80 {
		t.Fatalf("slots = %+v", cfg.Slots)
	}
	if got := cfg.Actions[1].TemplateDays; !reflect.DeepEqual(got, []string{"sun"}) {
		t.Fatalf("template_days = %v", got)
	}

	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rt.CallTimeout != 20*time.Second || rt.RecoveryTimeout != DefaultRecoveryTimeout {
		t.Fatalf("timeouts = %v / %v", rt.CallTimeout, rt.RecoveryTimeout)
	}
	if rt.Location.String() != "Europe/Paris" || rt.Tick != DefaultTick {
		t.Fatalf("location/tick = %v / %q", rt.Location, rt.Tick)
	}
	if rt.Storage.Driver != "file" || rt.Catalog == nil || rt.Catalog.Guild != "987" {
		t.Fatalf("storage/catalog = %+v / %+v", rt.Storage, rt.Catalog)
	}
	if rt.Slots[1].Kind != slots.List || rt.Windows["weekly_links"] != 80 {
		t.Fatalf("slots = %+v windows = %v", rt.Slots, rt.Windows)
	}
	links := rt.Actions[1]
	if links.Kind != actions.KindLinks || links.Policy != actions.PerWeekday {
		t.Fatalf("links action = %+v", links)
	}
	if !reflect.DeepEqual(links.Weekdays, []time.Weekday{time.Saturday, time.Sunday}) {
		t.Fatalf("weekdays = %v", links.Weekdays)
	}
	if rt.Actions[0].PollDuration != time.Hour {
		t.Fatalf("poll duration = %v", rt.Actions[0].PollDuration)
	}
	if r := rt.Rules[1]; r.Hour != 20 || r.Dedup != schedule.PerMinute || r.Weekdays[0] != time.Friday {
		t.Fatalf("rule = %+v", r)
	}
	if got := rt.Channels(); !reflect.DeepEqual(got, []int64{-1001234567890}) {
		t.Fatalf("Channels() = %v", got)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("bot.yaml", []byte("slots: []\nbogus: 1\n"))
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Decode() error = %v, want *ConfigurationError", err)
	}

	if _, err := Decode("bot.json", []byte(`{"slots":[]}{"slots":[]}`)); err == nil {
		t.Fatal("Decode() accepted trailing data")
	}
}

func TestResolveDryRunNeedsNoToken(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Telegram.TokenEnv = "SLOTBOT_TEST_UNSET_TOKEN"
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !rt.DryRun || rt.Token != "" || rt.Storage.Driver != "" {
		t.Fatalf("runtime = %+v", rt)
	}
	if rt.Logging.Chat.Enabled {
		t.Fatal("chat logging must be off in dry run")
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
		path   string
	}{
		{"token required", func(c *Config) {
			c.Scheduler.DryRun = false
			c.Telegram.TokenEnv = "SLOTBOT_TEST_UNSET_TOKEN"
		}, "telegram.token"},
		{"storage required", func(c *Config) {
			c.Scheduler.DryRun = false
			c.Telegram.Token = "t"
		}, "storage.driver"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"redis addr", func(c *Config) { c.Storage.Driver = "redis" }, "storage.redis.addr"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"chat log needs admin chat", func(c *Config) { c.Logging.Telegram.Enabled = true }, "telegram.admin_chat"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"tick", func(c *Config) { c.Scheduler.Tick = "every tuesday" }, "scheduler.tick"},
		{"call timeout", func(c *Config) { c.Scheduler.CallTimeout = "soon" }, "scheduler.call_timeout"},
		{"ledger", func(c *Config) { c.Scheduler.Ledger = "disk" }, "scheduler.ledger"},
		{"storage ledger needs driver", func(c *Config) { c.Scheduler.Ledger = "storage" }, "scheduler.ledger"},
		{"no slots", func(c *Config) { c.Slots = nil }, "slots"},
		{"duplicate slot", func(c *Config) { c.Slots[1].Name = "daily" }, "slots[1].name"},
		{"slot kind", func(c *Config) { c.Slots[0].Kind = "stack" }, "slots[0].kind"},
		{"slot channel", func(c *Config) { c.Slots[0].Channel = 0 }, "slots[0].channel"},
		{"classify slot", func(c *Config) { c.Classify[0].Slot = "nope" }, "classify[0].slot"},
		{"classify text", func(c *Config) { c.Classify[0].Match = "prefix" }, "classify[0].text"},
		{"no actions", func(c *Config) { c.Actions = nil }, "actions"},
		{"action weekdays", func(c *Config) { c.Actions[0].Weekdays = []string{"funday"} }, "actions[0].weekdays"},
		{"poll duration", func(c *Config) { c.Actions[0].PollDuration = "-1h" }, "actions[0].poll_duration"},
		{"links needs catalog", func(c *Config) {
			c.Actions = append(c.Actions, ActionConfig{Name: "l", Kind: "links", Slot: "links"})
		}, "catalog.path"},
		{"rule time", func(c *Config) { c.Rules[0].At = "25:00" }, "rules[0].at"},
		{"rule dedup", func(c *Config) { c.Rules[0].Dedup = "hourly" }, "rules[0].dedup"},
		{"rule action", func(c *Config) { c.Rules[0].Action = "missing" }, "rules[0].action"},
		{"duplicate rule", func(c *Config) { c.Rules = append(c.Rules, c.Rules[0]) }, "rules"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			_, err := Resolve(cfg)
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Resolve() error = %v, want *ConfigurationError", err)
			}
			if ce.Path != tc.path {
				t.Fatalf("Path = %q, want %q (%v)", ce.Path, tc.path, err)
			}
		})
	}
}

func TestResolveTokenFromEnv(t *testing.T) {
	t.Setenv("SLOTBOT_TEST_TOKEN", " 555:xyz ")

	cfg := baseConfig()
	cfg.Scheduler.DryRun = false
	cfg.Telegram.TokenEnv = "SLOTBOT_TEST_TOKEN"
	cfg.Storage = StorageConfig{Driver: "sqlite", Path: "bot.db", BusyTimeout: "3s"}
	cfg.Scheduler.Ledger = "storage"

	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rt.Token != "555:xyz" {
		t.Fatalf("Token = %q", rt.Token)
	}
	if !rt.DurableLedger || rt.Storage.BusyTimeout != 3*time.Second {
		t.Fatalf("runtime = %+v", rt)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := baseConfig()
	newCfg := baseConfig()
	if sections, _ := SummarizeConfigChange(oldCfg, newCfg); len(sections) != 0 {
		t.Fatalf("unchanged config reported %v", sections)
	}

	newCfg.Telegram.Token = "rotated"
	newCfg.Rules[0].At = "10:00"
	newCfg.Storage.Redis.Password = "secret"
	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"telegram", "storage", "rules"}; !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bot.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	cfg, rt, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Get() != cfg || len(rt.Rules) != 2 {
		t.Fatalf("Get() = %p, cfg = %p, rules = %d", m.Get(), cfg, len(rt.Rules))
	}

	if _, _, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml")).Load(); err == nil {
		t.Fatal("Load() of a missing file succeeded")
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"slotbot/internal/actions"
	"slotbot/internal/catalog"
	"slotbot/internal/recovery"
	"slotbot/internal/schedule"
	"slotbot/internal/slots"
	"slotbot/internal/storage"
	logx "slotbot/pkg/logx"
)

const (
	DefaultTimezone        = "Europe/Paris"
	DefaultTick            = "* * * * *"
	DefaultCallTimeout     = 15 * time.Second
	DefaultRecoveryTimeout = 2 * time.Minute
	DefaultPollTimeout     = 10 * time.Second
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultTokenEnv        = "TOKEN"
)

// ConfigurationError reports an invalid or missing setting. The process refuses to start on it.
type ConfigurationError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ConfigurationError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Path == "" {
		return "config: " + msg
	}
	return "config: " + e.Path + ": " + msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func cfgErr(path string, err error) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigurationError{Path: path, Msg: "invalid", Err: err}
}

func quote(s string) string { return strconv.Quote(s) }

// Runtime is the validated configuration converted to the types the components take.
type Runtime struct {
	Token           string
	Owners          []int64
	AdminChat       int64
	PollTimeout     time.Duration
	RatePerSec      int
	Location        *time.Location
	Tick            string
	CallTimeout     time.Duration
	RecoveryTimeout time.Duration
	DurableLedger   bool
	DryRun          bool

	Logging logx.Config
	Storage storage.Config
	Catalog *catalog.FileSource
	Metrics MetricsConfig

	Slots    []slots.Def
	Windows  map[string]int
	Classify []recovery.Rule
	Actions  []actions.Spec
	Rules    []schedule.Rule
}

// Channels lists every slot channel once.
func (r *Runtime) Channels() []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, d := range r.Slots {
		if !seen[d.Channel] {
			seen[d.Channel] = true
			out = append(out, d.Channel)
		}
	}
	return out
}

// Resolve validates cfg and converts it. Every failure is a *ConfigurationError.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Msg: "config is nil"}
	}
	rt := &Runtime{DryRun: cfg.Scheduler.DryRun}
	var err error

	// telegram
	rt.Token = strings.TrimSpace(cfg.Telegram.Token)
	if rt.Token == "" {
		env := cfg.Telegram.TokenEnv
		if env == "" {
			env = DefaultTokenEnv
		}
		rt.Token = strings.TrimSpace(os.Getenv(env))
	}
	if rt.Token == "" && !rt.DryRun {
		return nil, &ConfigurationError{Path: "telegram.token", Msg: "required (or set the token_env variable)"}
	}
	rt.Owners = append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	rt.AdminChat = cfg.Telegram.AdminChat
	rt.RatePerSec = cfg.Telegram.RatePerSec
	if rt.RatePerSec < 0 {
		return nil, &ConfigurationError{Path: "telegram.rate_per_sec", Msg: "must be >= 0"}
	}
	if rt.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout); err != nil {
		return nil, err
	}

	// logging
	if _, ok := logx.ParseLevel(orDefault(cfg.Logging.Level, "info")); !ok {
		return nil, &ConfigurationError{Path: "logging.level", Msg: "unknown level " + quote(cfg.Logging.Level)}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return nil, &ConfigurationError{Path: "logging.file.path", Msg: "required when file logging is enabled"}
	}
	if cfg.Logging.Telegram.Enabled && rt.AdminChat == 0 {
		return nil, &ConfigurationError{Path: "telegram.admin_chat", Msg: "required when logging.telegram is enabled"}
	}
	rt.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && !rt.DryRun,
			ChatID:     rt.AdminChat,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}

	// storage
	if rt.Storage, err = resolveStorage(cfg.Storage); err != nil {
		return nil, err
	}

	// scheduler
	tz := orDefault(cfg.Scheduler.Timezone, DefaultTimezone)
	if rt.Location, err = time.LoadLocation(tz); err != nil {
		return nil, &ConfigurationError{Path: "scheduler.timezone", Msg: "unknown zone " + quote(tz), Err: err}
	}
	rt.Tick = orDefault(cfg.Scheduler.Tick, DefaultTick)
	if err := schedule.ValidateTick(rt.Tick); err != nil {
		return nil, cfgErr("scheduler.tick", err)
	}
	if rt.CallTimeout, err = ParseDurationOrDefault("scheduler.call_timeout", cfg.Scheduler.CallTimeout, DefaultCallTimeout); err != nil {
		return nil, err
	}
	if rt.RecoveryTimeout, err = ParseDurationOrDefault("scheduler.recovery_timeout", cfg.Scheduler.RecoveryTimeout, DefaultRecoveryTimeout); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.Ledger)) {
	case "", "memory":
	case "storage":
		if rt.Storage.Driver == "" {
			return nil, &ConfigurationError{Path: "scheduler.ledger", Msg: "storage ledger needs storage.driver"}
		}
		rt.DurableLedger = true
	default:
		return nil, &ConfigurationError{Path: "scheduler.ledger", Msg: "want memory|storage, got " + quote(cfg.Scheduler.Ledger)}
	}
	if !rt.DryRun && rt.Storage.Driver == "" {
		return nil, &ConfigurationError{Path: "storage.driver", Msg: "the telegram transport keeps its channel transcript in storage; set a driver"}
	}

	// catalog
	if p := strings.TrimSpace(cfg.Catalog.Path); p != "" {
		rt.Catalog = &catalog.FileSource{Path: p, Guild: cfg.Catalog.Guild, LinkTemplate: cfg.Catalog.LinkTemplate}
	}

	// metrics
	rt.Metrics = cfg.Metrics
	if rt.Metrics.Enabled && strings.TrimSpace(rt.Metrics.Addr) == "" {
		rt.Metrics.Addr = DefaultMetricsAddr
	}

	if err := resolveSlots(cfg, rt); err != nil {
		return nil, err
	}
	if err := resolveClassify(cfg, rt); err != nil {
		return nil, err
	}
	if err := resolveActions(cfg, rt); err != nil {
		return nil, err
	}
	if err := resolveRules(cfg, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func resolveStorage(sc StorageConfig) (storage.Config, error) {
	out := storage.Config{
		Path:        sc.Path,
		HistoryKeep: sc.HistoryKeep,
		Redis: storage.RedisConfig{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: sc.Redis.KeyPrefix,
		},
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return out, nil
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return out, &ConfigurationError{Path: "storage.path", Msg: "required for driver " + quote(driver)}
		}
	case "redis":
		if strings.TrimSpace(sc.Redis.Addr) == "" {
			return out, &ConfigurationError{Path: "storage.redis.addr", Msg: "required for driver \"redis\""}
		}
	default:
		return out, &ConfigurationError{Path: "storage.driver", Msg: "want file|sqlite|redis|none, got " + quote(sc.Driver)}
	}
	out.Driver = driver
	if sc.HistoryKeep < 0 {
		return out, &ConfigurationError{Path: "storage.history_keep", Msg: "must be >= 0"}
	}
	d, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return out, err
	}
	out.BusyTimeout = d
	return out, nil
}

func resolveSlots(cfg *Config, rt *Runtime) error {
	if len(cfg.Slots) == 0 {
		return &ConfigurationError{Path: "slots", Msg: "at least one slot is required"}
	}
	rt.Windows = map[string]int{}
	seen := map[string]bool{}
	for i, s := range cfg.Slots {
		path := fmt.Sprintf("slots[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return &ConfigurationError{Path: path + ".name", Msg: "required"}
		}
		if seen[name] {
			return &ConfigurationError{Path: path + ".name", Msg: "duplicate slot " + quote(name)}
		}
		seen[name] = true
		kind, err := slots.ParseKind(s.Kind)
		if err != nil {
			return cfgErr(path+".kind", err)
		}
		if s.Channel == 0 {
			return &ConfigurationError{Path: path + ".channel", Msg: "channel id is required"}
		}
		if s.Window < 0 {
			return &ConfigurationError{Path: path + ".window", Msg: "must be >= 0"}
		}
		if s.Window > 0 {
			rt.Windows[name] = s.Window
		}
		rt.Slots = append(rt.Slots, slots.Def{Name: name, Kind: kind, Channel: s.Channel})
	}
	return nil
}

func resolveClassify(cfg *Config, rt *Runtime) error {
	known := slotNames(rt)
	for i, c := range cfg.Classify {
		path := fmt.Sprintf("classify[%d]", i)
		if !known[c.Slot] {
			return &ConfigurationError{Path: path + ".slot", Msg: "unknown slot " + quote(c.Slot)}
		}
		kind, err := recovery.ParseMatchKind(c.Match)
		if err != nil {
			return cfgErr(path+".match", err)
		}
		if kind != recovery.IsStructuredPoll && c.Text == "" {
			return &ConfigurationError{Path: path + ".text", Msg: "required for match " + quote(c.Match)}
		}
		rt.Classify = append(rt.Classify, recovery.Rule{Slot: c.Slot, Match: recovery.Matcher{Kind: kind, Text: c.Text}})
	}
	return nil
}

func resolveActions(cfg *Config, rt *Runtime) error {
	if len(cfg.Actions) == 0 {
		return &ConfigurationError{Path: "actions", Msg: "at least one action is required"}
	}
	for i, a := range cfg.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		spec := actions.Spec{
			Name:          strings.TrimSpace(a.Name),
			Kind:          actions.Kind(strings.ToLower(strings.TrimSpace(a.Kind))),
			Slot:          a.Slot,
			Text:          a.Text,
			Question:      a.Question,
			Answers:       a.Answers,
			Anonymous:     a.Anonymous,
			CompanionSlot: a.CompanionSlot,
			CompanionText: a.CompanionText,
			Slots:         a.Slots,
			Keywords:      a.Keywords,
			Policy:        actions.Policy(strings.ToLower(strings.TrimSpace(a.Policy))),
			Template:      a.Template,
			AlsoClear:     a.AlsoClear,
			SkipIfEmpty:   a.SkipIfEmpty,
			Steps:         a.Steps,
		}
		var err error
		if spec.PollDuration, err = ParseDurationField(path+".poll_duration", a.PollDuration); err != nil {
			return err
		}
		if spec.Weekdays, err = schedule.ParseWeekdays(a.Weekdays); err != nil {
			return cfgErr(path+".weekdays", err)
		}
		if spec.TemplateDays, err = schedule.ParseWeekdays(a.TemplateDays); err != nil {
			return cfgErr(path+".template_days", err)
		}
		if spec.Kind == actions.KindLinks && rt.Catalog == nil {
			return &ConfigurationError{Path: "catalog.path", Msg: "required by links action " + quote(spec.Name)}
		}
		rt.Actions = append(rt.Actions, spec)
	}
	return nil
}

func resolveRules(cfg *Config, rt *Runtime) error {
	names := map[string]bool{}
	for _, a := range rt.Actions {
		names[a.Name] = true
	}
	for i, r := range cfg.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		h, m, err := schedule.ParseHHMM(r.At)
		if err != nil {
			return cfgErr(path+".at", err)
		}
		days, err := schedule.ParseWeekdays(r.Weekdays)
		if err != nil {
			return cfgErr(path+".weekdays", err)
		}
		dedup, err := schedule.ParseGranularity(r.Dedup)
		if err != nil {
			return cfgErr(path+".dedup", err)
		}
		if !names[r.Action] {
			return &ConfigurationError{Path: path + ".action", Msg: "unknown action " + quote(r.Action)}
		}
		rt.Rules = append(rt.Rules, schedule.Rule{
			Name:     strings.TrimSpace(r.Name),
			Weekdays: days,
			Hour:     h,
			Minute:   m,
			Dedup:    dedup,
			Action:   r.Action,
		})
	}
	if _, err := schedule.NewTable(rt.Rules); err != nil {
		return cfgErr("rules", err)
	}
	return nil
}

func slotNames(rt *Runtime) map[string]bool {
	out := make(map[string]bool, len(rt.Slots))
	for _, d := range rt.Slots {
		out[d.Name] = true
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return strings.TrimSpace(s)
}

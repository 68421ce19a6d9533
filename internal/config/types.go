package config

// Config is the on-disk configuration. It is loaded once at start and never reloaded.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Catalog   CatalogConfig   `json:"catalog"`
	Metrics   MetricsConfig   `json:"metrics"`

	Slots    []SlotConfig     `json:"slots"`
	Classify []ClassifyConfig `json:"classify"`
	Actions  []ActionConfig   `json:"actions"`
	Rules    []RuleConfig     `json:"rules"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through the TokenEnv variable instead.
	Token    string `json:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty"` // default: "TOKEN"

	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AdminChat receives forwarded log lines when logging.telegram is enabled.
	AdminChat int64 `json:"admin_chat,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer used for the transcript, ledger and audit.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotbot.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"` // file | sqlite | redis | none
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	HistoryKeep int         `json:"history_keep,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// SchedulerConfig controls ticks, timeouts and the dedup ledger.
//
// All durations are Go duration strings.
// Defaults: timezone "Europe/Paris", tick "* * * * *", call_timeout "15s",
// recovery_timeout "2m", ledger "memory".
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	Tick            string `json:"tick,omitempty"`
	CallTimeout     string `json:"call_timeout,omitempty"`
	RecoveryTimeout string `json:"recovery_timeout,omitempty"`
	Ledger          string `json:"ledger,omitempty"` // memory | storage
	// DryRun swaps the Telegram transport for an in-process one that only logs.
	DryRun bool `json:"dry_run,omitempty"`
}

type CatalogConfig struct {
	Path         string `json:"path,omitempty"`
	Guild        string `json:"guild,omitempty"`
	LinkTemplate string `json:"link_template,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	// Pprof mounts /debug/pprof on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

type SlotConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // single | list
	Channel int64  `json:"channel"`
	// Window is how many recent history entries recovery scans for this slot.
	Window int `json:"window,omitempty"`
}

type ClassifyConfig struct {
	Slot  string `json:"slot"`
	Match string `json:"match"` // poll | contains | prefix
	Text  string `json:"text,omitempty"`
}

type ActionConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // poll | notify | clear | links | sequence

	Slot string `json:"slot,omitempty"`
	Text string `json:"text,omitempty"`

	Question      string   `json:"question,omitempty"`
	Answers       []string `json:"answers,omitempty"`
	PollDuration  string   `json:"poll_duration,omitempty"`
	Anonymous     bool     `json:"anonymous,omitempty"`
	CompanionSlot string   `json:"companion_slot,omitempty"`
	CompanionText string   `json:"companion_text,omitempty"`

	Slots []string `json:"slots,omitempty"`

	Weekdays     []string `json:"weekdays,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Policy       string   `json:"policy,omitempty"`
	Template     string   `json:"template,omitempty"`
	TemplateDays []string `json:"template_days,omitempty"`
	AlsoClear    []string `json:"also_clear,omitempty"`
	SkipIfEmpty  bool     `json:"skip_if_empty,omitempty"`

	Steps []string `json:"steps,omitempty"`
}

type RuleConfig struct {
	Name     string   `json:"name"`
	Weekdays []string `json:"weekdays,omitempty"`
	At       string   `json:"at"`              // HH:MM local time
	Dedup    string   `json:"dedup,omitempty"` // per_day | per_minute
	Action   string   `json:"action"`
}

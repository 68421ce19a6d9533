package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis server at Redis.Addr
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
	// HistoryKeep bounds the transcript kept per channel. 0 means 200.
	HistoryKeep int
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// HistoryRecord is one transcript line for a channel.
type HistoryRecord struct {
	Channel   int64     `json:"channel"`
	MessageID int64     `json:"message_id"`
	Author    int64     `json:"author"`
	Text      string    `json:"text"`
	IsPoll    bool      `json:"is_poll,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Command       string    `json:"command"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

const defaultHistoryKeep = 200

func historyKeep(cfg Config) int {
	if cfg.HistoryKeep > 0 {
		return cfg.HistoryKeep
	}
	return defaultHistoryKeep
}

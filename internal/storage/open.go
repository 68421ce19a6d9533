package storage

import (
	"context"
	"errors"
	"strings"

	logx "slotbot/pkg/logx"
)

// Store is the persistence API used by the transports, the ledger and the admin router.
type Store interface {
	// AppendHistory records a transcript line and trims the channel to its bound.
	AppendHistory(ctx context.Context, r HistoryRecord) error
	// ListHistory returns at most limit records, newest first.
	ListHistory(ctx context.Context, channel int64, limit int) ([]HistoryRecord, error)
	RemoveHistory(ctx context.Context, channel, messageID int64) error

	PutLedger(ctx context.Context, rule, key string) error
	ListLedger(ctx context.Context) (map[string]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

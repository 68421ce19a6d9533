package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "slotbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: historyKeep(cfg)}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, request_id, actor_id, actor_username, chat_id, command, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.RequestID), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Command, nullStr(e.Target), boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, r HistoryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history(channel, message_id, author, text, is_poll, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(channel, message_id) DO UPDATE SET author=excluded.author, text=excluded.text,
		 is_poll=excluded.is_poll, created_at=excluded.created_at`,
		r.Channel, r.MessageID, r.Author, r.Text, boolInt(r.IsPoll), r.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE channel = ? AND message_id NOT IN
		 (SELECT message_id FROM history WHERE channel = ? ORDER BY message_id DESC LIMIT ?)`,
		r.Channel, r.Channel, s.keep,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListHistory(ctx context.Context, channel int64, limit int) ([]HistoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, author, text, is_poll, created_at FROM history
		 WHERE channel = ? ORDER BY message_id DESC LIMIT ?`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			r       HistoryRecord
			isPoll  int
			created string
		)
		if err := rows.Scan(&r.MessageID, &r.Author, &r.Text, &isPoll, &created); err != nil {
			return nil, err
		}
		r.Channel = channel
		r.IsPoll = isPoll != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveHistory(ctx context.Context, channel, messageID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE channel = ? AND message_id = ?`, channel, messageID)
	return err
}

func (s *sqliteStore) PutLedger(ctx context.Context, rule, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rule == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(rule, key, updated_at) VALUES(?,?,?)
		 ON CONFLICT(rule) DO UPDATE SET key=excluded.key, updated_at=excluded.updated_at`,
		rule, key, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListLedger(ctx context.Context) (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT rule, key FROM ledger`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var rule, key string
		if err := rows.Scan(&rule, &key); err != nil {
			return nil, err
		}
		out[rule] = key
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

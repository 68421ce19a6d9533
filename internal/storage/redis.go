package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "slotbot/pkg/logx"
)

// redisStore keeps everything under a key prefix:
//
//	<prefix>:history:<channel>  sorted set, score = message id, member = JSON record
//	<prefix>:ledger             hash, rule -> key
//	<prefix>:audit              list of JSON audit entries (capped)
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
	keep   int
}

const auditCap = 10000

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Redis.KeyPrefix)
	if prefix == "" {
		prefix = "slotbot"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix, keep: historyKeep(cfg)}, nil
}

func (s *redisStore) historyKey(channel int64) string {
	return fmt.Sprintf("%s:history:%d", s.prefix, channel)
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) AppendHistory(ctx context.Context, r HistoryRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := s.historyKey(r.Channel)
	score := float64(r.MessageID)
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, fmt.Sprint(r.MessageID), fmt.Sprint(r.MessageID))
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(b)})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.keep-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *redisStore) ListHistory(ctx context.Context, channel int64, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = s.keep
	}
	members, err := s.rdb.ZRevRange(ctx, s.historyKey(channel), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]HistoryRecord, 0, len(members))
	for _, m := range members {
		var r HistoryRecord
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			s.log.Warn("skipping malformed history record", logx.Int64("channel", channel), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) RemoveHistory(ctx context.Context, channel, messageID int64) error {
	id := fmt.Sprint(messageID)
	return s.rdb.ZRemRangeByScore(ctx, s.historyKey(channel), id, id).Err()
}

func (s *redisStore) PutLedger(ctx context.Context, rule, key string) error {
	if rule == "" {
		return nil
	}
	return s.rdb.HSet(ctx, s.prefix+":ledger", rule, key).Err()
}

func (s *redisStore) ListLedger(ctx context.Context) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.prefix+":ledger").Result()
	if errors.Is(err, redis.Nil) {
		return map[string]string{}, nil
	}
	return m, err
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.prefix + ":audit"
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, string(b))
	pipe.LTrim(ctx, key, -auditCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

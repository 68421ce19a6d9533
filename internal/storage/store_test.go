package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "slotbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.db"), HistoryKeep: 3}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.sqlite"), HistoryKeep: 3}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"}, HistoryKeep: 3}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for name, open := range openDrivers(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })

			base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
			for i := int64(1); i <= 4; i++ {
				require.NoError(t, st.AppendHistory(ctx, HistoryRecord{
					Channel:   7,
					MessageID: i,
					Author:    42,
					Text:      "msg",
					IsPoll:    i == 2,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			got, err := st.ListHistory(ctx, 7, 10)
			require.NoError(t, err)
			require.Len(t, got, 3, "history is trimmed to the keep bound")
			assert.Equal(t, []int64{4, 3, 2}, ids(got))
			assert.True(t, got[2].IsPoll)
			assert.Equal(t, int64(42), got[0].Author)

			require.NoError(t, st.RemoveHistory(ctx, 7, 3))
			got, err = st.ListHistory(ctx, 7, 1)
			require.NoError(t, err)
			assert.Equal(t, []int64{4}, ids(got))

			other, err := st.ListHistory(ctx, 8, 10)
			require.NoError(t, err)
			assert.Empty(t, other)

			require.NoError(t, st.PutLedger(ctx, "poll", "2024-06-01"))
			require.NoError(t, st.PutLedger(ctx, "poll", "2024-06-02"))
			require.NoError(t, st.PutLedger(ctx, "boss", "2024-06-01T20:30"))
			ledger, err := st.ListLedger(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"poll": "2024-06-02", "boss": "2024-06-01T20:30"}, ledger)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 2, Command: "force", Target: "poll", OK: true}))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendHistory(ctx, HistoryRecord{Channel: 1, MessageID: 10, Text: "hello"}))
	require.NoError(t, st.PutLedger(ctx, "clear", "2024-06-01"))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	got, err := st.ListHistory(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)

	ledger, err := st.ListLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", ledger["clear"])
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func ids(recs []HistoryRecord) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.MessageID)
	}
	return out
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "slotbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log  logx.Logger
	keep int

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes int
}

type fileState struct {
	History map[int64][]HistoryRecord `json:"history"` // oldest first
	Ledger  map[string]string         `json:"ledger"`
}

type journalRecord struct {
	Op      string         `json:"op"` // hist_add | hist_del | ledger
	History *HistoryRecord `json:"history,omitempty"`
	Channel int64          `json:"channel,omitempty"`
	Message int64          `json:"message,omitempty"`
	Rule    string         `json:"rule,omitempty"`
	Key     string         `json:"key,omitempty"`
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		keep:         historyKeep(cfg),
		auditFile:    af,
		snapshotPath: prefix + ".state.snapshot.json",
		state:        fileState{History: map[int64][]HistoryRecord{}, Ledger: map[string]string{}},
	}
	journalPath := prefix + ".state.journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact on close failed", logx.Err(err))
		}
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AppendHistory(ctx context.Context, r HistoryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(journalRecord{Op: "hist_add", History: &r})
	return s.journalLocked(journalRecord{Op: "hist_add", History: &r})
}

func (s *fileStore) ListHistory(ctx context.Context, channel int64, limit int) ([]HistoryRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.state.History[channel]
	out := make([]HistoryRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *fileStore) RemoveHistory(ctx context.Context, channel, messageID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := journalRecord{Op: "hist_del", Channel: channel, Message: messageID}
	s.applyLocked(rec)
	return s.journalLocked(rec)
}

func (s *fileStore) PutLedger(ctx context.Context, rule, key string) error {
	_ = ctx
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := journalRecord{Op: "ledger", Rule: rule, Key: key}
	s.applyLocked(rec)
	return s.journalLocked(rec)
}

func (s *fileStore) ListLedger(ctx context.Context) (map[string]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.state.Ledger))
	for k, v := range s.state.Ledger {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) applyLocked(r journalRecord) {
	switch r.Op {
	case "hist_add":
		if r.History == nil {
			return
		}
		ch := r.History.Channel
		recs := append(s.state.History[ch], *r.History)
		if len(recs) > s.keep {
			recs = append([]HistoryRecord(nil), recs[len(recs)-s.keep:]...)
		}
		s.state.History[ch] = recs
	case "hist_del":
		recs := s.state.History[r.Channel]
		for i := range recs {
			if recs[i].MessageID == r.Message {
				s.state.History[r.Channel] = append(recs[:i], recs[i+1:]...)
				break
			}
		}
	case "ledger":
		s.state.Ledger[r.Rule] = r.Key
	}
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.History {
		s.state.History[k] = v
	}
	for k, v := range st.Ledger {
		s.state.Ledger[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}

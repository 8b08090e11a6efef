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
	"time"

	logx "spidersched/pkg/logx"
)

const defaultTailSize = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.triggers.jsonl      (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// RecentTriggers is served from a bounded in-memory tail that is reloaded
// from the triggers file on open. The journal is periodically compacted
// into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	triggersFile *os.File
	tail         []TriggerRecord // oldest first
	tailSize     int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tailSize := cfg.TailSize
	if tailSize <= 0 {
		tailSize = defaultTailSize
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	triggersPath := prefix + ".triggers.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	tail, err := loadTail(triggersPath, tailSize)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("trigger history unreadable; starting empty", logx.Err(err))
		tail = nil
	}

	tf, err := os.OpenFile(triggersPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", triggersPath), logx.Int("tail", len(tail)))
	return &fileStore{
		log:               log,
		triggersFile:      tf,
		tail:              tail,
		tailSize:          tailSize,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.triggersFile != nil {
		err1 = s.triggersFile.Close()
		s.triggersFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendTrigger(ctx context.Context, r TriggerRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggersFile == nil {
		return errors.New("triggers file closed")
	}
	if err := json.NewEncoder(s.triggersFile).Encode(r); err != nil {
		return err
	}
	s.tail = appendBounded(s.tail, r, s.tailSize)
	return nil
}

func (s *fileStore) RecentTriggers(ctx context.Context, project string, limit int) ([]TriggerRecord, error) {
	_ = ctx
	limit = normalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerRecord, 0, min(limit, len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		if project != "" && s.tail[i].Project != project {
			continue
		}
		out = append(out, s.tail[i])
	}
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func appendBounded(tail []TriggerRecord, r TriggerRecord, size int) []TriggerRecord {
	tail = append(tail, r)
	if over := len(tail) - size; over > 0 {
		tail = append(tail[:0], tail[over:]...)
	}
	return tail
}

// loadTail keeps the last size decodable records of the triggers file.
// Torn or foreign lines are skipped.
func loadTail(path string, size int) ([]TriggerRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tail []TriggerRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r TriggerRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Spider == "" {
			continue
		}
		tail = appendBounded(tail, r, size)
	}
	return tail, sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

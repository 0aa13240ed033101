package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend for a single process.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal of puts and deletes)
//
// The journal is periodically compacted into the snapshot. Cross-process
// atomicity is not provided; use sqlite or postgres for more than one scheduler.
type fileStore struct {
	log logx.Logger
	mem *Memory

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string      `json:"op"` // "put" | "del"
	ID  string      `json:"id"`
	Rec *job.Record `json:"rec,omitempty"`
}

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

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	recs := map[string]job.Record{}
	if err := loadSnapshot(snapPath, recs); err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	replayErr := replayJournal(journalPath, recs)
	if replayErr != nil {
		log.Warn("journal replay stopped early", logx.Err(replayErr), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	mem := NewMemory()
	mem.load(recs)
	log.Debug("file store opened", logx.String("path", snapPath), logx.Int("jobs", len(recs)))

	s := &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	if replayErr != nil {
		// Entries appended after a torn line would be unreachable on the next replay.
		if err := s.compactLocked(); err != nil {
			_ = jf.Close()
			return nil, errors.Wrap(err, "compact after partial replay")
		}
	}
	return s, nil
}

func (s *fileStore) Insert(ctx context.Context, rec job.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.mem.insert(rec)
	if err != nil {
		return "", err
	}
	return r.ID, s.appendLocked(journalRecord{Op: "put", ID: r.ID, Rec: &r})
}

func (s *fileStore) FindMany(ctx context.Context, f job.Filter, opt FindOptions) ([]job.Record, error) {
	return s.mem.FindMany(ctx, f, opt)
}

func (s *fileStore) FindOne(ctx context.Context, f job.Filter) (job.Record, error) {
	return s.mem.FindOne(ctx, f)
}

func (s *fileStore) UpdateOne(ctx context.Context, id string, p job.Patch) (job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.mem.UpdateOne(ctx, id, p)
	if err != nil {
		return job.Record{}, err
	}
	return r, s.appendLocked(journalRecord{Op: "put", ID: r.ID, Rec: &r})
}

func (s *fileStore) CompareAndSwapLock(ctx context.Context, id string, expected, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.mem.cas(id, expected, next)
	if err != nil || !ok {
		return false, err
	}
	return true, s.appendLocked(journalRecord{Op: "put", ID: r.ID, Rec: &r})
}

func (s *fileStore) DeleteMany(ctx context.Context, f job.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.mem.deleteMany(f)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
			return int64(len(ids)), err
		}
	}
	return int64(len(ids)), nil
}

func (s *fileStore) Count(ctx context.Context, f job.Filter) (int64, error) {
	return s.mem.Count(ctx, f)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mem.Close()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
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
	if err := json.NewEncoder(f).Encode(s.mem.snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into map[string]job.Record) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	var recs []job.Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		into[r.ID] = r
	}
	return nil
}

func replayJournal(path string, into map[string]job.Record) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var jr journalRecord
		if err := json.Unmarshal(line, &jr); err != nil {
			// A torn final line after a crash; everything before it is applied.
			return err
		}
		switch jr.Op {
		case "put":
			if jr.Rec != nil {
				into[jr.ID] = *jr.Rec
			}
		case "del":
			delete(into, jr.ID)
		}
	}
	return sc.Err()
}

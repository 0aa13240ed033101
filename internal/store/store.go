package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// Store is the persistence API shared by the lock manager, dispatcher, workers and admin façade.
//
// Every implementation must make UpdateOne and CompareAndSwapLock atomic across all
// processes that share the backing data; callers never read-modify-write records.
type Store interface {
	Insert(ctx context.Context, rec job.Record) (string, error)
	FindMany(ctx context.Context, f job.Filter, opt FindOptions) ([]job.Record, error)
	// FindOne returns the match with the lowest id, or job.ErrNotFound.
	FindOne(ctx context.Context, f job.Filter) (job.Record, error)
	// UpdateOne applies p atomically and returns the post-patch record, or job.ErrNotFound.
	UpdateOne(ctx context.Context, id string, p job.Patch) (job.Record, error)
	// CompareAndSwapLock sets lockedAt to next only if the stored lockedAt equals expected
	// (nil meaning absent). It reports whether the swap happened.
	CompareAndSwapLock(ctx context.Context, id string, expected, next *time.Time) (bool, error)
	DeleteMany(ctx context.Context, f job.Filter) (int64, error)
	Count(ctx context.Context, f job.Filter) (int64, error)
	Close() error
}

type FindOptions struct {
	Sort  []job.Sort
	Skip  int
	Limit int // 0 = no limit
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit (tests, single-shot CLI runs)
//   - "file": dependency-free single-process backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file, shareable by processes on one host
//   - "postgres": PostgreSQL via DSN, shareable by any number of hosts
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

var ErrClosed = errors.New("store closed")

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// prepareInsert assigns an id, infers the type and validates.
func prepareInsert(rec job.Record) (job.Record, error) {
	rec = rec.Clone()
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = job.NewID()
	}
	if rec.Type == "" {
		rec.Type = job.TypeOnce
		if rec.Recurring() {
			rec.Type = job.TypeRecurring
		}
	}
	if err := rec.Validate(); err != nil {
		return job.Record{}, err
	}
	return rec, nil
}

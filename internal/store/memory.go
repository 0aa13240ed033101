package store

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

// Memory is the reference Store: a mutex-guarded map with deep copies in and out.
type Memory struct {
	mu     sync.Mutex
	recs   map[string]job.Record
	closed bool
}

func NewMemory() *Memory {
	return &Memory{recs: map[string]job.Record{}}
}

func (m *Memory) Insert(ctx context.Context, rec job.Record) (string, error) {
	r, err := m.insert(rec)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (m *Memory) insert(rec job.Record) (job.Record, error) {
	rec, err := prepareInsert(rec)
	if err != nil {
		return job.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}
	if _, dup := m.recs[rec.ID]; dup {
		return job.Record{}, errors.Wrapf(job.ErrInvalidJob, "duplicate id %s", rec.ID)
	}
	m.recs[rec.ID] = rec
	return rec.Clone(), nil
}

func (m *Memory) FindMany(ctx context.Context, f job.Filter, opt FindOptions) ([]job.Record, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]job.Record, 0)
	for _, r := range m.recs {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()

	job.SortRecords(out, opt.Sort)
	if opt.Skip > 0 {
		if opt.Skip >= len(out) {
			return []job.Record{}, nil
		}
		out = out[opt.Skip:]
	}
	if opt.Limit > 0 && len(out) > opt.Limit {
		out = out[:opt.Limit]
	}
	return out, nil
}

func (m *Memory) FindOne(ctx context.Context, f job.Filter) (job.Record, error) {
	recs, err := m.FindMany(ctx, f, FindOptions{Limit: 1})
	if err != nil {
		return job.Record{}, err
	}
	if len(recs) == 0 {
		return job.Record{}, job.ErrNotFound
	}
	return recs[0], nil
}

func (m *Memory) UpdateOne(ctx context.Context, id string, p job.Patch) (job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, ErrClosed
	}
	r, ok := m.recs[id]
	if !ok {
		return job.Record{}, errors.Wrapf(job.ErrNotFound, "id %s", id)
	}
	p.Apply(&r)
	m.recs[id] = r
	return r.Clone(), nil
}

func (m *Memory) CompareAndSwapLock(ctx context.Context, id string, expected, next *time.Time) (bool, error) {
	_, ok, err := m.cas(id, expected, next)
	return ok, err
}

func (m *Memory) cas(id string, expected, next *time.Time) (job.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Record{}, false, ErrClosed
	}
	r, ok := m.recs[id]
	if !ok {
		return job.Record{}, false, nil
	}
	if !sameTime(r.LockedAt, expected) {
		return job.Record{}, false, nil
	}
	if next == nil {
		r.LockedAt = nil
	} else {
		t := *next
		r.LockedAt = &t
	}
	m.recs[id] = r
	return r.Clone(), true, nil
}

func (m *Memory) DeleteMany(ctx context.Context, f job.Filter) (int64, error) {
	ids, err := m.deleteMany(f)
	return int64(len(ids)), err
}

func (m *Memory) deleteMany(f job.Filter) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id, r := range m.recs {
		if f.Match(r) {
			delete(m.recs, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) Count(ctx context.Context, f job.Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, r := range m.recs {
		if f.Match(r) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// load replaces the contents; used by the file backend on startup.
func (m *Memory) load(recs map[string]job.Record) {
	m.mu.Lock()
	m.recs = recs
	m.mu.Unlock()
}

func (m *Memory) snapshot() []job.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r.Clone())
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Package lock arbitrates job ownership through the store's compare-and-swap.
//
// A lock is the record's lockedAt timestamp. It is taken only by a successful CAS
// from the observed value, and it is honored for lockLifetime; after that any
// process may take it over.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/store"
)

// Claim is proof of ownership. LockedAt is the exact value written by the CAS.
type Claim struct {
	ID       string
	LockedAt time.Time
	Record   job.Record
}

type Manager struct {
	st  store.Store
	now func() time.Time
}

type Option func(*Manager)

// WithClock overrides time.Now (tests, simulated clocks).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{st: st, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now returns the manager clock at the precision locks are stored with.
func (m *Manager) Now() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// IsStale reports whether a lock taken at lockedAt is past its lifetime at now.
func IsStale(lockedAt time.Time, lifetime time.Duration, now time.Time) bool {
	return now.Sub(lockedAt) > lifetime
}

// TryClaim takes the lock on rec if it is absent or stale.
//
// rec must be the caller's latest observation; the CAS expects its lockedAt. Losing
// the race is not an error: ok is false and the caller moves on.
func (m *Manager) TryClaim(ctx context.Context, rec job.Record, lifetime time.Duration) (Claim, bool, error) {
	now := m.Now()
	if rec.LockedAt != nil && !IsStale(*rec.LockedAt, lifetime, now) {
		return Claim{}, false, nil
	}
	ok, err := m.st.CompareAndSwapLock(ctx, rec.ID, rec.LockedAt, &now)
	if err != nil {
		return Claim{}, false, errors.Wrapf(err, "claim %s", rec.ID)
	}
	if !ok {
		return Claim{}, false, nil
	}
	rec = rec.Clone()
	rec.LockedAt = job.TimePtr(now)
	return Claim{ID: rec.ID, LockedAt: now, Record: rec}, true, nil
}

// Renew moves the lock forward to now, keeping ownership for another lifetime.
// It fails (ok=false) when the lock was taken over in the meantime.
func (m *Manager) Renew(ctx context.Context, c Claim) (Claim, bool, error) {
	now := m.Now()
	if !now.After(c.LockedAt) {
		now = c.LockedAt.Add(time.Microsecond)
	}
	ok, err := m.st.CompareAndSwapLock(ctx, c.ID, &c.LockedAt, &now)
	if err != nil {
		return c, false, errors.Wrapf(err, "renew %s", c.ID)
	}
	if !ok {
		return c, false, nil
	}
	c.LockedAt = now
	c.Record.LockedAt = job.TimePtr(now)
	return c, true, nil
}

// Release clears lockedAt unconditionally.
func (m *Manager) Release(ctx context.Context, id string) error {
	_, err := m.st.UpdateOne(ctx, id, job.Patch{LockedAt: job.ClearTime()})
	return err
}

// ReleaseClaim clears lockedAt only if it still holds the claimed value, so a lock
// taken over after going stale is left with its new owner.
func (m *Manager) ReleaseClaim(ctx context.Context, c Claim) (bool, error) {
	ok, err := m.st.CompareAndSwapLock(ctx, c.ID, &c.LockedAt, nil)
	if err != nil {
		return false, errors.Wrapf(err, "release %s", c.ID)
	}
	return ok, nil
}

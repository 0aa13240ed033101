package job

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Type distinguishes one-shot records from recurring ones.
type Type string

const (
	TypeOnce      Type = "once"
	TypeRecurring Type = "recurring"
)

// Repeat is the recurrence attached to a recurring record.
//
// Interval is either a cron expression or a human interval ("5 seconds").
// Timezone is an IANA name; it only matters for cron expressions.
type Repeat struct {
	Interval      string `json:"interval"`
	Timezone      string `json:"timezone,omitempty"`
	SkipImmediate bool   `json:"skipImmediate,omitempty"`
}

// Record is the persisted unit of work.
//
// A record is eligible for execution iff it is not disabled, its lock is absent
// or stale, and NextRunAt is set and not in the future.
type Record struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Data           json.RawMessage `json:"data,omitempty"`
	Priority       int             `json:"priority"`
	NextRunAt      *time.Time      `json:"nextRunAt"`
	LastRunAt      *time.Time      `json:"lastRunAt"`
	LastFinishedAt *time.Time      `json:"lastFinishedAt"`
	FailedAt       *time.Time      `json:"failedAt"`
	FailReason     string          `json:"failReason,omitempty"`
	FailCount      int             `json:"failCount"`
	LockedAt       *time.Time      `json:"lockedAt"`
	Disabled       bool            `json:"disabled"`
	Repeat         *Repeat         `json:"repeat,omitempty"`
	Type           Type            `json:"type"`
}

// NewID returns a fresh record identifier.
func NewID() string { return uuid.NewString() }

// Recurring reports whether the record carries a recurrence.
func (r Record) Recurring() bool {
	return r.Repeat != nil && strings.TrimSpace(r.Repeat.Interval) != ""
}

// Due reports whether NextRunAt is set and not after now.
func (r Record) Due(now time.Time) bool {
	return r.NextRunAt != nil && !r.NextRunAt.After(now)
}

// Eligible reports whether the record may be claimed at now for the given lock lifetime.
func (r Record) Eligible(now time.Time, lockLifetime time.Duration) bool {
	if r.Disabled || !r.Due(now) {
		return false
	}
	if r.LockedAt == nil {
		return true
	}
	return now.Sub(*r.LockedAt) > lockLifetime
}

// Validate checks the invariants every persisted record must satisfy.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.Wrap(ErrInvalidJob, "name required")
	}
	switch r.Type {
	case TypeOnce, TypeRecurring:
	default:
		return errors.Wrapf(ErrInvalidJob, "unknown type %q", r.Type)
	}
	if r.Type == TypeRecurring && !r.Recurring() {
		return errors.Wrap(ErrInvalidJob, "recurring job requires repeat.interval")
	}
	if r.FailCount < 0 {
		return errors.Wrap(ErrInvalidJob, "failCount must be >= 0")
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return errors.Wrap(ErrInvalidJob, "data must be valid JSON")
	}
	return nil
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r Record) Clone() Record {
	cp := r
	cp.Data = cloneRaw(r.Data)
	cp.NextRunAt = cloneTime(r.NextRunAt)
	cp.LastRunAt = cloneTime(r.LastRunAt)
	cp.LastFinishedAt = cloneTime(r.LastFinishedAt)
	cp.FailedAt = cloneTime(r.FailedAt)
	cp.LockedAt = cloneTime(r.LockedAt)
	if r.Repeat != nil {
		rp := *r.Repeat
		cp.Repeat = &rp
	}
	return cp
}

// DataEqual compares payloads byte-wise after trimming whitespace.
func DataEqual(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a convenience for building records and patches.
func TimePtr(t time.Time) *time.Time { return &t }

package job

import (
	"encoding/json"
	"time"
)

// NullTime is a patch value for a nullable timestamp column.
// Valid=false clears the column.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func SetTime(t time.Time) *NullTime { return &NullTime{Time: t, Valid: true} }
func ClearTime() *NullTime          { return &NullTime{} }

func (n *NullTime) ptr() *time.Time {
	if n == nil || !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// Patch is a partial update. Nil fields are left unchanged.
//
// IncFailCount is applied by the store atomically (failCount = failCount + 1),
// so concurrent workers never lose an increment.
type Patch struct {
	Name     *string
	Data     *json.RawMessage
	Priority *int
	Disabled *bool
	Repeat   *Repeat
	// ClearRepeat turns a recurring record into a one-shot one.
	ClearRepeat bool
	Type        *Type

	NextRunAt      *NullTime
	LastRunAt      *NullTime
	LastFinishedAt *NullTime
	FailedAt       *NullTime
	LockedAt       *NullTime

	FailReason   *string
	FailCount    *int
	IncFailCount bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Data == nil && p.Priority == nil && p.Disabled == nil &&
		p.Repeat == nil && !p.ClearRepeat && p.Type == nil &&
		p.NextRunAt == nil && p.LastRunAt == nil && p.LastFinishedAt == nil &&
		p.FailedAt == nil && p.LockedAt == nil &&
		p.FailReason == nil && p.FailCount == nil && !p.IncFailCount
}

// Apply mutates r in place.
func (p Patch) Apply(r *Record) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Data != nil {
		r.Data = cloneRaw(*p.Data)
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Disabled != nil {
		r.Disabled = *p.Disabled
	}
	if p.ClearRepeat {
		r.Repeat = nil
	}
	if p.Repeat != nil {
		rp := *p.Repeat
		r.Repeat = &rp
	}
	if p.Type != nil {
		r.Type = *p.Type
	}
	if p.NextRunAt != nil {
		r.NextRunAt = p.NextRunAt.ptr()
	}
	if p.LastRunAt != nil {
		r.LastRunAt = p.LastRunAt.ptr()
	}
	if p.LastFinishedAt != nil {
		r.LastFinishedAt = p.LastFinishedAt.ptr()
	}
	if p.FailedAt != nil {
		r.FailedAt = p.FailedAt.ptr()
	}
	if p.LockedAt != nil {
		r.LockedAt = p.LockedAt.ptr()
	}
	if p.FailReason != nil {
		r.FailReason = *p.FailReason
	}
	if p.FailCount != nil {
		r.FailCount = *p.FailCount
	}
	if p.IncFailCount {
		r.FailCount++
	}
}

func String(s string) *string { return &s }
func Int(n int) *int          { return &n }

func RawData(b json.RawMessage) *json.RawMessage { return &b }

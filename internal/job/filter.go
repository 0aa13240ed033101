package job

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Filter is the store predicate. Zero fields match everything; set fields are ANDed.
type Filter struct {
	IDs  []string
	Name string
	// Names matches name IN (...). Nil matches any name; an empty non-nil
	// slice matches nothing.
	Names []string
	// ExcludeNames matches name NOT IN (...).
	ExcludeNames []string
	Disabled     *bool

	// DueBy matches nextRunAt <= t.
	DueBy *time.Time
	// NextRunAfter matches nextRunAt > t.
	NextRunAfter *time.Time
	HasNextRun   *bool

	// LockFreeAt matches lockedAt IS NULL OR lockedAt < t. Pass now-lockLifetime.
	LockFreeAt *time.Time
	Locked     *bool

	Failed   *bool
	Finished *bool
	// FinishedBefore matches lastFinishedAt < t.
	FinishedBefore *time.Time

	// InFlight matches claimed records whose current claim has not finished yet:
	// lockedAt set and (lastFinishedAt null or lastFinishedAt < lockedAt).
	InFlight *bool
}

func Bool(v bool) *bool { return &v }

// IsZero reports whether f matches every record.
func (f Filter) IsZero() bool {
	return len(f.IDs) == 0 && f.Name == "" && f.Names == nil && len(f.ExcludeNames) == 0 && f.Disabled == nil &&
		f.DueBy == nil && f.NextRunAfter == nil && f.HasNextRun == nil &&
		f.LockFreeAt == nil && f.Locked == nil &&
		f.Failed == nil && f.Finished == nil && f.FinishedBefore == nil &&
		f.InFlight == nil
}

// DueFilter selects records eligible for claiming at now given the shortest lock lifetime.
func DueFilter(now time.Time, lockLifetime time.Duration) Filter {
	cutoff := now.Add(-lockLifetime)
	return Filter{
		Disabled:   Bool(false),
		DueBy:      TimePtr(now),
		LockFreeAt: TimePtr(cutoff),
	}
}

// Match evaluates the filter in memory. SQL stores translate the same fields to WHERE clauses.
func (f Filter) Match(r Record) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == r.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Name != "" && f.Name != r.Name {
		return false
	}
	if f.Names != nil && !slices.Contains(f.Names, r.Name) {
		return false
	}
	if slices.Contains(f.ExcludeNames, r.Name) {
		return false
	}
	if f.Disabled != nil && *f.Disabled != r.Disabled {
		return false
	}
	if f.DueBy != nil && (r.NextRunAt == nil || r.NextRunAt.After(*f.DueBy)) {
		return false
	}
	if f.NextRunAfter != nil && (r.NextRunAt == nil || !r.NextRunAt.After(*f.NextRunAfter)) {
		return false
	}
	if f.HasNextRun != nil && *f.HasNextRun != (r.NextRunAt != nil) {
		return false
	}
	if f.LockFreeAt != nil && r.LockedAt != nil && !r.LockedAt.Before(*f.LockFreeAt) {
		return false
	}
	if f.Locked != nil && *f.Locked != (r.LockedAt != nil) {
		return false
	}
	if f.Failed != nil && *f.Failed != (r.FailedAt != nil) {
		return false
	}
	if f.Finished != nil && *f.Finished != (r.LastFinishedAt != nil) {
		return false
	}
	if f.FinishedBefore != nil && (r.LastFinishedAt == nil || !r.LastFinishedAt.Before(*f.FinishedBefore)) {
		return false
	}
	if f.InFlight != nil && *f.InFlight != inFlight(r) {
		return false
	}
	return true
}

func inFlight(r Record) bool {
	if r.LockedAt == nil {
		return false
	}
	return r.LastFinishedAt == nil || r.LastFinishedAt.Before(*r.LockedAt)
}

// SortField names an orderable column.
type SortField string

const (
	SortPriority       SortField = "priority"
	SortNextRunAt      SortField = "nextRunAt"
	SortLastRunAt      SortField = "lastRunAt"
	SortLastFinishedAt SortField = "lastFinishedAt"
	SortName           SortField = "name"
	SortFailCount      SortField = "failCount"
)

// Sort orders results by Field. Nil timestamps always sort last.
type Sort struct {
	Field SortField
	Desc  bool
}

// DispatchOrder is the poller's candidate ordering: priority desc, then nextRunAt asc.
var DispatchOrder = []Sort{{Field: SortPriority, Desc: true}, {Field: SortNextRunAt}}

// ParseSort accepts "field" or "-field" (descending), comma separated.
func ParseSort(raw string) ([]Sort, bool) {
	var out []Sort
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		desc := strings.HasPrefix(p, "-")
		p = strings.TrimPrefix(p, "-")
		f := SortField(p)
		if !f.Valid() {
			return nil, false
		}
		out = append(out, Sort{Field: f, Desc: desc})
	}
	return out, true
}

func (f SortField) Valid() bool {
	switch f {
	case SortPriority, SortNextRunAt, SortLastRunAt, SortLastFinishedAt, SortName, SortFailCount:
		return true
	}
	return false
}

// SortRecords orders recs in place; ties fall back to id for a stable result.
func SortRecords(recs []Record, order []Sort) {
	sort.SliceStable(recs, func(i, j int) bool {
		for _, s := range order {
			if c := compare(recs[i], recs[j], s); c != 0 {
				return c < 0
			}
		}
		return recs[i].ID < recs[j].ID
	})
}

func compare(a, b Record, s Sort) int {
	var c int
	switch s.Field {
	case SortPriority:
		c = cmpInt(a.Priority, b.Priority)
	case SortFailCount:
		c = cmpInt(a.FailCount, b.FailCount)
	case SortName:
		c = strings.Compare(a.Name, b.Name)
	case SortNextRunAt:
		return cmpTime(a.NextRunAt, b.NextRunAt, s.Desc)
	case SortLastRunAt:
		return cmpTime(a.LastRunAt, b.LastRunAt, s.Desc)
	case SortLastFinishedAt:
		return cmpTime(a.LastFinishedAt, b.LastFinishedAt, s.Desc)
	}
	if s.Desc {
		c = -c
	}
	return c
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// nil sorts after any value regardless of direction.
func cmpTime(a, b *time.Time, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c := a.Compare(*b)
	if desc {
		c = -c
	}
	return c
}

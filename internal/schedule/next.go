package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// LoadLocation resolves an IANA name. Empty means the process-local zone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSchedule, "timezone %q: %v", tz, err)
	}
	return loc, nil
}

// NextRun parses raw and returns the first instant strictly after from.
func NextRun(raw, tz string, from time.Time, skipImmediate bool) (time.Time, error) {
	s, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(tz, from, skipImmediate)
}

// Next returns the first instant strictly after from.
//
// Cron expressions are evaluated in tz. Intervals ignore tz and are a fixed offset
// from `from`; with skipImmediate, `from` is first rounded down to an interval
// boundary so runs align on multiples of the interval. Cron schedules already fire
// on calendar boundaries and ignore skipImmediate.
func (s Spec) Next(tz string, from time.Time, skipImmediate bool) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	switch s.Kind {
	case KindInterval:
		if s.Every.IsZero() {
			return time.Time{}, errors.Wrap(ErrInvalidSchedule, "empty interval")
		}
		base := from
		if skipImmediate && s.Every.Months == 0 {
			base = from.Truncate(s.Every.Dur)
		}
		next := s.Every.AddTo(base)
		if !next.After(from) {
			next = s.Every.AddTo(from)
		}
		return next, nil

	case KindCron:
		if s.sched == nil {
			return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "cron %q not parsed", s.Cron)
		}
		next := s.sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "cron %q never fires", s.Cron)
		}
		return next, nil
	}
	return time.Time{}, errors.Wrap(ErrInvalidSchedule, "unsupported schedule kind")
}

// Preview returns the next n instants after from.
func Preview(raw, tz string, from time.Time, n int) ([]time.Time, error) {
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next, err := s.Next(tz, t, false)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}

// FormatPreview renders up to n upcoming runs for debug logs.
func FormatPreview(raw, tz string, from time.Time, n int) string {
	times, err := Preview(raw, tz, from, n)
	if err != nil || len(times) == 0 {
		return ""
	}
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = t.Format(time.RFC3339)
	}
	return strings.Join(parts, ", ")
}

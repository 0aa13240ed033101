package schedule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseWhen resolves a one-shot schedule relative to now.
//
// Accepted: "now", "tomorrow", ISO/RFC3339 datetimes (zone-less forms are read in loc),
// and relative offsets "in 5 minutes" / "5 minutes" / "30s".
func ParseWhen(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.Wrap(ErrInvalidSchedule, "schedule required")
	}
	if loc == nil {
		loc = time.Local
	}

	switch strings.ToLower(s) {
	case "now":
		return now, nil
	case "tomorrow":
		return now.AddDate(0, 0, 1), nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	rel := strings.ToLower(s)
	rel = strings.TrimPrefix(rel, "in ")
	rel = strings.TrimSuffix(rel, " from now")
	if d, err := time.ParseDuration(rel); err == nil && d >= 0 {
		return now.Add(d), nil
	}
	if iv, err := ParseHuman(rel); err == nil {
		return iv.AddTo(now), nil
	}

	return time.Time{}, errors.WithHint(
		errors.Wrapf(ErrInvalidSchedule, "when %q", raw),
		"use 'now', an ISO datetime, or a relative time like 'in 5 minutes'",
	)
}

package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
)

// ErrInvalidSchedule is job.ErrInvalidSchedule; every parse failure wraps it.
var ErrInvalidSchedule = job.ErrInvalidSchedule

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "interval"
}

// Spec represents a parsed recurrence.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 9 * * 1", "*/10 * * * * *" (seconds), "@hourly", "@every 55m"
//   - Human interval: "5 seconds", "one minute", "2 days", "1 week", "1 month", "1 hour 30 minutes"
//   - Go duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Spec struct {
	Raw    string
	Kind   Kind
	Cron   string
	Every  Interval
	Source string // "cron" | "human" | "duration" | "hhmm"

	sched cron.Schedule
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse parses a schedule string into either a cron expression or an interval.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.Wrap(ErrInvalidSchedule, "schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(raw, strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(raw, strings.TrimSpace(s[len("every:"):]))
	}

	if strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}
	if iv, src, err := parseInterval(s); err == nil {
		return Spec{Raw: raw, Kind: KindInterval, Every: iv, Source: src}, nil
	}
	if strings.ContainsAny(s, " \t") {
		return parseCron(raw, s)
	}

	return Spec{}, errors.WithHint(
		errors.Wrapf(ErrInvalidSchedule, "%q", raw),
		"use cron like '*/5 * * * *', an interval like '5 seconds' or '55m', or HH:MM like '02:30'",
	)
}

// MustParse is Parse for static definitions known to be valid.
func MustParse(raw string) Spec {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCron(raw, expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, errors.Wrap(ErrInvalidSchedule, "cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, errors.WithHint(
			errors.Wrapf(ErrInvalidSchedule, "cron %q: %v", expr, err),
			"cron fields are: [second] minute hour day-of-month month day-of-week",
		)
	}
	return Spec{Raw: raw, Kind: KindCron, Cron: expr, Source: "cron", sched: sched}, nil
}

func parseIntervalSpec(raw, v string) (Spec, error) {
	iv, src, err := parseInterval(v)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Raw: raw, Kind: KindInterval, Every: iv, Source: src}, nil
}

func parseInterval(v string) (Interval, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Interval{}, "", errors.Wrap(ErrInvalidSchedule, "interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return Interval{Dur: d}, "hhmm", err
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d <= 0 {
			return Interval{}, "", errors.Wrap(ErrInvalidSchedule, "interval must be > 0")
		}
		return Interval{Dur: d}, "duration", nil
	}
	iv, err := ParseHuman(v)
	if err != nil {
		return Interval{}, "", err
	}
	return iv, "human", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Wrapf(ErrInvalidSchedule, "invalid HH:MM %q", v)
	}
	// safe parse: hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, errors.Wrapf(ErrInvalidSchedule, "invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.Wrap(ErrInvalidSchedule, "interval must be > 0")
	}
	return d, nil
}

// String renders the normalized form, e.g. "cron(0 9 * * 1)" or "every(5s)".
func (s Spec) String() string {
	if s.Kind == KindCron {
		return fmt.Sprintf("cron(%s)", s.Cron)
	}
	return fmt.Sprintf("every(%s)", s.Every)
}

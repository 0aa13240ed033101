package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Interval is a fixed offset. Months are calendar months (AddDate); everything
// smaller is an exact duration.
type Interval struct {
	Months int
	Dur    time.Duration
}

// AddTo returns t shifted by the interval.
func (iv Interval) AddTo(t time.Time) time.Time {
	if iv.Months != 0 {
		t = t.AddDate(0, iv.Months, 0)
	}
	return t.Add(iv.Dur)
}

func (iv Interval) IsZero() bool { return iv.Months == 0 && iv.Dur == 0 }

func (iv Interval) String() string {
	switch {
	case iv.Months == 0:
		return iv.Dur.String()
	case iv.Dur == 0:
		return fmt.Sprintf("%dmo", iv.Months)
	default:
		return fmt.Sprintf("%dmo%s", iv.Months, iv.Dur)
	}
}

var reHumanPart = regexp.MustCompile(`^(\d+(?:\.\d+)?|[a-z]+)\s*([a-z]+)\s*`)

var numberWords = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	"fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
}

var unitDurations = map[string]time.Duration{
	"ms": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

var unitMonths = map[string]int{
	"mo": 1, "month": 1, "months": 1,
	"y": 12, "yr": 12, "year": 12, "years": 12,
}

// ParseHuman parses intervals such as "5 seconds", "one minute", "1 hour and 30 minutes".
// A leading "every" is accepted.
func ParseHuman(raw string) (Interval, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "every ")
	s = strings.NewReplacer(",", " ", " and ", " ").Replace(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return Interval{}, errors.Wrapf(ErrInvalidSchedule, "interval %q", raw)
	}

	var iv Interval
	for s != "" {
		m := reHumanPart.FindStringSubmatch(s)
		if m == nil {
			return Interval{}, errors.Wrapf(ErrInvalidSchedule, "interval %q", raw)
		}
		s = s[len(m[0]):]

		n, ok := numberWords[m[1]]
		if !ok {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return Interval{}, errors.Wrapf(ErrInvalidSchedule, "interval %q: bad quantity %q", raw, m[1])
			}
			n = v
		}

		if d, ok := unitDurations[m[2]]; ok {
			iv.Dur += time.Duration(n * float64(d))
			continue
		}
		if mo, ok := unitMonths[m[2]]; ok {
			if n != math.Trunc(n) {
				return Interval{}, errors.Wrapf(ErrInvalidSchedule, "interval %q: fractional %s", raw, m[2])
			}
			iv.Months += int(n) * mo
			continue
		}
		return Interval{}, errors.Wrapf(ErrInvalidSchedule, "interval %q: unknown unit %q", raw, m[2])
	}

	if iv.Months < 0 || iv.Dur < 0 || iv.IsZero() {
		return Interval{}, errors.Wrapf(ErrInvalidSchedule, "interval %q must be > 0", raw)
	}
	return iv, nil
}

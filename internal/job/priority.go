package job

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	PriorityLowest  = -20
	PriorityLow     = -10
	PriorityNormal  = 0
	PriorityHigh    = 10
	PriorityHighest = 20
)

var namedPriorities = map[string]int{
	"lowest":  PriorityLowest,
	"low":     PriorityLow,
	"normal":  PriorityNormal,
	"high":    PriorityHigh,
	"highest": PriorityHighest,
}

// ParsePriority accepts a named priority ("low", "high", ...) or an integer.
// An empty string yields PriorityNormal.
func ParsePriority(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return PriorityNormal, nil
	}
	if p, ok := namedPriorities[s]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.WithHint(
			errors.Wrapf(ErrInvalidJob, "priority %q", raw),
			"use lowest, low, normal, high, highest or an integer",
		)
	}
	return n, nil
}

package engine

import (
	"time"

	rtsup "jobsched/internal/runtime/supervisor"
)

const (
	DefaultWorkers     = 8
	defaultHistorySize = 200
	// finalizeTimeout bounds the store writes after a handler returns; they run
	// even when the pool context is already canceled.
	finalizeTimeout = 30 * time.Second
)

// Config controls the execution pool.
type Config struct {
	// Workers is the number of executions the process runs at once.
	Workers     int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Outcome is how one execution ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	// OutcomeSkipped means the handler never ran: the record vanished, was
	// disabled, or stopped being due between claim and start.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes a finished execution.
type Result struct {
	ID        string
	Name      string
	Outcome   Outcome
	Started   time.Time
	Finished  time.Time
	Err       error
	NextRunAt *time.Time
	// Reason is set for skipped executions.
	Reason string
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool               `json:"running"`
	Workers  int                `json:"workers"`
	InFlight int                `json:"in_flight"`
	PerName  map[string]int     `json:"per_name,omitempty"`
	History  []HistoryItem      `json:"history,omitempty"`
	Executor rtsup.Snapshot     `json:"executor"`
	Counters map[Outcome]uint64 `json:"counters"`
}

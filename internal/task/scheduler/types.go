package scheduler

import (
	"time"

	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/task/engine"
)

const (
	DefaultProcessEvery = 30 * time.Second
	DefaultBatchSize    = 50
)

// Config controls the poll loop.
type Config struct {
	// Name identifies the process in events and logs. Defaults to host-pid.
	Name         string
	ProcessEvery time.Duration
	// BatchSize caps candidates fetched per tick.
	BatchSize int
	// Jitter adds a random delay in [0, Jitter) to every wait so processes
	// sharing a store do not poll in lockstep.
	Jitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProcessEvery <= 0 {
		c.ProcessEvery = DefaultProcessEvery
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// TickReport summarizes one scan-and-dispatch pass.
type TickReport struct {
	At         time.Time
	Took       time.Duration
	Candidates int
	Dispatched int
	// Skipped counts candidates left for a later tick, by reason.
	Skipped  map[string]int
	PoolFull bool
}

func (r *TickReport) skip(reason string) {
	if r.Skipped == nil {
		r.Skipped = map[string]int{}
	}
	r.Skipped[reason]++
}

type Snapshot struct {
	Name         string          `json:"name"`
	Running      bool            `json:"running"`
	ProcessEvery time.Duration   `json:"process_every"`
	BatchSize    int             `json:"batch_size"`
	Definitions  []string        `json:"definitions"`
	Polls        uint64          `json:"polls"`
	LastTick     *TickReport     `json:"last_tick,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Loop         rtsup.Snapshot  `json:"loop"`
	Engine       engine.Snapshot `json:"engine"`
}

package eventbus

import "time"

const (
	SchedulerReady = "scheduler.ready"
	SchedulerPoll  = "scheduler.poll"
	SchedulerError = "scheduler.error"
	SchedulerStop  = "scheduler.stopped"

	JobStarted   = "job.started"
	JobSucceeded = "job.succeeded"
	JobFailed    = "job.failed"
	JobSkipped   = "job.skipped"

	ConfigReloaded = "config.reloaded"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	// Reason explains a skip: "no_handler", "lock_contention", "not_due", "gone".
	Reason string `json:"reason,omitempty"`
}

// PollEvent is the payload of scheduler.poll.
type PollEvent struct {
	Scheduler  string        `json:"scheduler"`
	Candidates int           `json:"candidates"`
	Dispatched int           `json:"dispatched"`
	Took       time.Duration `json:"took"`
}

// ErrorEvent is the payload of scheduler.error.
type ErrorEvent struct {
	Scheduler string `json:"scheduler"`
	Op        string `json:"op"`
	Error     string `json:"error"`
}

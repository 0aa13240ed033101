package scheduler

import (
	"time"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

const reportThrottle = 30 * time.Second

// Skip reasons reported by the dispatcher itself; the engine adds its own.
const (
	ReasonNoHandler      = "no_handler"
	ReasonConcurrency    = "concurrency"
	ReasonLockContention = "lock_contention"
)

func (s *Service) reportMissingHandler(name, id string) {
	s.met.Skipped(name, ReasonNoHandler)
	eventbus.Emit(s.bus, eventbus.JobSkipped, eventbus.JobEvent{ID: id, Name: name, Reason: ReasonNoHandler})
	s.throttle.Warn(s.log, "no_handler:"+name, "no handler defined for job name",
		logx.String("job", name), logx.String("id", id))
}

// reportError logs a store failure (rate-limited per op) and always emits
// scheduler.error so observers see every occurrence.
func (s *Service) reportError(op string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err.Error()
	name := s.cfg.Name
	s.mu.Unlock()

	eventbus.Emit(s.bus, eventbus.SchedulerError, eventbus.ErrorEvent{Scheduler: name, Op: op, Error: err.Error()})
	s.throttle.Warn(s.log, "store:"+op, "scheduler store error", logx.String("op", op), logx.Err(err))
}

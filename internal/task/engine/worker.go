package engine

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/registry"
	"jobsched/internal/schedule"
	logx "jobsched/pkg/logx"
)

// Skip reasons, also used as event and metric labels.
const (
	ReasonGone           = "gone"
	ReasonDisabled       = "disabled"
	ReasonNotDue         = "not_due"
	ReasonLockContention = "lock_contention"
	ReasonStoreError     = "store_error"
)

// Execute runs one claimed record to completion on the calling goroutine.
//
// Order of effects: lastRunAt is written, the lock is renewed, the handler runs
// until that lock would go stale, the outcome is persisted, and the claim is
// released last.
func (s *Service) Execute(ctx context.Context, c lock.Claim, def registry.Definition) Result {
	log := s.log.With(logx.String("job", def.Name), logx.String("id", c.ID))
	start := s.locks.Now()
	res := Result{ID: c.ID, Name: def.Name, Started: start}

	rec, err := s.st.UpdateOne(ctx, c.ID, job.Patch{LastRunAt: job.SetTime(start)})
	switch {
	case errors.Is(err, job.ErrNotFound):
		return s.skip(ctx, log, res, c, ReasonGone, false)
	case err != nil:
		log.Warn("job start write failed", logx.Err(err))
		return s.skip(ctx, log, res, c, ReasonStoreError, true)
	case rec.LockedAt == nil || !rec.LockedAt.Equal(c.LockedAt):
		return s.skip(ctx, log, res, c, ReasonLockContention, false)
	case rec.Disabled:
		return s.skip(ctx, log, res, c, ReasonDisabled, true)
	case !rec.Due(start):
		return s.skip(ctx, log, res, c, ReasonNotDue, true)
	}

	// The lock lifetime restarts with the handler, so the handler deadline and
	// the lock going stale coincide.
	renewed, ok, err := s.locks.Renew(ctx, c)
	switch {
	case err != nil:
		log.Warn("job lock renew failed", logx.Err(err))
		return s.skip(ctx, log, res, c, ReasonStoreError, true)
	case !ok:
		return s.skip(ctx, log, res, c, ReasonLockContention, false)
	}
	c = renewed

	log.Debug("job started", logx.TimePtr("next_run_at", rec.NextRunAt))
	s.publish(eventbus.JobStarted, eventbus.JobEvent{ID: rec.ID, Name: rec.Name, Started: start})

	ex := &registry.Execution{Job: rec.Clone(), Data: rec.Clone().Data}
	runErr := s.invoke(ctx, log, c, def, ex)
	finish := s.locks.Now()

	// An abandoned handler may still be writing ex.Data.
	var data json.RawMessage
	if runErr == nil {
		data = ex.Data
	}
	patch, next := outcomePatch(rec, data, finish, runErr)
	res.Finished = finish
	res.Err = runErr
	res.NextRunAt = next
	switch {
	case runErr == nil:
		res.Outcome = OutcomeSucceeded
	case errors.Is(runErr, job.ErrHandlerTimeout):
		res.Outcome = OutcomeTimeout
	default:
		res.Outcome = OutcomeFailed
	}

	// The handler may have outlived ctx; the outcome still has to be stored.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if _, err := s.st.UpdateOne(wctx, rec.ID, patch); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			log.Debug("job removed during execution")
		} else {
			log.Error("job outcome write failed", logx.Err(err))
		}
	}
	if patch.Disabled != nil && *patch.Disabled {
		log.Warn("job disabled: next run not computable", logx.String("reason", *patch.FailReason))
	}
	if ok, err := s.locks.ReleaseClaim(wctx, c); err != nil {
		log.Error("job lock release failed", logx.Err(err))
	} else if !ok {
		log.Debug("job lock already taken over")
	}

	s.finish(log, res)
	return res
}

// invoke runs the handler until the claim's lock would go stale, which is one
// lock lifetime after lockedAt. On overrun the handler goroutine is abandoned;
// its lock is released by the caller so the job can run again, at-least-once
// semantics.
func (s *Service) invoke(ctx context.Context, log logx.Logger, c lock.Claim, def registry.Definition, ex *registry.Execution) error {
	lifetime := def.Options.LockLifetime
	if lifetime <= 0 {
		lifetime = registry.DefaultLockLifetime
	}
	budget := c.LockedAt.Add(lifetime).Sub(s.locks.Now())
	if budget <= 0 {
		return errors.Wrapf(job.ErrHandlerTimeout, "lock stale before start (lifetime %s)", lifetime)
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- errors.Mark(errors.Newf("panic: %v", r), job.ErrHandlerFailure)
			}
		}()
		done <- def.Handler(runCtx, ex)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
	}
	// A result that raced the deadline wins.
	select {
	case err := <-done:
		return err
	default:
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "execution aborted")
	}
	return errors.Wrapf(job.ErrHandlerTimeout, "after %s", lifetime)
}

// outcomePatch computes the record update for a finished run and the next run
// time it schedules, if any.
func outcomePatch(rec job.Record, data json.RawMessage, finish time.Time, runErr error) (job.Patch, *time.Time) {
	p := job.Patch{LastFinishedAt: job.SetTime(finish)}
	if runErr == nil {
		p.FailedAt = job.ClearTime()
		p.FailReason = job.String("")
		if json.Valid(data) && !job.DataEqual(data, rec.Data) {
			p.Data = job.RawData(data)
		}
	} else {
		p.FailedAt = job.SetTime(finish)
		p.FailReason = job.String(runErr.Error())
		p.IncFailCount = true
	}

	if !rec.Recurring() {
		p.NextRunAt = job.ClearTime()
		return p, nil
	}
	next, err := nextAfter(*rec.Repeat, finish)
	if err != nil {
		disabled := true
		p.Disabled = &disabled
		p.NextRunAt = job.ClearTime()
		p.FailedAt = job.SetTime(finish)
		p.FailReason = job.String("schedule: " + err.Error())
		return p, nil
	}
	p.NextRunAt = job.SetTime(next)
	return p, &next
}

// nextAfter evaluates the recurrence from the moment the run finished, so a
// slow run never schedules into the past.
func nextAfter(rp job.Repeat, finish time.Time) (time.Time, error) {
	next, err := schedule.NextRun(rp.Interval, rp.Timezone, finish, rp.SkipImmediate)
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC().Truncate(time.Microsecond), nil
}

func (s *Service) skip(ctx context.Context, log logx.Logger, res Result, c lock.Claim, reason string, release bool) Result {
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	res.Finished = res.Started
	if release {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if _, err := s.locks.ReleaseClaim(wctx, c); err != nil {
			log.Warn("job lock release failed", logx.Err(err))
		}
	}
	log.Debug("job skipped", logx.String("reason", reason))
	s.met.Skipped(res.Name, reason)
	s.publish(eventbus.JobSkipped, eventbus.JobEvent{ID: res.ID, Name: res.Name, Started: res.Started, Reason: reason})
	s.record(HistoryItem{ID: res.ID, Name: res.Name, Started: res.Started, Outcome: OutcomeSkipped, Error: reason})
	return res
}

func (s *Service) finish(log logx.Logger, res Result) {
	dur := res.Finished.Sub(res.Started)
	ev := eventbus.JobEvent{ID: res.ID, Name: res.Name, Started: res.Started, Duration: dur}
	item := HistoryItem{ID: res.ID, Name: res.Name, Started: res.Started, Duration: dur, Outcome: res.Outcome}

	if res.Err != nil {
		ev.Error = res.Err.Error()
		item.Error = ev.Error
		log.Warn("job failed", logx.Err(res.Err), logx.Duration("dur", dur), logx.TimePtr("next_run_at", res.NextRunAt))
		s.publish(eventbus.JobFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("job succeeded", logx.Duration("dur", dur), logx.TimePtr("next_run_at", res.NextRunAt))
		} else {
			log.Debug("job succeeded", logx.Duration("dur", dur), logx.TimePtr("next_run_at", res.NextRunAt))
		}
		s.publish(eventbus.JobSucceeded, ev)
	}
	s.met.ObserveExecution(res.Name, string(res.Outcome), dur)
	s.record(item)
}

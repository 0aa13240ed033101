package admin

import (
	"context"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/metrics"
	logx "jobsched/pkg/logx"
)

// Stats are store-wide aggregates at one instant. A job moving between states
// mid-query may be counted in both. Queued counts claimed jobs whose current
// claim has not finished; SuccessRate is Completed/Total in percent, 100 for an
// empty store.
type Stats struct {
	Total       int64   `json:"total"`
	Scheduled   int64   `json:"scheduled"`
	Queued      int64   `json:"queued"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"successRate"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.clock()
	var st Stats
	for _, q := range []struct {
		dst *int64
		f   job.Filter
	}{
		{&st.Total, job.Filter{}},
		{&st.Scheduled, job.Filter{Disabled: job.Bool(false), NextRunAfter: job.TimePtr(now)}},
		{&st.Queued, job.Filter{InFlight: job.Bool(true)}},
		{&st.Completed, job.Filter{Finished: job.Bool(true), Failed: job.Bool(false)}},
		{&st.Failed, job.Filter{Failed: job.Bool(true)}},
	} {
		n, err := s.st.Count(ctx, q.f)
		if err != nil {
			return Stats{}, err
		}
		*q.dst = n
	}
	st.SuccessRate = 100
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total) * 100
	}
	return st, nil
}

// Counts adapts Stats to the metrics exporter.
func (s *Service) Counts(ctx context.Context) (metrics.JobCounts, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return metrics.JobCounts{}, err
	}
	return metrics.JobCounts{
		Total:     st.Total,
		Scheduled: st.Scheduled,
		Queued:    st.Queued,
		Completed: st.Completed,
		Failed:    st.Failed,
	}, nil
}

// Purge deletes finished, never-failed jobs whose lastFinishedAt is older than
// daysOld days (DefaultPurgeDays when <= 0). Jobs that still have a next run or
// hold a lock are kept. Repeating it with the same cutoff deletes nothing more.
func (s *Service) Purge(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = DefaultPurgeDays
	}
	cutoff := s.clock().Add(-time.Duration(daysOld) * 24 * time.Hour)
	n, err := s.st.DeleteMany(ctx, job.Filter{
		Finished:       job.Bool(true),
		Failed:         job.Bool(false),
		FinishedBefore: &cutoff,
		HasNextRun:     job.Bool(false),
		Locked:         job.Bool(false),
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("jobs purged", logx.Int64("deleted", n), logx.Int("days_old", daysOld), logx.Time("cutoff", cutoff))
	return n, nil
}

// Package builtin ships the example job definitions a fresh scheduler seeds:
// a heartbeat email, nightly cleanup and a weekly report.
package builtin

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/registry"
	"jobsched/internal/task/admin"
	logx "jobsched/pkg/logx"
)

const (
	SendEmail       = "send email"
	CleanupDatabase = "cleanup database"
	GenerateReport  = "generate report"
)

type EmailData struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Counter int    `json:"counter"`
}

type CleanupData struct {
	OlderThanDays int `json:"olderThanDays"`
}

type ReportData struct {
	ReportType string `json:"reportType"`
}

// Seed is one recurring job created on first start.
type Seed struct {
	Name     string
	Interval string
	Data     any
}

// Seeds lists the default schedules.
func Seeds() []Seed {
	return []Seed{
		{SendEmail, "5 seconds", EmailData{
			To:      "user@example.com",
			Subject: "Hello from jobsched",
			Body:    "This is a test email.",
			Counter: 1,
		}},
		{CleanupDatabase, "0 0 * * *", CleanupData{OlderThanDays: 30}},
		{GenerateReport, "0 9 * * 1", ReportData{ReportType: "weekly-summary"}},
	}
}

type Jobs struct {
	admin *admin.Service
	log   logx.Logger
}

func New(adm *admin.Service, log logx.Logger) *Jobs {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Jobs{admin: adm, log: log.With(logx.String("comp", "builtin"))}
}

// Register defines the three handlers on reg.
func (j *Jobs) Register(reg *registry.Registry) error {
	if err := registry.DefineTyped(reg, SendEmail, registry.Options{}, j.sendEmail); err != nil {
		return err
	}
	if err := registry.DefineTyped(reg, CleanupDatabase, registry.Options{Concurrency: 1}, j.cleanup); err != nil {
		return err
	}
	return registry.DefineTyped(reg, GenerateReport, registry.Options{Concurrency: 1}, j.report)
}

// Seed schedules every default job that has no record yet. Existing records,
// including ones an operator edited or disabled, are left alone.
func (j *Jobs) Seed(ctx context.Context) error {
	for _, sd := range Seeds() {
		raw, err := json.Marshal(sd.Data)
		if err != nil {
			return errors.Wrapf(err, "encode %s seed", sd.Name)
		}
		rec, created, err := j.admin.Every(ctx, sd.Interval, sd.Name, raw, admin.EveryOptions{})
		if err != nil {
			return errors.Wrapf(err, "seed %s", sd.Name)
		}
		if created {
			j.log.Info("builtin job scheduled",
				logx.String("job", sd.Name),
				logx.String("every", sd.Interval),
				logx.TimePtr("next_run_at", rec.NextRunAt),
			)
		}
	}
	return nil
}

func (j *Jobs) sendEmail(ctx context.Context, rec job.Record, d *EmailData) error {
	j.log.Info("sending email",
		logx.String("id", rec.ID),
		logx.String("to", d.To),
		logx.String("subject", d.Subject),
		logx.Int("run", d.Counter),
	)
	d.Counter++
	return nil
}

func (j *Jobs) cleanup(ctx context.Context, rec job.Record, d *CleanupData) error {
	n, err := j.admin.Purge(ctx, d.OlderThanDays)
	if err != nil {
		return err
	}
	j.log.Info("cleanup done", logx.Int("older_than_days", d.OlderThanDays), logx.Int64("deleted", n))
	return nil
}

func (j *Jobs) report(ctx context.Context, rec job.Record, d *ReportData) error {
	if d.ReportType == "" {
		return errors.Wrap(job.ErrInvalidJob, "reportType required")
	}
	st, err := j.admin.Stats(ctx)
	if err != nil {
		return err
	}
	j.log.Info("report generated",
		logx.String("type", d.ReportType),
		logx.Int64("total", st.Total),
		logx.Int64("scheduled", st.Scheduled),
		logx.Int64("queued", st.Queued),
		logx.Int64("completed", st.Completed),
		logx.Int64("failed", st.Failed),
		logx.Float64("success_rate", st.SuccessRate),
	)
	return nil
}

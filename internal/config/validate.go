package config

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/schedule"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid config")

var knownDrivers = map[string]bool{"": true, "memory": true, "mem": true, "file": true, "sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true, "pg": true}

// Validate checks the whole config, reporting every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"scheduler.process_every": cfg.Scheduler.ProcessEvery,
		"scheduler.lock_lifetime": cfg.Scheduler.LockLifetime,
		"scheduler.jitter":        cfg.Scheduler.Jitter,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"metrics.read_timeout":    cfg.Metrics.ReadTimeout,
		"metrics.write_timeout":   cfg.Metrics.WriteTimeout,
		"metrics.idle_timeout":    cfg.Metrics.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	for path, n := range map[string]int{
		"scheduler.workers":             cfg.Scheduler.Workers,
		"scheduler.batch_size":          cfg.Scheduler.BatchSize,
		"scheduler.default_concurrency": cfg.Scheduler.DefaultConcurrency,
		"scheduler.history_size":        cfg.Scheduler.HistorySize,
		"storage.max_open_conns":        cfg.Storage.MaxOpenConns,
	} {
		if n < 0 {
			add(errors.Newf("%s: must be >= 0", path))
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch {
	case !knownDrivers[driver]:
		add(errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	case (driver == "postgres" || driver == "postgresql" || driver == "pg") && strings.TrimSpace(cfg.Storage.DSN) == "":
		add(errors.New("storage.dsn: required for postgres"))
	}

	seen := map[string]bool{}
	for i, jc := range cfg.Jobs {
		add(validateJob(i, jc, seen))
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	sort.Strings(msgs)
	out := errors.Mark(errors.Newf("%s: %s", ErrInvalid, strings.Join(msgs, "; ")), ErrInvalid)
	for _, e := range errs {
		if errors.Is(e, job.ErrInvalidSchedule) {
			return errors.Mark(out, job.ErrInvalidSchedule)
		}
	}
	return out
}

func validateJob(i int, jc JobConfig, seen map[string]bool) error {
	name := strings.TrimSpace(jc.Name)
	if name == "" {
		return errors.Newf("jobs[%d].name: required", i)
	}
	if seen[name] {
		return errors.Newf("jobs[%d].name: duplicate %q", i, name)
	}
	seen[name] = true
	if _, err := schedule.Parse(jc.Every); err != nil {
		return errors.Wrapf(err, "jobs[%d] %q: every", i, name)
	}
	if _, err := schedule.LoadLocation(jc.Timezone); err != nil {
		return errors.Wrapf(err, "jobs[%d] %q", i, name)
	}
	if _, err := job.ParsePriority(jc.Priority); err != nil {
		return errors.Wrapf(err, "jobs[%d] %q", i, name)
	}
	if len(jc.Data) > 0 && !json.Valid(jc.Data) {
		return errors.Newf("jobs[%d] %q: data is not valid JSON", i, name)
	}
	return nil
}

// SchedulerSettings is SchedulerConfig with durations parsed. Zero values mean
// "use the component default".
type SchedulerSettings struct {
	Name               string
	ProcessEvery       time.Duration
	LockLifetime       time.Duration
	Jitter             time.Duration
	Workers            int
	BatchSize          int
	DefaultConcurrency int
	HistorySize        int
}

func (c SchedulerConfig) Settings() (SchedulerSettings, error) {
	every, err := ParseDurationField("scheduler.process_every", c.ProcessEvery)
	if err != nil {
		return SchedulerSettings{}, err
	}
	lifetime, err := ParseDurationField("scheduler.lock_lifetime", c.LockLifetime)
	if err != nil {
		return SchedulerSettings{}, err
	}
	jitter, err := ParseDurationField("scheduler.jitter", c.Jitter)
	if err != nil {
		return SchedulerSettings{}, err
	}
	return SchedulerSettings{
		Name:               strings.TrimSpace(c.Name),
		ProcessEvery:       every,
		LockLifetime:       lifetime,
		Jitter:             jitter,
		Workers:            c.Workers,
		BatchSize:          c.BatchSize,
		DefaultConcurrency: c.DefaultConcurrency,
		HistorySize:        c.HistorySize,
	}, nil
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// restartOnly lists sections a running process cannot apply.
var restartOnly = map[string]bool{"storage": true}

// SummarizeChange returns the changed section names and log-safe attrs
// describing them. Secrets (DSN, token) are only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		n := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.process_every", strings.TrimSpace(n.ProcessEvery)),
			logx.String("scheduler.lock_lifetime", strings.TrimSpace(n.LockLifetime)),
			logx.Int("scheduler.workers", n.Workers),
			logx.Int("scheduler.batch_size", n.BatchSize),
			logx.Int("scheduler.default_concurrency", n.DefaultConcurrency),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(o.Driver) != strings.TrimSpace(n.Driver) ||
		strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
		o.DSN != n.DSN ||
		strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout) ||
		o.MaxOpenConns != n.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.dsn_set", n.DSN != ""),
		)
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om != nm {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.pprof", nm.Pprof),
			logx.Bool("metrics.token_set", strings.TrimSpace(nm.Token) != ""),
		)
	}

	if oldCfg.Builtin != newCfg.Builtin {
		changed = append(changed, "builtin")
		attrs = append(attrs, logx.Bool("builtin.enabled", newCfg.Builtin.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports which of the changed sections only take effect after a restart.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if restartOnly[c] {
			out = append(out, c)
		}
	}
	return out
}

package app

import (
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/observability/httpd"
	"jobsched/internal/registry"
	"jobsched/internal/store"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

const defaultSQLiteBusy = time.Second

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultSQLiteBusy)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

// runtimeConfigs is everything a hot reload can change on the scheduling side.
type runtimeConfigs struct {
	scheduler scheduler.Config
	engine    engine.Config
	defaults  registry.Options
}

func mapRuntime(cfg *config.Config) (runtimeConfigs, error) {
	st, err := cfg.Scheduler.Settings()
	if err != nil {
		return runtimeConfigs{}, err
	}
	return runtimeConfigs{
		scheduler: scheduler.Config{
			Name:         st.Name,
			ProcessEvery: st.ProcessEvery,
			BatchSize:    st.BatchSize,
			Jitter:       st.Jitter,
		},
		engine: engine.Config{
			Workers:     st.Workers,
			HistorySize: st.HistorySize,
		},
		defaults: registry.Options{
			Concurrency:  st.DefaultConcurrency,
			LockLifetime: st.LockLifetime,
		},
	}, nil
}

func mapHTTP(cfg *config.Config) (httpd.Config, error) {
	mc := cfg.Metrics
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpd.Config{}, err
	}
	// 0 keeps /debug/pprof/profile (30s+) working.
	write, err := config.ParseDurationField("metrics.write_timeout", mc.WriteTimeout)
	if err != nil {
		return httpd.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, time.Minute)
	if err != nil {
		return httpd.Config{}, err
	}
	return httpd.Config{
		Enabled:       mc.Enabled,
		Addr:          strings.TrimSpace(mc.Addr),
		MetricsPath:   mc.Path,
		Pprof:         mc.Pprof,
		PprofPrefix:   mc.PprofPrefix,
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

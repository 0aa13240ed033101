package config

import "encoding/json"

// Config is the on-disk configuration. JSON and YAML are both accepted; unknown
// keys are rejected so typos surface on load and on hot reload.
//
// Durations are Go duration strings ("500ms", "30s", "10m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
	Builtin   BuiltinConfig   `json:"builtin"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes the poll loop and the worker pool.
//
// Defaults (when omitted/zero):
//   - process_every: "30s"
//   - lock_lifetime: "10m" (also the handler timeout)
//   - workers: 8
//   - batch_size: 50
//   - default_concurrency: 1
//   - name: "<hostname>-<pid>"
//   - jitter: "0s"
//   - history_size: 200
type SchedulerConfig struct {
	Name               string `json:"name,omitempty"`
	ProcessEvery       string `json:"process_every,omitempty"`
	LockLifetime       string `json:"lock_lifetime,omitempty"`
	Workers            int    `json:"workers,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	DefaultConcurrency int    `json:"default_concurrency,omitempty"`
	Jitter             string `json:"jitter,omitempty"`
	HistorySize        int    `json:"history_size,omitempty"`
}

// StorageConfig selects the job store. Changing it requires a restart.
//
// Example:
//
//	storage: { driver: sqlite, path: ./jobsched.db }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres only; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// MetricsConfig controls the optional HTTP server exposing /metrics, /status
// and pprof.
//
// Prefer a loopback addr. A non-loopback addr needs a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path          string `json:"path,omitempty"` // default: "/metrics"
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type BuiltinConfig struct {
	Enabled bool `json:"enabled"`
}

// JobConfig is a recurring job ensured on every start. An existing record with
// the same name is left untouched.
type JobConfig struct {
	Name          string          `json:"name"`
	Every         string          `json:"every"`
	Timezone      string          `json:"timezone,omitempty"`
	Priority      string          `json:"priority,omitempty"`
	SkipImmediate bool            `json:"skip_immediate,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Package app wires the scheduler process together: config, logging, the job
// store, the poll loop and worker pool, the admin façade and the HTTP endpoints.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/builtin"
	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/lock"
	"jobsched/internal/metrics"
	"jobsched/internal/observability/httpd"
	"jobsched/internal/registry"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/store"
	"jobsched/internal/task/admin"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemd"
)

const countsTimeout = 2 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	met  *metrics.Metrics

	store   store.Store
	locks   *lock.Manager
	reg     *registry.Registry
	engine  *engine.Service
	sched   *scheduler.Service
	admin   *admin.Service
	builtin *builtin.Jobs
	http    *httpd.Service
}

// New loads and validates the config, opens the store and builds every
// component without starting any goroutine. Config errors are returned as-is
// and are meant to be fatal.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", cfgPath)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return fail(err)
	}
	rt, err := mapRuntime(cfg)
	if err != nil {
		return fail(err)
	}
	hc, err := mapHTTP(cfg)
	if err != nil {
		return fail(err)
	}

	st, err := store.Open(ctx, sc, log)
	if err != nil {
		return fail(errors.Wrap(err, "open store"))
	}

	bus := eventbus.New()
	met := metrics.New()
	locks := lock.New(st)
	reg := registry.New(rt.defaults)
	throttle := logx.NewThrottle(30*time.Second, 1)

	eng := engine.New(rt.engine, st, locks,
		engine.WithLogger(log.With(logx.String("comp", "engine"))),
		engine.WithBus(bus),
		engine.WithMetrics(met),
	)
	sched := scheduler.New(rt.scheduler, st, locks, reg, eng,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(met),
		scheduler.WithThrottle(throttle),
	)
	adm := admin.New(st,
		admin.WithRegistry(reg),
		admin.WithLogger(log.With(logx.String("comp", "admin"))),
		admin.WithClock(locks.Now),
	)
	if err := met.RegisterCounts(adm.Counts, countsTimeout); err != nil {
		_ = st.Close()
		return fail(errors.Wrap(err, "register job gauges"))
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		met:     met,
		store:   st,
		locks:   locks,
		reg:     reg,
		engine:  eng,
		sched:   sched,
		admin:   adm,
		builtin: builtin.New(adm, log),
	}
	a.http = httpd.New(hc, met.Registry(), a.Status, log.With(logx.String("comp", "httpd")))

	if cfg.Builtin.Enabled {
		if err := a.builtin.Register(reg); err != nil {
			_ = st.Close()
			return fail(err)
		}
	}
	return a, nil
}

// Registry is where embedding code defines handlers, before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Admin() *admin.Service { return a.admin }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start seeds configured jobs, then launches the poll loop, the HTTP server,
// the config watcher and the systemd watchdog.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	if cfg.Builtin.Enabled {
		if err := a.builtin.Seed(ctx); err != nil {
			return err
		}
	}
	if err := a.ensureJobs(ctx, cfg.Jobs); err != nil {
		return err
	}

	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log, a.Healthy)
	})

	a.log.Info("app started",
		logx.String("scheduler", a.sched.Name()),
		logx.String("config", a.cfgm.Path()),
		logx.Strings("definitions", a.reg.Names()),
	)
	return nil
}

// Healthy reports whether the poll loop is alive.
func (a *App) Healthy() bool {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return false
	}
	return a.sched.Snapshot().Running
}

// Status is the /status document.
type Status struct {
	Healthy   bool               `json:"healthy"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Jobs      *admin.Stats       `json:"jobs,omitempty"`
	JobsError string             `json:"jobs_error,omitempty"`
	App       rtsup.Snapshot     `json:"app"`
	HTTP      rtsup.Snapshot     `json:"http"`
}

func (a *App) Status() any {
	st := Status{
		Healthy:   a.Healthy(),
		Scheduler: a.sched.Snapshot(),
		App:       a.sup.Snapshot(),
		HTTP:      a.http.Supervisor().Snapshot(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), countsTimeout)
	defer cancel()
	if js, err := a.admin.Stats(ctx); err != nil {
		st.JobsError = err.Error()
	} else {
		st.Jobs = &js
	}
	return st
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

// Stop drains executions and closes everything. Each step is bounded by the
// remaining ctx deadline and by its own cap.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = errors.CombineErrors(errs, errors.Wrap(err, name))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// In-flight handlers may run up to their lock lifetime; give them most of the budget.
	step("scheduler", time.Minute, a.sched.Stop)
	step("httpd", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errs
}

// Close releases the store and log sinks of an App that was never started.
// One-shot CLI commands use it.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

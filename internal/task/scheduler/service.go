package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/metrics"
	"jobsched/internal/registry"
	"jobsched/internal/store"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"

	rtsup "jobsched/internal/runtime/supervisor"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	met *metrics.Metrics

	st     store.Store
	locks  *lock.Manager
	reg    *registry.Registry
	engine *engine.Service

	throttle *logx.Throttle
	runNow   chan struct{}
	sup      *rtsup.Supervisor

	polls    atomic.Uint64
	lastTick *TickReport
	lastErr  string
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.met = m } }
func WithThrottle(t *logx.Throttle) Option { return func(s *Service) { s.throttle = t } }

func New(cfg Config, st store.Store, locks *lock.Manager, reg *registry.Registry, eng *engine.Service, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = defaultName()
	}
	s := &Service{
		cfg:      cfg,
		log:      logx.Nop(),
		st:       st,
		locks:    locks,
		reg:      reg,
		engine:   eng,
		throttle: logx.NewThrottle(reportThrottle, 1),
		runNow:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("scheduler", cfg.Name))
	return s
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobsched"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (s *Service) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Name
}

// Apply swaps tuning at runtime. A new period takes effect after the current wait.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = s.cfg.Name
	}
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("scheduler reconfigured",
			logx.Duration("process_every", cfg.ProcessEvery),
			logx.Int("batch_size", cfg.BatchSize),
		)
	}
}

// Start launches the worker pool and the supervised poll loop. The first pass
// runs immediately.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.engine.Start(ctx)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup = sup
	cfg := s.cfg
	s.mu.Unlock()

	sup.GoRestart("poller", s.loop,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("scheduler started",
		logx.Duration("process_every", cfg.ProcessEvery),
		logx.Int("batch_size", cfg.BatchSize),
		logx.Int("definitions", s.reg.Len()),
	)
	eventbus.Emit(s.bus, eventbus.SchedulerReady, cfg.Name)
}

// Stop ends polling, then drains in-flight executions until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	name := s.cfg.Name
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	start := time.Now()
	s.log.Info("scheduler stop requested")
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("poll loop did not stop in time", logx.Err(err))
	}
	drainErr := s.engine.Stop(ctx)
	eventbus.Emit(s.bus, eventbus.SchedulerStop, name)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return drainErr
}

// RunNow requests an immediate pass without waiting for it.
func (s *Service) RunNow() {
	select {
	case s.runNow <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		wait := s.cfg.ProcessEvery
		if j := s.cfg.Jitter; j > 0 {
			wait += rand.N(j)
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.runNow:
			t.Stop()
		case <-t.C:
		}
	}
}

// Tick runs one scan-and-dispatch pass at the lock manager's clock. A store
// failure aborts the pass and is returned; the next tick retries.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	begin := time.Now()
	now := s.locks.Now()
	rep := TickReport{At: now}

	s.mu.Lock()
	batch := s.cfg.BatchSize
	name := s.cfg.Name
	s.mu.Unlock()

	cands, err := s.scanDue(ctx, now, batch)
	if err != nil {
		err = errors.Wrap(err, "scan due jobs")
		s.reportError("scan", err)
		s.finishTick(&rep, begin, name, err)
		return rep, err
	}
	rep.Candidates = len(cands)
	s.reportUnhandled(ctx, now, batch, &rep)

dispatch:
	for _, rec := range cands {
		def, ok := s.reg.Lookup(rec.Name)
		if !ok {
			// Undefined between the scan and now.
			rep.skip(ReasonNoHandler)
			s.reportMissingHandler(rec.Name, rec.ID)
			continue
		}
		// Options may have been reloaded since the scan.
		if !rec.Eligible(now, def.Options.LockLifetime) {
			rep.skip(ReasonLockContention)
			continue
		}

		slot, err := s.engine.TryReserve(def.Name, def.Options.Concurrency)
		switch {
		case errors.Is(err, engine.ErrNameBusy):
			rep.skip(ReasonConcurrency)
			s.met.Skipped(def.Name, ReasonConcurrency)
			continue
		case errors.Is(err, engine.ErrPoolFull):
			rep.PoolFull = true
			break dispatch
		case err != nil:
			break dispatch
		}

		c, ok, err := s.locks.TryClaim(ctx, rec, def.Options.LockLifetime)
		if err != nil {
			slot.Release()
			s.reportError("claim", err)
			continue
		}
		if !ok {
			slot.Release()
			rep.skip(ReasonLockContention)
			s.met.Skipped(def.Name, ReasonLockContention)
			s.log.Debug("job claimed elsewhere", logx.String("job", rec.Name), logx.String("id", rec.ID),
				logx.Err(job.ErrLockContention))
			continue
		}
		if err := s.engine.Dispatch(slot, c, def); err != nil {
			// Pool stopped under us: hand the job straight back.
			if _, rerr := s.locks.ReleaseClaim(context.WithoutCancel(ctx), c); rerr != nil {
				s.reportError("release", rerr)
			}
			break dispatch
		}
		rep.Dispatched++
	}

	s.finishTick(&rep, begin, name, nil)
	return rep, nil
}

// scanDue fetches due records of defined names only, so records this process
// cannot run never crowd its own out of the batch. Each group of names is
// scanned with its own lock lifetime.
func (s *Service) scanDue(ctx context.Context, now time.Time, batch int) ([]job.Record, error) {
	var cands []job.Record
	for lifetime, names := range s.reg.NamesByLockLifetime() {
		f := job.DueFilter(now, lifetime)
		f.Names = names
		recs, err := s.st.FindMany(ctx, f, store.FindOptions{Sort: job.DispatchOrder, Limit: batch})
		if err != nil {
			return nil, err
		}
		cands = append(cands, recs...)
	}
	job.SortRecords(cands, job.DispatchOrder)
	if len(cands) > batch {
		cands = cands[:batch]
	}
	return cands, nil
}

// reportUnhandled surfaces due records whose name has no definition here.
// They are left untouched for processes that do define them.
func (s *Service) reportUnhandled(ctx context.Context, now time.Time, batch int, rep *TickReport) {
	f := job.DueFilter(now, s.reg.MinLockLifetime())
	f.ExcludeNames = s.reg.Names()
	recs, err := s.st.FindMany(ctx, f, store.FindOptions{Sort: job.DispatchOrder, Limit: batch})
	if err != nil {
		s.reportError("scan_unhandled", err)
		return
	}
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		rep.skip(ReasonNoHandler)
		if seen[rec.Name] {
			continue
		}
		seen[rec.Name] = true
		s.reportMissingHandler(rec.Name, rec.ID)
	}
}

func (s *Service) finishTick(rep *TickReport, begin time.Time, name string, err error) {
	rep.Took = time.Since(begin)
	s.polls.Add(1)
	s.met.ObservePoll(rep.Took, rep.Dispatched, err)

	snap := *rep
	s.mu.Lock()
	s.lastTick = &snap
	s.mu.Unlock()

	eventbus.Emit(s.bus, eventbus.SchedulerPoll, eventbus.PollEvent{
		Scheduler:  name,
		Candidates: rep.Candidates,
		Dispatched: rep.Dispatched,
		Took:       rep.Took,
	})
	if rep.Dispatched > 0 || rep.PoolFull {
		s.log.Debug("poll pass", logx.Int("candidates", rep.Candidates), logx.Int("dispatched", rep.Dispatched),
			logx.Bool("pool_full", rep.PoolFull), logx.Duration("took", rep.Took))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	sup := s.sup
	var last *TickReport
	if s.lastTick != nil {
		cp := *s.lastTick
		last = &cp
	}
	lastErr := s.lastErr
	s.mu.Unlock()

	return Snapshot{
		Name:         cfg.Name,
		Running:      sup != nil,
		ProcessEvery: cfg.ProcessEvery,
		BatchSize:    cfg.BatchSize,
		Definitions:  s.reg.Names(),
		Polls:        s.polls.Load(),
		LastTick:     last,
		LastError:    lastErr,
		Loop:         sup.Snapshot(),
		Engine:       s.engine.Snapshot(),
	}
}

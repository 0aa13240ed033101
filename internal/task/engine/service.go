package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/lock"
	"jobsched/internal/metrics"
	"jobsched/internal/registry"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"

	rtsup "jobsched/internal/runtime/supervisor"
)

// Service is the execution pool of one scheduler process.
//
// The dispatcher reserves a Slot (global capacity plus the job name's
// concurrency group), claims the record, then hands both to Dispatch. Each
// execution runs on its own supervised goroutine and gives the slot back when
// the record is finalized and its lock released.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	met *metrics.Metrics

	st    store.Store
	locks *lock.Manager

	global *groupSemaphore
	groups groupLimiterStore

	sup     *rtsup.Supervisor
	running bool
	active  int
	idle    chan struct{}

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem
	counts  map[Outcome]uint64
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.met = m } }

// New builds a stopped pool. Timestamps come from the lock manager's clock.
func New(cfg Config, st store.Store, locks *lock.Manager, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		log:    logx.Nop(),
		st:     st,
		locks:  locks,
		global: newGroupSemaphore(cfg.Workers),
		counts: map[Outcome]uint64{},
	}
	for _, o := range opts {
		o(s)
	}
	s.met.SetSlots(cfg.Workers)
	return s
}

// Start enables dispatching. Executions get a context detached from ctx's
// cancellation so a shutdown signal lets them drain; Stop cancels them when its
// own deadline passes.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	s.running = true
	s.log.Info("worker pool started", logx.Int("workers", s.cfg.Workers))
}

// Stop refuses new work and waits for in-flight executions. If ctx ends first,
// the remaining handlers are canceled and abandoned; their locks expire normally.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.mu.Unlock()

	err := s.Wait(ctx)
	if err != nil {
		s.log.Warn("worker pool stop timed out, abandoning executions", logx.Int("in_flight", s.Active()), logx.Err(err))
	}
	sup.Cancel()
	if err == nil {
		s.log.Info("worker pool stopped")
	}
	return err
}

// Apply resizes the pool. Slots already reserved keep counting against the
// semaphore they came from until released.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.Workers != cfg.Workers {
		s.global = newGroupSemaphore(cfg.Workers)
	}
	s.mu.Unlock()
	if prev.Workers != cfg.Workers {
		s.met.SetSlots(cfg.Workers)
		s.log.Info("worker pool resized", logx.Int("from", prev.Workers), logx.Int("to", cfg.Workers))
	}
}

// Slot is a reserved unit of pool capacity.
type Slot struct {
	s      *Service
	global *groupSemaphore
	group  *groupSemaphore
	once   sync.Once
}

// Release returns the capacity. It is safe to call more than once.
func (sl *Slot) Release() {
	if sl == nil {
		return
	}
	sl.once.Do(func() {
		sl.group.release()
		sl.global.release()
		sl.s.met.SetInFlight(int(sl.s.inFlight.Add(-1)))
	})
}

// TryReserve takes a pool slot for name without blocking. It fails with
// ErrPoolFull when every worker is busy and ErrNameBusy when the name already
// runs limit executions in this process.
func (s *Service) TryReserve(name string, limit int) (*Slot, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	global := s.global
	s.mu.Unlock()

	if !global.tryAcquire() {
		return nil, ErrPoolFull
	}
	group := s.groups.get(name, limit)
	if !group.tryAcquire() {
		global.release()
		return nil, ErrNameBusy
	}
	s.met.SetInFlight(int(s.inFlight.Add(1)))
	return &Slot{s: s, global: global, group: group}, nil
}

// Dispatch runs the claimed record in the background. The slot is released when
// the execution is over, including when Dispatch itself fails.
func (s *Service) Dispatch(slot *Slot, c lock.Claim, def registry.Definition) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		slot.Release()
		return ErrStopped
	}
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
	sup := s.sup
	s.mu.Unlock()

	sup.Go("job."+def.Name, func(ctx context.Context) error {
		defer s.done()
		defer slot.Release()
		s.Execute(ctx, c, def)
		return nil
	})
	return nil
}

func (s *Service) done() {
	s.mu.Lock()
	s.active--
	if s.active == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	s.mu.Unlock()
}

// Active is the number of dispatched executions not yet finished.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until no execution is in flight or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.active == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	sup := s.sup
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	counts := make(map[Outcome]uint64, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	s.hmu.Unlock()

	return Snapshot{
		Running:  running,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		PerName:  s.groups.running(),
		History:  h,
		Executor: sup.Snapshot(),
		Counters: counts,
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.counts[item.Outcome]++
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

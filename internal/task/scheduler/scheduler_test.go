package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/registry"
	"jobsched/internal/schedule"
	"jobsched/internal/store"
	"jobsched/internal/task/engine"
)

var t0 = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	clock *fakeClock
	reg   *registry.Registry
	eng   *engine.Service
	sched *Service
	bus   eventbus.Bus
}

func newHarness(t *testing.T, st store.Store, workers int) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	locks := lock.New(st, lock.WithClock(clock.Now))
	reg := registry.New(registry.Options{})
	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: workers}, st, locks, engine.WithBus(bus))
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return &harness{
		clock: clock,
		reg:   reg,
		eng:   eng,
		bus:   bus,
		sched: New(Config{Name: "test", ProcessEvery: time.Second}, st, locks, reg, eng, WithBus(bus)),
	}
}

// tick runs one pass and waits for everything it dispatched.
func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	rep, err := h.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.drain(t)
	return rep
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Wait(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func seed(t *testing.T, st store.Store, r job.Record) string {
	t.Helper()
	id, err := st.Insert(context.Background(), r)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func load(t *testing.T, st store.Store, id string) job.Record {
	t.Helper()
	r, err := st.FindOne(context.Background(), job.Filter{IDs: []string{id}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	return r
}

func TestIntervalJobFiresOnlyOnceDue(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 4)
	var runs atomic.Int32
	if err := h.reg.Define("send email", registry.Options{}, func(context.Context, *registry.Execution) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	first, err := schedule.NextRun("5 seconds", "", t0, false)
	if err != nil {
		t.Fatal(err)
	}
	id := seed(t, st, job.Record{Name: "send email", NextRunAt: &first, Repeat: &job.Repeat{Interval: "5 seconds"}})

	for sec := 1; sec <= 4; sec++ {
		h.clock.Set(t0.Add(time.Duration(sec) * time.Second))
		h.tick(t)
		if runs.Load() != 0 {
			t.Fatalf("ran at t=%ds", sec)
		}
	}
	h.clock.Set(t0.Add(5 * time.Second))
	h.tick(t)
	h.clock.Set(t0.Add(6 * time.Second))
	h.tick(t)
	if runs.Load() != 1 {
		t.Fatalf("runs=%d", runs.Load())
	}
	got := load(t, st, id)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("nextRunAt=%v", got.NextRunAt)
	}
}

func TestFailingRecurringJobKeepsSchedule(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 4)
	if err := h.reg.Define("report", registry.Options{}, func(context.Context, *registry.Execution) error {
		return errors.New("upstream unavailable")
	}); err != nil {
		t.Fatal(err)
	}
	id := seed(t, st, job.Record{Name: "report", NextRunAt: job.TimePtr(t0), Repeat: &job.Repeat{Interval: "1 hour"}})

	for i := 1; i <= 3; i++ {
		h.tick(t)
		got := load(t, st, id)
		if got.FailCount != i || got.FailedAt == nil || got.FailReason != "upstream unavailable" {
			t.Fatalf("run %d: %+v", i, got)
		}
		want := h.clock.Now().Add(time.Hour)
		if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
			t.Fatalf("run %d: nextRunAt=%v want %v", i, got.NextRunAt, want)
		}
		h.clock.Set(want)
	}
}

func TestTwoSchedulersShareOneStore(t *testing.T) {
	st := store.NewMemory()
	a := newHarness(t, st, 4)
	b := newHarness(t, st, 4)

	var runs atomic.Int32
	release := make(chan struct{})
	handler := func(context.Context, *registry.Execution) error {
		runs.Add(1)
		<-release
		return nil
	}
	for _, h := range []*harness{a, b} {
		if err := h.reg.Define("cleanup database", registry.Options{Concurrency: 1}, handler); err != nil {
			t.Fatal(err)
		}
	}
	seed(t, st, job.Record{Name: "cleanup database", NextRunAt: job.TimePtr(t0)})

	var wg sync.WaitGroup
	reps := make([]TickReport, 2)
	for i, h := range []*harness{a, b} {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			reps[i], _ = h.sched.Tick(context.Background())
		}()
	}
	wg.Wait()
	if reps[0].Dispatched+reps[1].Dispatched != 1 {
		t.Fatalf("dispatched a=%d b=%d", reps[0].Dispatched, reps[1].Dispatched)
	}

	close(release)
	a.drain(t)
	b.drain(t)
	a.tick(t)
	b.tick(t)
	if runs.Load() != 1 {
		t.Fatalf("runs=%d", runs.Load())
	}
}

func TestMissingHandlerIsSkipped(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 4)
	events, unsub := eventbus.SubscribeTypes(h.bus, 4, eventbus.JobSkipped)
	defer unsub()
	id := seed(t, st, job.Record{Name: "ghost", NextRunAt: job.TimePtr(t0)})

	rep := h.tick(t)
	if rep.Candidates != 0 || rep.Skipped[ReasonNoHandler] != 1 || rep.Dispatched != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if got := load(t, st, id); got.LockedAt != nil || got.LastRunAt != nil {
		t.Fatalf("record touched: %+v", got)
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(eventbus.JobEvent); !ok || ev.Reason != ReasonNoHandler {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no skip event")
	}
}

func TestUndefinedNamesDoNotCrowdOutDefinedJobs(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 4)
	h.sched.Apply(Config{Name: "test", ProcessEvery: time.Second, BatchSize: 10})
	var runs atomic.Int32
	if err := h.reg.Define("mine", registry.Options{}, func(context.Context, *registry.Execution) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		seed(t, st, job.Record{Name: fmt.Sprintf("other-%d", i), Priority: job.PriorityHighest, NextRunAt: job.TimePtr(t0.Add(-time.Second))})
	}
	seed(t, st, job.Record{Name: "mine", NextRunAt: job.TimePtr(t0)})

	rep := h.tick(t)
	if runs.Load() != 1 || rep.Dispatched != 1 || rep.Candidates != 1 {
		t.Fatalf("runs=%d report=%+v", runs.Load(), rep)
	}
	if rep.Skipped[ReasonNoHandler] != 10 {
		t.Fatalf("no_handler skips=%d", rep.Skipped[ReasonNoHandler])
	}
}

func TestLongerLockLifetimeScannedSeparately(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 4)
	var runs atomic.Int32
	count := func(context.Context, *registry.Execution) error { runs.Add(1); return nil }
	if err := h.reg.Define("short", registry.Options{LockLifetime: time.Minute}, count); err != nil {
		t.Fatal(err)
	}
	if err := h.reg.Define("long", registry.Options{LockLifetime: time.Hour}, count); err != nil {
		t.Fatal(err)
	}
	// Stale for "short" but still held for "long".
	held := job.TimePtr(t0.Add(-10 * time.Minute))
	for i := 0; i < 5; i++ {
		seed(t, st, job.Record{Name: "long", Priority: job.PriorityHigh, NextRunAt: job.TimePtr(t0), LockedAt: held})
	}
	seed(t, st, job.Record{Name: "short", NextRunAt: job.TimePtr(t0), LockedAt: held})

	h.sched.Apply(Config{Name: "test", ProcessEvery: time.Second, BatchSize: 1})
	rep := h.tick(t)
	if runs.Load() != 1 || rep.Dispatched != 1 {
		t.Fatalf("runs=%d report=%+v", runs.Load(), rep)
	}
}

func TestConcurrencyLimitDefersSecondRun(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 4)
	release := make(chan struct{})
	if err := h.reg.Define("serial", registry.Options{Concurrency: 1}, func(context.Context, *registry.Execution) error {
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	first := seed(t, st, job.Record{Name: "serial", NextRunAt: job.TimePtr(t0)})
	second := seed(t, st, job.Record{Name: "serial", NextRunAt: job.TimePtr(t0)})

	rep, err := h.sched.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Dispatched != 1 || rep.Skipped[ReasonConcurrency] != 1 {
		t.Fatalf("report=%+v", rep)
	}
	close(release)
	h.drain(t)

	h.tick(t)
	for _, id := range []string{first, second} {
		if got := load(t, st, id); got.LastFinishedAt == nil {
			t.Fatalf("%s never ran", id)
		}
	}
}

func TestPriorityOrderAndPoolFull(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, 1)
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	for _, name := range []string{"low", "high", "normal"} {
		name := name
		if err := h.reg.Define(name, registry.Options{}, func(context.Context, *registry.Execution) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			<-release
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed(t, st, job.Record{Name: "low", Priority: job.PriorityLow, NextRunAt: job.TimePtr(t0.Add(-time.Hour))})
	seed(t, st, job.Record{Name: "high", Priority: job.PriorityHigh, NextRunAt: job.TimePtr(t0)})
	seed(t, st, job.Record{Name: "normal", Priority: job.PriorityNormal, NextRunAt: job.TimePtr(t0)})

	for i := 0; i < 3; i++ {
		rep, err := h.sched.Tick(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if rep.Dispatched != 1 {
			t.Fatalf("pass %d dispatched %d", i, rep.Dispatched)
		}
		if i < 2 && !rep.PoolFull {
			t.Fatalf("pass %d: pool should be full", i)
		}
		release <- struct{}{}
		h.drain(t)
	}
	if len(order) != 3 || order[0] != "high" || order[1] != "normal" || order[2] != "low" {
		t.Fatalf("order=%v", order)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) FindMany(context.Context, job.Filter, store.FindOptions) ([]job.Record, error) {
	return nil, errors.New("database is locked")
}

func TestStoreErrorIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, failingStore{store.NewMemory()}, 1)
	events, unsub := eventbus.SubscribeTypes(h.bus, 4, eventbus.SchedulerError)
	defer unsub()

	if _, err := h.sched.Tick(context.Background()); err == nil {
		t.Fatal("expected scan error")
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(eventbus.ErrorEvent); !ok || ev.Op != "scan" {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
	if snap := h.sched.Snapshot(); snap.LastError == "" || snap.Polls != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestStartRunsFirstPassAndStopDrains(t *testing.T) {
	st := store.NewMemory()
	locks := lock.New(st)
	reg := registry.New(registry.Options{})
	bus := eventbus.New()
	eng := engine.New(engine.Config{Workers: 2}, st, locks, engine.WithBus(bus))
	s := New(Config{Name: "live", ProcessEvery: time.Hour}, st, locks, reg, eng, WithBus(bus))

	if err := reg.Define("ping", registry.Options{}, func(context.Context, *registry.Execution) error { return nil }); err != nil {
		t.Fatal(err)
	}
	seed(t, st, job.Record{Name: "ping", NextRunAt: job.TimePtr(time.Now().Add(-time.Second))})
	done, unsub := eventbus.SubscribeTypes(bus, 4, eventbus.JobSucceeded)
	defer unsub()

	s.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on first pass")
	}

	// A second job is picked up on demand.
	seed(t, st, job.Record{Name: "ping", NextRunAt: job.TimePtr(time.Now().Add(-time.Second))})
	s.RunNow()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunNow did not trigger a pass")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Snapshot().Running {
		t.Fatal("still running after stop")
	}
}

package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/registry"
	"jobsched/internal/store"
)

var t0 = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st    *store.Memory
	locks *lock.Manager
	reg   *registry.Registry
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemory()
	locks := lock.New(st, lock.WithClock(func() time.Time { return t0 }))
	return &fixture{
		st:    st,
		locks: locks,
		reg:   registry.New(registry.Options{}),
		svc:   New(cfg, st, locks),
	}
}

func (f *fixture) seed(t *testing.T, r job.Record) job.Record {
	t.Helper()
	id, err := f.st.Insert(context.Background(), r)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return f.get(t, id)
}

func (f *fixture) get(t *testing.T, id string) job.Record {
	t.Helper()
	r, err := f.st.FindOne(context.Background(), job.Filter{IDs: []string{id}})
	if err != nil {
		t.Fatalf("find %s: %v", id, err)
	}
	return r
}

func (f *fixture) claim(t *testing.T, r job.Record, def registry.Definition) lock.Claim {
	t.Helper()
	c, ok, err := f.locks.TryClaim(context.Background(), r, def.Options.LockLifetime)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return c
}

func (f *fixture) define(t *testing.T, name string, opt registry.Options, h registry.Handler) registry.Definition {
	t.Helper()
	if err := f.reg.Define(name, opt, h); err != nil {
		t.Fatalf("define: %v", err)
	}
	def, _ := f.reg.Lookup(name)
	return def
}

func TestExecuteOneShotSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	def := f.define(t, "once", registry.Options{}, func(context.Context, *registry.Execution) error { return nil })
	rec := f.seed(t, job.Record{Name: "once", NextRunAt: job.TimePtr(t0)})

	res := f.svc.Execute(context.Background(), f.claim(t, rec, def), def)
	if res.Outcome != OutcomeSucceeded || res.Err != nil {
		t.Fatalf("result=%+v", res)
	}
	got := f.get(t, rec.ID)
	if got.NextRunAt != nil || got.LockedAt != nil {
		t.Fatalf("nextRunAt=%v lockedAt=%v", got.NextRunAt, got.LockedAt)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(t0) || got.LastFinishedAt == nil {
		t.Fatalf("lastRunAt=%v lastFinishedAt=%v", got.LastRunAt, got.LastFinishedAt)
	}
	if got.FailedAt != nil || got.FailCount != 0 {
		t.Fatalf("failure fields set: %+v", got)
	}
}

func TestExecuteRecurringPersistsData(t *testing.T) {
	f := newFixture(t, Config{})
	type payload struct {
		Counter int `json:"counter"`
	}
	if err := registry.DefineTyped(f.reg, "send email", registry.Options{}, func(_ context.Context, _ job.Record, p *payload) error {
		p.Counter++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	def, _ := f.reg.Lookup("send email")
	rec := f.seed(t, job.Record{
		Name:      "send email",
		Data:      json.RawMessage(`{"counter":0}`),
		NextRunAt: job.TimePtr(t0),
		Repeat:    &job.Repeat{Interval: "5 seconds"},
	})

	res := f.svc.Execute(context.Background(), f.claim(t, rec, def), def)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("result=%+v", res)
	}
	got := f.get(t, rec.ID)
	var p payload
	if err := json.Unmarshal(got.Data, &p); err != nil || p.Counter != 1 {
		t.Fatalf("data=%s err=%v", got.Data, err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("nextRunAt=%v", got.NextRunAt)
	}
	if got.LockedAt != nil {
		t.Fatal("lock not released")
	}
}

func TestExecuteFailureStillReschedules(t *testing.T) {
	f := newFixture(t, Config{})
	def := f.define(t, "flaky", registry.Options{}, func(context.Context, *registry.Execution) error {
		return errors.New("smtp down")
	})
	rec := f.seed(t, job.Record{Name: "flaky", NextRunAt: job.TimePtr(t0), Repeat: &job.Repeat{Interval: "1 minute"}, FailCount: 2})

	res := f.svc.Execute(context.Background(), f.claim(t, rec, def), def)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	got := f.get(t, rec.ID)
	if got.FailCount != 3 || got.FailReason != "smtp down" || got.FailedAt == nil {
		t.Fatalf("failure fields: %+v", got)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("nextRunAt=%v", got.NextRunAt)
	}
}

func TestSuccessClearsFailureButKeepsCount(t *testing.T) {
	f := newFixture(t, Config{})
	def := f.define(t, "ok", registry.Options{}, func(context.Context, *registry.Execution) error { return nil })
	rec := f.seed(t, job.Record{
		Name: "ok", NextRunAt: job.TimePtr(t0),
		FailedAt: job.TimePtr(t0.Add(-time.Hour)), FailReason: "old", FailCount: 4,
	})
	f.svc.Execute(context.Background(), f.claim(t, rec, def), def)
	got := f.get(t, rec.ID)
	if got.FailedAt != nil || got.FailReason != "" || got.FailCount != 4 {
		t.Fatalf("got %+v", got)
	}
}

func TestExecuteTimeoutAbandonsHandler(t *testing.T) {
	f := newFixture(t, Config{})
	unblock := make(chan struct{})
	defer close(unblock)
	def := f.define(t, "slow", registry.Options{LockLifetime: 20 * time.Millisecond}, func(context.Context, *registry.Execution) error {
		<-unblock
		return nil
	})
	rec := f.seed(t, job.Record{Name: "slow", NextRunAt: job.TimePtr(t0)})

	res := f.svc.Execute(context.Background(), f.claim(t, rec, def), def)
	if res.Outcome != OutcomeTimeout || !errors.Is(res.Err, job.ErrHandlerTimeout) {
		t.Fatalf("result=%+v", res)
	}
	got := f.get(t, rec.ID)
	if got.LockedAt != nil || got.FailCount != 1 {
		t.Fatalf("got %+v", got)
	}
}

type stepClock struct{ nanos atomic.Int64 }

func newStepClock(t time.Time) *stepClock {
	c := &stepClock{}
	c.Set(t)
	return c
}

func (c *stepClock) Now() time.Time  { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *stepClock) Set(t time.Time) { c.nanos.Store(t.UnixNano()) }

func TestHandlerDeadlineMatchesLockExpiry(t *testing.T) {
	clock := newStepClock(t0)
	st := store.NewMemory()
	locks := lock.New(st, lock.WithClock(clock.Now))
	f := &fixture{st: st, locks: locks, reg: registry.New(registry.Options{}), svc: New(Config{}, st, locks)}

	var (
		runs     atomic.Int32
		lockedAt *time.Time
		left     time.Duration
	)
	def := f.define(t, "slow", registry.Options{LockLifetime: time.Hour}, func(ctx context.Context, ex *registry.Execution) error {
		runs.Add(1)
		dl, _ := ctx.Deadline()
		left = time.Until(dl)
		cur, err := st.FindOne(ctx, job.Filter{IDs: []string{ex.Job.ID}})
		if err != nil {
			return err
		}
		lockedAt = cur.LockedAt
		return nil
	})

	// Claimed at t0, started 20ms before that claim would go stale.
	rec := f.seed(t, job.Record{Name: "slow", NextRunAt: job.TimePtr(t0)})
	c := f.claim(t, rec, def)
	start := t0.Add(time.Hour - 20*time.Millisecond)
	clock.Set(start)

	res := f.svc.Execute(context.Background(), c, def)
	if res.Outcome != OutcomeSucceeded || runs.Load() != 1 {
		t.Fatalf("result=%+v runs=%d", res, runs.Load())
	}
	if lockedAt == nil || !lockedAt.Equal(start) {
		t.Fatalf("lock during run=%v want %v", lockedAt, start)
	}
	if left <= 59*time.Minute || left > time.Hour {
		t.Fatalf("handler deadline in %v", left)
	}
	if got := f.get(t, rec.ID); got.LockedAt != nil {
		t.Fatalf("lock not released: %+v", got)
	}

	// Taken over after going stale: the old claim does not run.
	rec = f.seed(t, job.Record{Name: "slow", NextRunAt: job.TimePtr(start)})
	c = f.claim(t, rec, def)
	clock.Set(start.Add(2 * time.Hour))
	other := lock.New(st, lock.WithClock(clock.Now))
	if _, ok, err := other.TryClaim(context.Background(), f.get(t, rec.ID), time.Hour); err != nil || !ok {
		t.Fatalf("takeover: ok=%v err=%v", ok, err)
	}
	if res := f.svc.Execute(context.Background(), c, def); res.Outcome == OutcomeSucceeded || runs.Load() != 1 {
		t.Fatalf("superseded claim ran: result=%+v runs=%d", res, runs.Load())
	}
	if got := f.get(t, rec.ID); got.LockedAt == nil || !got.LockedAt.Equal(clock.Now()) {
		t.Fatalf("new owner's lock disturbed: %+v", got)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	f := newFixture(t, Config{})
	def := f.define(t, "boom", registry.Options{}, func(context.Context, *registry.Execution) error { panic("kaboom") })
	rec := f.seed(t, job.Record{Name: "boom", NextRunAt: job.TimePtr(t0)})

	res := f.svc.Execute(context.Background(), f.claim(t, rec, def), def)
	if !errors.Is(res.Err, job.ErrHandlerFailure) {
		t.Fatalf("err=%v", res.Err)
	}
	if got := f.get(t, rec.ID); got.FailReason != "panic: kaboom" || got.LockedAt != nil {
		t.Fatalf("got %+v", got)
	}
}

func TestExecuteSkips(t *testing.T) {
	f := newFixture(t, Config{})
	var calls atomic.Int32
	def := f.define(t, "x", registry.Options{}, func(context.Context, *registry.Execution) error {
		calls.Add(1)
		return nil
	})
	ctx := context.Background()

	disabled := f.seed(t, job.Record{Name: "x", NextRunAt: job.TimePtr(t0)})
	c := f.claim(t, disabled, def)
	on := true
	if _, err := f.st.UpdateOne(ctx, disabled.ID, job.Patch{Disabled: &on}); err != nil {
		t.Fatal(err)
	}
	if res := f.svc.Execute(ctx, c, def); res.Outcome != OutcomeSkipped || res.Reason != ReasonDisabled {
		t.Fatalf("result=%+v", res)
	}
	if got := f.get(t, disabled.ID); got.LockedAt != nil {
		t.Fatal("skipped job kept its lock")
	}

	moved := f.seed(t, job.Record{Name: "x", NextRunAt: job.TimePtr(t0)})
	c = f.claim(t, moved, def)
	if _, err := f.st.UpdateOne(ctx, moved.ID, job.Patch{NextRunAt: job.SetTime(t0.Add(time.Hour))}); err != nil {
		t.Fatal(err)
	}
	if res := f.svc.Execute(ctx, c, def); res.Reason != ReasonNotDue {
		t.Fatalf("result=%+v", res)
	}

	gone := f.seed(t, job.Record{Name: "x", NextRunAt: job.TimePtr(t0)})
	c = f.claim(t, gone, def)
	if _, err := f.st.DeleteMany(ctx, job.Filter{IDs: []string{gone.ID}}); err != nil {
		t.Fatal(err)
	}
	if res := f.svc.Execute(ctx, c, def); res.Reason != ReasonGone {
		t.Fatalf("result=%+v", res)
	}

	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestOutcomePatchUncomputableScheduleDisables(t *testing.T) {
	rec := job.Record{ID: "1", Name: "x", Repeat: &job.Repeat{Interval: "whenever it feels right"}}
	p, next := outcomePatch(rec, nil, t0, nil)
	if next != nil || p.Disabled == nil || !*p.Disabled {
		t.Fatalf("patch=%+v next=%v", p, next)
	}
	if p.NextRunAt == nil || p.NextRunAt.Valid || p.FailReason == nil || *p.FailReason == "" {
		t.Fatalf("patch=%+v", p)
	}
}

func TestNextAfterCountsFromFinish(t *testing.T) {
	rp := job.Repeat{Interval: "5 seconds"}
	next, err := nextAfter(rp, t0.Add(7*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(t0.Add(12 * time.Second)) {
		t.Fatalf("next=%v", next)
	}
	aligned, err := nextAfter(job.Repeat{Interval: "5 seconds", SkipImmediate: true}, t0.Add(7*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !aligned.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("aligned=%v", aligned)
	}
}

func TestTryReserveLimits(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	if _, err := f.svc.TryReserve("a", 1); !errors.Is(err, ErrStopped) {
		t.Fatalf("reserve before start: %v", err)
	}
	f.svc.Start(context.Background())
	defer f.svc.Stop(context.Background())

	a, err := f.svc.TryReserve("a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TryReserve("a", 1); !errors.Is(err, ErrNameBusy) {
		t.Fatalf("second a: %v", err)
	}
	b, err := f.svc.TryReserve("b", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TryReserve("c", 1); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("c: %v", err)
	}
	a.Release()
	a.Release()
	if _, err := f.svc.TryReserve("c", 1); err != nil {
		t.Fatalf("c after release: %v", err)
	}
	b.Release()
	if got := f.svc.Snapshot().InFlight; got != 1 {
		t.Fatalf("in flight=%d", got)
	}
}

func TestDispatchAndDrain(t *testing.T) {
	f := newFixture(t, Config{Workers: 4})
	release := make(chan struct{})
	def := f.define(t, "wait", registry.Options{}, func(context.Context, *registry.Execution) error {
		<-release
		return nil
	})
	rec := f.seed(t, job.Record{Name: "wait", NextRunAt: job.TimePtr(t0)})

	f.svc.Start(context.Background())
	slot, err := f.svc.TryReserve(def.Name, def.Options.Concurrency)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Dispatch(slot, f.claim(t, rec, def), def); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.svc.Wait(short); err == nil {
		t.Fatal("Wait returned with a running execution")
	}

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := f.svc.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.svc.Active() != 0 || f.svc.Snapshot().InFlight != 0 {
		t.Fatal("execution still accounted after drain")
	}
	if got := f.get(t, rec.ID); got.LastFinishedAt == nil || got.LockedAt != nil {
		t.Fatalf("got %+v", got)
	}
	if _, err := f.svc.TryReserve("wait", 1); !errors.Is(err, ErrStopped) {
		t.Fatalf("reserve after stop: %v", err)
	}
}

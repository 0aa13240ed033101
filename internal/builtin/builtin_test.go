package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/registry"
	"jobsched/internal/store"
	"jobsched/internal/task/admin"
	logx "jobsched/pkg/logx"
)

var t0 = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Memory, *registry.Registry, *Jobs) {
	t.Helper()
	st := store.NewMemory()
	adm := admin.New(st, admin.WithClock(func() time.Time { return t0 }))
	reg := registry.New(registry.Options{})
	j := New(adm, logx.Nop())
	if err := j.Register(reg); err != nil {
		t.Fatal(err)
	}
	return st, reg, j
}

func run(t *testing.T, reg *registry.Registry, rec job.Record) (json.RawMessage, error) {
	t.Helper()
	def, ok := reg.Lookup(rec.Name)
	if !ok {
		t.Fatalf("%s not registered", rec.Name)
	}
	ex := &registry.Execution{Job: rec, Data: rec.Data}
	err := def.Handler(context.Background(), ex)
	return ex.Data, err
}

func TestSeedOnce(t *testing.T) {
	st, reg, j := setup(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := j.Seed(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := st.Count(ctx, job.Filter{}); n != 3 {
		t.Fatalf("records=%d", n)
	}
	for _, name := range []string{SendEmail, CleanupDatabase, GenerateReport} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("%s not defined", name)
		}
		rec, err := st.FindOne(ctx, job.Filter{Name: name})
		if err != nil {
			t.Fatal(err)
		}
		if rec.Type != job.TypeRecurring || rec.NextRunAt == nil {
			t.Fatalf("%s: %+v", name, rec)
		}
	}

	email, _ := st.FindOne(ctx, job.Filter{Name: SendEmail})
	if !email.NextRunAt.Equal(t0.Add(5 * time.Second)) {
		t.Fatalf("email next=%v", email.NextRunAt)
	}
}

func TestSendEmailIncrementsCounter(t *testing.T) {
	_, reg, _ := setup(t)
	out, err := run(t, reg, job.Record{Name: SendEmail, Data: json.RawMessage(`{"to":"a@b.c","counter":4}`)})
	if err != nil {
		t.Fatal(err)
	}
	var d EmailData
	if err := json.Unmarshal(out, &d); err != nil {
		t.Fatal(err)
	}
	if d.Counter != 5 || d.To != "a@b.c" {
		t.Fatalf("data=%+v", d)
	}
}

func TestCleanupPurges(t *testing.T) {
	st, reg, _ := setup(t)
	ctx := context.Background()
	old := t0.Add(-40 * 24 * time.Hour)
	young := t0.Add(-10 * 24 * time.Hour)
	for _, r := range []job.Record{
		{Name: "old", LastFinishedAt: &old},
		{Name: "young", LastFinishedAt: &young},
	} {
		if _, err := st.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := run(t, reg, job.Record{Name: CleanupDatabase, Data: json.RawMessage(`{"olderThanDays":30}`)}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.FindOne(ctx, job.Filter{Name: "old"}); err == nil {
		t.Fatal("old record survived")
	}
	if _, err := st.FindOne(ctx, job.Filter{Name: "young"}); err != nil {
		t.Fatalf("young record purged: %v", err)
	}
}

func TestReport(t *testing.T) {
	_, reg, _ := setup(t)
	if _, err := run(t, reg, job.Record{Name: GenerateReport, Data: json.RawMessage(`{"reportType":"weekly-summary"}`)}); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, reg, job.Record{Name: GenerateReport}); err == nil {
		t.Fatal("missing reportType accepted")
	}
}

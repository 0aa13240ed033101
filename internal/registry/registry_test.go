package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

func noop(context.Context, *Execution) error { return nil }

func TestDefineDefaultsAndLastWins(t *testing.T) {
	r := New(Options{})

	if err := r.Define("cleanup", Options{}, noop); err != nil {
		t.Fatalf("Define: %v", err)
	}
	d, ok := r.Lookup("cleanup")
	if !ok {
		t.Fatal("definition not found")
	}
	if d.Options.Concurrency != 1 || d.Options.LockLifetime != DefaultLockLifetime {
		t.Fatalf("defaults not applied: %+v", d.Options)
	}

	if err := r.Define("cleanup", Options{Concurrency: 3, LockLifetime: time.Minute}, noop); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	d, _ = r.Lookup("cleanup")
	if d.Options.Concurrency != 3 || d.Options.LockLifetime != time.Minute {
		t.Fatalf("last definition should win: %+v", d.Options)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestDefineRejectsInvalid(t *testing.T) {
	r := New(Options{})
	if err := r.Define(" ", Options{}, noop); !errors.Is(err, job.ErrInvalidJob) {
		t.Fatalf("empty name: %v", err)
	}
	if err := r.Define("x", Options{}, nil); !errors.Is(err, job.ErrInvalidJob) {
		t.Fatalf("nil handler: %v", err)
	}
	if _, ok := r.Lookup("unknown"); ok {
		t.Fatal("unknown name found")
	}
}

func TestSetDefaultsAffectsUnsetOptionsOnly(t *testing.T) {
	r := New(Options{LockLifetime: time.Minute})
	_ = r.Define("a", Options{}, noop)
	_ = r.Define("b", Options{LockLifetime: 30 * time.Second}, noop)

	if got := r.MinLockLifetime(); got != 30*time.Second {
		t.Fatalf("min=%v", got)
	}

	r.SetDefaults(Options{LockLifetime: 5 * time.Second})
	a, _ := r.Lookup("a")
	b, _ := r.Lookup("b")
	if a.Options.LockLifetime != 5*time.Second || b.Options.LockLifetime != 30*time.Second {
		t.Fatalf("a=%v b=%v", a.Options.LockLifetime, b.Options.LockLifetime)
	}
	if got := r.MinLockLifetime(); got != 5*time.Second {
		t.Fatalf("min after reload=%v", got)
	}
}

func TestNamesByLockLifetime(t *testing.T) {
	r := New(Options{LockLifetime: time.Minute})
	_ = r.Define("c", Options{}, noop)
	_ = r.Define("a", Options{}, noop)
	_ = r.Define("b", Options{LockLifetime: time.Hour}, noop)

	groups := r.NamesByLockLifetime()
	if len(groups) != 2 {
		t.Fatalf("groups=%v", groups)
	}
	if got := groups[time.Minute]; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("minute group=%v", got)
	}
	if got := groups[time.Hour]; len(got) != 1 || got[0] != "b" {
		t.Fatalf("hour group=%v", got)
	}
}

type emailData struct {
	To      string `json:"to"`
	Counter int    `json:"counter"`
}

func TestDefineTypedRoundTripsData(t *testing.T) {
	r := New(Options{})
	err := DefineTyped(r, "send email", Options{}, func(ctx context.Context, rec job.Record, d *emailData) error {
		if rec.Name != "send email" {
			t.Errorf("record name=%q", rec.Name)
		}
		d.Counter++
		return nil
	})
	if err != nil {
		t.Fatalf("DefineTyped: %v", err)
	}

	d, _ := r.Lookup("send email")
	ex := &Execution{Job: job.Record{Name: "send email"}, Data: json.RawMessage(`{"to":"a@example.com","counter":4}`)}
	if err := d.Handler(context.Background(), ex); err != nil {
		t.Fatalf("handler: %v", err)
	}

	var out emailData
	if err := json.Unmarshal(ex.Data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Counter != 5 || out.To != "a@example.com" {
		t.Fatalf("data=%s", ex.Data)
	}

	bad := &Execution{Data: json.RawMessage(`"not an object"`)}
	if err := d.Handler(context.Background(), bad); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNamesSorted(t *testing.T) {
	r := New(Options{})
	for _, n := range []string{"send email", "cleanup database", "generate report"} {
		_ = r.Define(n, Options{}, noop)
	}
	got := r.Names()
	want := []string{"cleanup database", "generate report", "send email"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names=%v", got)
		}
	}
}

// Package registry maps job names to handlers and their execution options.
//
// A name must be defined before the dispatcher will claim records carrying it;
// records with unknown names are left untouched for a process that knows them.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
)

const (
	DefaultConcurrency  = 1
	DefaultLockLifetime = 10 * time.Minute
)

// Execution is what a handler sees for one run.
//
// Job is the record as it was when the run started. Data starts as a copy of
// Job.Data; whatever the handler leaves in it is persisted on success.
type Execution struct {
	Job  job.Record
	Data json.RawMessage
}

type Handler func(ctx context.Context, ex *Execution) error

// Options are per-name execution settings. Zero values fall back to registry defaults.
type Options struct {
	// Concurrency bounds simultaneous executions of the name within one process pool.
	Concurrency int
	// LockLifetime is both the handler timeout and the age after which a lock is stale.
	LockLifetime time.Duration
	// Priority is the default priority for records created through this definition.
	Priority int
}

type Definition struct {
	Name    string
	Options Options
	Handler Handler
}

type Registry struct {
	mu       sync.RWMutex
	defaults Options
	defs     map[string]Definition
}

func New(defaults Options) *Registry {
	return &Registry{defaults: normalizeDefaults(defaults), defs: map[string]Definition{}}
}

func normalizeDefaults(o Options) Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.LockLifetime <= 0 {
		o.LockLifetime = DefaultLockLifetime
	}
	return o
}

// SetDefaults swaps the fallback options. Definitions that set their own values keep them.
func (r *Registry) SetDefaults(o Options) {
	r.mu.Lock()
	r.defaults = normalizeDefaults(o)
	r.mu.Unlock()
}

// Define registers (or replaces) the handler for name.
func (r *Registry) Define(name string, opt Options, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.Wrap(job.ErrInvalidJob, "definition name required")
	}
	if h == nil {
		return errors.Wrapf(job.ErrInvalidJob, "definition %q: handler required", name)
	}
	if opt.Concurrency < 0 || opt.LockLifetime < 0 {
		return errors.Wrapf(job.ErrInvalidJob, "definition %q: negative option", name)
	}
	r.mu.Lock()
	r.defs[name] = Definition{Name: name, Options: opt, Handler: h}
	r.mu.Unlock()
	return nil
}

// DefineTyped registers a handler that works on a decoded view of the record data.
// Mutations to *T are marshaled back and persisted on success.
func DefineTyped[T any](r *Registry, name string, opt Options, fn func(ctx context.Context, rec job.Record, data *T) error) error {
	if fn == nil {
		return errors.Wrapf(job.ErrInvalidJob, "definition %q: handler required", name)
	}
	return r.Define(name, opt, func(ctx context.Context, ex *Execution) error {
		var v T
		if len(ex.Data) > 0 && string(ex.Data) != "null" {
			if err := json.Unmarshal(ex.Data, &v); err != nil {
				return errors.Wrapf(err, "decode %s data", name)
			}
		}
		if err := fn(ctx, ex.Job, &v); err != nil {
			return err
		}
		b, err := json.Marshal(&v)
		if err != nil {
			return errors.Wrapf(err, "encode %s data", name)
		}
		ex.Data = b
		return nil
	})
}

// Lookup returns the definition with defaults resolved.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, false
	}
	d.Options = r.resolveLocked(d.Options)
	return d, true
}

func (r *Registry) resolveLocked(o Options) Options {
	if o.Concurrency <= 0 {
		o.Concurrency = r.defaults.Concurrency
	}
	if o.LockLifetime <= 0 {
		o.LockLifetime = r.defaults.LockLifetime
	}
	return o
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// NamesByLockLifetime groups defined names by their effective lock lifetime.
func (r *Registry) NamesByLockLifetime() map[time.Duration][]string {
	r.mu.RLock()
	out := make(map[time.Duration][]string)
	for n, d := range r.defs {
		l := r.resolveLocked(d.Options).LockLifetime
		out[l] = append(out[l], n)
	}
	r.mu.RUnlock()
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// MinLockLifetime is the shortest effective lifetime across definitions, or the
// default when nothing is defined. The dispatcher scans with it so no candidate is
// filtered out before its own per-definition stale check.
func (r *Registry) MinLockLifetime() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	shortest := r.defaults.LockLifetime
	for _, d := range r.defs {
		if l := r.resolveLocked(d.Options).LockLifetime; l < shortest {
			shortest = l
		}
	}
	return shortest
}

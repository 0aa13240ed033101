// Package admin is the CRUD and statistics façade over the job store: what an
// operator surface (the CLI, an HTTP layer) calls to create, inspect, retry and
// purge jobs.
package admin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	"jobsched/internal/registry"
	"jobsched/internal/schedule"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
	DefaultPurgeDays = 7
)

type Service struct {
	st  store.Store
	reg *registry.Registry
	log logx.Logger
	now func() time.Time
}

type Option func(*Service)

// WithRegistry lets Create fall back to a definition's default priority.
func WithRegistry(r *registry.Registry) Option { return func(s *Service) { s.reg = r } }
func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(st store.Store, opts ...Option) *Service {
	s := &Service{st: st, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// CreateRequest mirrors the create contract. Schedule is a one-shot time
// ("now", an ISO datetime, "in 5 minutes"); RepeatInterval is a cron
// expression or human interval. When both are given Schedule sets the first run.
type CreateRequest struct {
	Name           string          `json:"name"`
	Data           json.RawMessage `json:"data,omitempty"`
	Schedule       string          `json:"schedule,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	RepeatInterval string          `json:"repeatInterval,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	SkipImmediate  bool            `json:"skipImmediate,omitempty"`
	Disabled       bool            `json:"disabled,omitempty"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (job.Record, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return job.Record{}, errors.Wrap(job.ErrInvalidJob, "name required")
	}
	rec := job.Record{Name: name, Data: req.Data, Disabled: req.Disabled, Type: job.TypeOnce}

	prio, err := s.priority(name, req.Priority)
	if err != nil {
		return job.Record{}, err
	}
	rec.Priority = prio

	now := s.clock()
	if iv := strings.TrimSpace(req.RepeatInterval); iv != "" {
		rp := job.Repeat{Interval: iv, Timezone: strings.TrimSpace(req.Timezone), SkipImmediate: req.SkipImmediate}
		next, err := schedule.NextRun(rp.Interval, rp.Timezone, now, rp.SkipImmediate)
		if err != nil {
			return job.Record{}, err
		}
		rec.Repeat = &rp
		rec.Type = job.TypeRecurring
		rec.NextRunAt = job.TimePtr(next.UTC().Truncate(time.Microsecond))
	}
	if strings.TrimSpace(req.Schedule) != "" {
		at, err := s.when(req.Schedule, req.Timezone, now)
		if err != nil {
			return job.Record{}, err
		}
		rec.NextRunAt = job.TimePtr(at)
	}
	if rec.NextRunAt == nil {
		rec.NextRunAt = job.TimePtr(now)
	}

	id, err := s.st.Insert(ctx, rec)
	if err != nil {
		return job.Record{}, err
	}
	rec.ID = id
	s.log.Info("job created", logx.String("job", rec.Name), logx.String("id", id), logx.TimePtr("next_run_at", rec.NextRunAt))
	return s.Get(ctx, id)
}

// EveryOptions tunes Every.
type EveryOptions struct {
	Timezone      string
	SkipImmediate bool
	Priority      string
}

// Every ensures one recurring job with this name exists. An existing record is
// returned untouched, with created=false, so restarts never duplicate seeds.
func (s *Service) Every(ctx context.Context, interval, name string, data json.RawMessage, opt EveryOptions) (rec job.Record, created bool, err error) {
	if _, err := schedule.Parse(interval); err != nil {
		return job.Record{}, false, err
	}
	existing, err := s.st.FindOne(ctx, job.Filter{Name: name})
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return job.Record{}, false, err
	}
	rec, err = s.Create(ctx, CreateRequest{
		Name:           name,
		Data:           data,
		Priority:       opt.Priority,
		RepeatInterval: interval,
		Timezone:       opt.Timezone,
		SkipImmediate:  opt.SkipImmediate,
	})
	return rec, err == nil, err
}

func (s *Service) Get(ctx context.Context, id string) (job.Record, error) {
	if strings.TrimSpace(id) == "" {
		return job.Record{}, errors.Wrap(job.ErrNotFound, "empty id")
	}
	return s.st.FindOne(ctx, job.Filter{IDs: []string{id}})
}

type ListRequest struct {
	Filter job.Filter
	Page   int
	Limit  int
	// Sort defaults to nextRunAt ascending.
	Sort []job.Sort
}

type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}

type Page struct {
	Data       []job.Record `json:"data"`
	Pagination Pagination   `json:"pagination"`
}

func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	page := max(req.Page, 1)
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)
	order := req.Sort
	if len(order) == 0 {
		order = []job.Sort{{Field: job.SortNextRunAt}}
	}

	total, err := s.st.Count(ctx, req.Filter)
	if err != nil {
		return Page{}, err
	}
	recs, err := s.st.FindMany(ctx, req.Filter, store.FindOptions{Sort: order, Skip: (page - 1) * limit, Limit: limit})
	if err != nil {
		return Page{}, err
	}
	if recs == nil {
		recs = []job.Record{}
	}
	return Page{
		Data: recs,
		Pagination: Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: int((total + int64(limit) - 1) / int64(limit)),
		},
	}, nil
}

// UpdateRequest is a partial update. Lock and execution fields are never written.
// An empty RepeatInterval turns a recurring job into a one-shot one.
type UpdateRequest struct {
	Name           *string          `json:"name,omitempty"`
	Data           *json.RawMessage `json:"data,omitempty"`
	Schedule       *string          `json:"schedule,omitempty"`
	Priority       *string          `json:"priority,omitempty"`
	Disabled       *bool            `json:"disabled,omitempty"`
	RepeatInterval *string          `json:"repeatInterval,omitempty"`
	Timezone       *string          `json:"timezone,omitempty"`
	SkipImmediate  *bool            `json:"skipImmediate,omitempty"`
}

func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (job.Record, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return job.Record{}, err
	}
	var p job.Patch
	if req.Name != nil {
		n := strings.TrimSpace(*req.Name)
		if n == "" {
			return job.Record{}, errors.Wrap(job.ErrInvalidJob, "name required")
		}
		p.Name = &n
	}
	if req.Data != nil {
		if len(*req.Data) > 0 && !json.Valid(*req.Data) {
			return job.Record{}, errors.Wrap(job.ErrInvalidJob, "data must be valid JSON")
		}
		p.Data = req.Data
	}
	if req.Priority != nil {
		prio, err := job.ParsePriority(*req.Priority)
		if err != nil {
			return job.Record{}, err
		}
		p.Priority = &prio
	}
	if req.Disabled != nil {
		p.Disabled = req.Disabled
	}

	now := s.clock()
	if req.RepeatInterval != nil || req.Timezone != nil || req.SkipImmediate != nil {
		var rp job.Repeat
		if cur.Repeat != nil {
			rp = *cur.Repeat
		}
		if req.RepeatInterval != nil {
			rp.Interval = strings.TrimSpace(*req.RepeatInterval)
		}
		if req.Timezone != nil {
			rp.Timezone = strings.TrimSpace(*req.Timezone)
		}
		if req.SkipImmediate != nil {
			rp.SkipImmediate = *req.SkipImmediate
		}
		if rp.Interval == "" {
			once := job.TypeOnce
			p.ClearRepeat = true
			p.Type = &once
		} else {
			next, err := schedule.NextRun(rp.Interval, rp.Timezone, now, rp.SkipImmediate)
			if err != nil {
				return job.Record{}, err
			}
			rec := job.TypeRecurring
			p.Repeat = &rp
			p.Type = &rec
			p.NextRunAt = job.SetTime(next.UTC().Truncate(time.Microsecond))
		}
	}
	if req.Schedule != nil {
		tz := ""
		if cur.Repeat != nil {
			tz = cur.Repeat.Timezone
		}
		if req.Timezone != nil {
			tz = *req.Timezone
		}
		at, err := s.when(*req.Schedule, tz, now)
		if err != nil {
			return job.Record{}, err
		}
		p.NextRunAt = job.SetTime(at)
	}
	// A recurring job re-enabled without a next run would never be picked up.
	if req.Disabled != nil && !*req.Disabled && p.NextRunAt == nil && !p.ClearRepeat &&
		cur.NextRunAt == nil && cur.Repeat != nil {
		rp := *cur.Repeat
		next, err := schedule.NextRun(rp.Interval, rp.Timezone, now, rp.SkipImmediate)
		if err != nil {
			return job.Record{}, err
		}
		p.NextRunAt = job.SetTime(next.UTC().Truncate(time.Microsecond))
	}
	if p.Empty() {
		return cur, nil
	}
	return s.st.UpdateOne(ctx, id, p)
}

// Delete removes the given ids and reports how many existed.
func (s *Service) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, errors.Wrap(job.ErrInvalidJob, "no ids given")
	}
	return s.st.DeleteMany(ctx, job.Filter{IDs: ids})
}

// DeleteMatching removes every record matching f. An empty filter is refused.
func (s *Service) DeleteMatching(ctx context.Context, f job.Filter) (int64, error) {
	if f.IsZero() {
		return 0, errors.WithHint(errors.Wrap(job.ErrInvalidJob, "empty filter"), "pass a name, ids or another predicate")
	}
	n, err := s.st.DeleteMany(ctx, f)
	if err == nil && n > 0 {
		s.log.Info("jobs deleted", logx.Int64("count", n))
	}
	return n, err
}

// Retry makes a failed job due now. Jobs that never failed are NotFound.
func (s *Service) Retry(ctx context.Context, id string) (job.Record, error) {
	if _, err := s.st.FindOne(ctx, job.Filter{IDs: []string{id}, Failed: job.Bool(true)}); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return job.Record{}, errors.Wrapf(job.ErrNotFound, "no failed job with id %s", id)
		}
		return job.Record{}, err
	}
	return s.st.UpdateOne(ctx, id, job.Patch{
		FailedAt:       job.ClearTime(),
		LastFinishedAt: job.ClearTime(),
		NextRunAt:      job.SetTime(s.clock()),
	})
}

// ResetFailures zeroes failCount and clears the failure fields.
func (s *Service) ResetFailures(ctx context.Context, id string) (job.Record, error) {
	return s.st.UpdateOne(ctx, id, job.Patch{
		FailCount:  job.Int(0),
		FailedAt:   job.ClearTime(),
		FailReason: job.String(""),
	})
}

func (s *Service) priority(name, raw string) (int, error) {
	if strings.TrimSpace(raw) != "" {
		return job.ParsePriority(raw)
	}
	if s.reg != nil {
		if def, ok := s.reg.Lookup(name); ok {
			return def.Options.Priority, nil
		}
	}
	return job.PriorityNormal, nil
}

func (s *Service) when(raw, tz string, now time.Time) (time.Time, error) {
	loc, err := schedule.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	at, err := schedule.ParseWhen(raw, now, loc)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC().Truncate(time.Microsecond), nil
}

package app

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/task/admin"
	logx "jobsched/pkg/logx"
)

// validate runs before a reloaded config is committed, on top of config.Validate.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapRuntime(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	_, err := mapStorage(cfg)
	return err
}

// ensureJobs creates each configured recurring job that has no record yet.
func (a *App) ensureJobs(ctx context.Context, jobs []config.JobConfig) error {
	for _, jc := range jobs {
		name := strings.TrimSpace(jc.Name)
		rec, created, err := a.admin.Every(ctx, jc.Every, name, jc.Data, admin.EveryOptions{
			Timezone:      jc.Timezone,
			SkipImmediate: jc.SkipImmediate,
			Priority:      jc.Priority,
		})
		if err != nil {
			return errors.Wrapf(err, "job %q", name)
		}
		if !created {
			continue
		}
		if _, ok := a.reg.Lookup(name); !ok {
			a.log.Warn("configured job has no handler; it will be skipped until one is defined", logx.String("job", name))
		}
		a.log.Info("configured job scheduled", logx.String("job", name), logx.String("every", jc.Every), logx.TimePtr("next_run_at", rec.NextRunAt))
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable parts of next into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogging(next))
	}
	if changed["scheduler"] {
		if rt, err := mapRuntime(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.reg.SetDefaults(rt.defaults)
			a.engine.Apply(rt.engine)
			a.sched.Apply(rt.scheduler)
		}
	}
	if changed["metrics"] {
		if hc, err := mapHTTP(next); err != nil {
			a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}
	if changed["builtin"] && next.Builtin.Enabled {
		if err := a.builtin.Register(a.reg); err != nil {
			a.log.Warn("builtin register failed", logx.Err(err))
		} else if err := a.builtin.Seed(ctx); err != nil {
			a.log.Warn("builtin seed failed", logx.Err(err))
		}
	}
	if changed["jobs"] {
		if err := a.ensureJobs(ctx, next.Jobs); err != nil {
			a.log.Warn("configured jobs not fully applied", logx.Err(err))
		}
	}

	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	// A newly defined or re-tuned job should not wait a full period.
	if changed["scheduler"] || changed["builtin"] || changed["jobs"] {
		a.sched.RunNow()
	}
}

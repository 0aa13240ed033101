package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/job"
	"jobsched/internal/task/admin"
)

var asJSON bool

// withAdmin opens the configured store, runs fn and closes it.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, adm *admin.Service) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a.Admin())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printRecords(w io.Writer, recs []job.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRIORITY\tNEXT RUN\tLAST FINISHED\tFAILS\tSTATE\tREPEAT")
	for _, r := range recs {
		repeat := "-"
		if r.Repeat != nil {
			repeat = r.Repeat.Interval
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Priority, fmtTime(r.NextRunAt), fmtTime(r.LastFinishedAt), r.FailCount, state(r), repeat)
	}
	return tw.Flush()
}

func state(r job.Record) string {
	switch {
	case r.Disabled:
		return "disabled"
	case r.FailedAt != nil:
		return "failed"
	case r.LockedAt != nil && (r.LastFinishedAt == nil || r.LastFinishedAt.Before(*r.LockedAt)):
		return "running"
	case r.NextRunAt != nil:
		return "scheduled"
	case r.LastFinishedAt != nil:
		return "completed"
	}
	return "idle"
}

func printOne(cmd *cobra.Command, rec job.Record) error {
	if asJSON {
		return printJSON(cmd.OutOrStdout(), rec)
	}
	return printRecords(cmd.OutOrStdout(), []job.Record{rec})
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store-wide job counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			st, err := adm.Stats(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "total\t%d\nscheduled\t%d\nqueued\t%d\ncompleted\t%d\nfailed\t%d\nsuccess rate\t%.1f%%\n",
				st.Total, st.Scheduled, st.Queued, st.Completed, st.Failed, st.SuccessRate)
			return tw.Flush()
		})
	},
}

type listFlags struct {
	name     string
	failed   bool
	disabled bool
	running  bool
	page     int
	limit    int
	sort     string
}

var lf listFlags

func (f listFlags) request() (admin.ListRequest, error) {
	req := admin.ListRequest{
		Filter: job.Filter{Name: strings.TrimSpace(f.name)},
		Page:   f.page,
		Limit:  f.limit,
	}
	if f.failed {
		req.Filter.Failed = job.Bool(true)
	}
	if f.disabled {
		req.Filter.Disabled = job.Bool(true)
	}
	if f.running {
		req.Filter.InFlight = job.Bool(true)
	}
	if strings.TrimSpace(f.sort) != "" {
		order, ok := job.ParseSort(f.sort)
		if !ok {
			return admin.ListRequest{}, errors.Newf("invalid --sort %q", f.sort)
		}
		req.Sort = order
	}
	return req, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, paginated",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := lf.request()
		if err != nil {
			return err
		}
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			page, err := adm.List(ctx, req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			if err := printRecords(cmd.OutOrStdout(), page.Data); err != nil {
				return err
			}
			p := page.Pagination
			fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d job(s)\n", p.Page, max(p.TotalPages, 1), p.Total)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			rec, err := adm.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

type createFlags struct {
	data          string
	schedule      string
	every         string
	timezone      string
	priority      string
	skipImmediate bool
	disabled      bool
}

var cf createFlags

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a one-shot or recurring job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := admin.CreateRequest{
			Name:           args[0],
			Schedule:       cf.schedule,
			Priority:       cf.priority,
			RepeatInterval: cf.every,
			Timezone:       cf.timezone,
			SkipImmediate:  cf.skipImmediate,
			Disabled:       cf.disabled,
		}
		if cf.data != "" {
			req.Data = json.RawMessage(cf.data)
		}
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			rec, err := adm.Create(ctx, req)
			if err != nil {
				return err
			}
			return printOne(cmd, rec)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a job; only the flags given are written",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := updateRequest(cmd)
		if err != nil {
			return err
		}
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			rec, err := adm.Update(ctx, args[0], req)
			if err != nil {
				return err
			}
			return printOne(cmd, rec)
		})
	},
}

var updateName string

// updateRequest maps the flags the user actually set to a partial update.
func updateRequest(cmd *cobra.Command) (admin.UpdateRequest, error) {
	var req admin.UpdateRequest
	fs := cmd.Flags()
	set := func(flag string, dst **string, v string) {
		if fs.Changed(flag) {
			*dst = &v
		}
	}
	set("name", &req.Name, updateName)
	set("schedule", &req.Schedule, cf.schedule)
	set("every", &req.RepeatInterval, cf.every)
	set("timezone", &req.Timezone, cf.timezone)
	set("priority", &req.Priority, cf.priority)
	if fs.Changed("data") {
		raw := json.RawMessage(cf.data)
		req.Data = &raw
	}
	if fs.Changed("disabled") {
		v := cf.disabled
		req.Disabled = &v
	}
	if fs.Changed("skip-immediate") {
		v := cf.skipImmediate
		req.SkipImmediate = &v
	}
	if req == (admin.UpdateRequest{}) {
		return req, errors.New("nothing to update; pass at least one flag")
	}
	return req, nil
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Make a failed job due now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			rec, err := adm.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			return printOne(cmd, rec)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset-failures <id>",
	Short: "Zero the failure count of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			rec, err := adm.ResetFailures(ctx, args[0])
			if err != nil {
				return err
			}
			return printOne(cmd, rec)
		})
	},
}

var deleteName string

var deleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Delete jobs by id, or every job with --name",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 && deleteName != "" {
			return errors.New("pass ids or --name, not both")
		}
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			var (
				n   int64
				err error
			)
			if deleteName != "" {
				n, err = adm.DeleteMatching(ctx, job.Filter{Name: deleteName})
			} else {
				n, err = adm.Delete(ctx, args...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d job(s)\n", n)
			return nil
		})
	},
}

var purgeDays int

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed, never-failed jobs older than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, adm *admin.Service) error {
			n, err := adm.Purge(ctx, purgeDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d job(s)\n", n)
			return nil
		})
	},
}

func addScheduleFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVar(&cf.data, "data", "", "JSON payload")
	f.StringVar(&cf.schedule, "schedule", "", `first run: "now", an ISO datetime or "in 10 minutes"`)
	f.StringVar(&cf.every, "every", "", `repeat interval: cron ("0 9 * * 1") or human ("5 minutes")`)
	f.StringVar(&cf.timezone, "timezone", "", "IANA timezone for cron expressions")
	f.StringVar(&cf.priority, "priority", "", "lowest|low|normal|high|highest or an integer")
	f.BoolVar(&cf.skipImmediate, "skip-immediate", false, "skip the occurrence closest to now")
	f.BoolVar(&cf.disabled, "disabled", false, "create or set the job disabled")
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")

	lfs := listCmd.Flags()
	lfs.StringVar(&lf.name, "name", "", "only jobs with this name")
	lfs.BoolVar(&lf.failed, "failed", false, "only failed jobs")
	lfs.BoolVar(&lf.disabled, "disabled", false, "only disabled jobs")
	lfs.BoolVar(&lf.running, "running", false, "only jobs currently claimed by a worker")
	lfs.IntVar(&lf.page, "page", 1, "page number")
	lfs.IntVar(&lf.limit, "limit", admin.DefaultPageLimit, "page size")
	lfs.StringVar(&lf.sort, "sort", "", `order, e.g. "-priority,nextRunAt"`)

	addScheduleFlags(createCmd)
	addScheduleFlags(updateCmd)
	updateCmd.Flags().StringVar(&updateName, "name", "", "rename the job")

	deleteCmd.Flags().StringVar(&deleteName, "name", "", "delete every job with this name")
	purgeCmd.Flags().IntVar(&purgeDays, "days", admin.DefaultPurgeDays, "age threshold in days")
}

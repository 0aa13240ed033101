package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
	// nullSafeEq renders "col matches value, NULL equal to NULL".
	nullSafeEq string
	// unlimited is the LIMIT value meaning "no limit" (needed when only OFFSET is set).
	unlimited string
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	nullSafeEq:  "%s IS %s",
	unlimited:   "-1",
}

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	nullSafeEq:  "%s IS NOT DISTINCT FROM %s",
	unlimited:   "ALL",
}

const jobColumns = `id, name, data, priority, next_run_at, last_run_at, last_finished_at, failed_at, fail_reason, fail_count, locked_at, disabled, repeat_interval, repeat_timezone, repeat_skip_immediate, type`

var sortColumns = map[job.SortField]string{
	job.SortPriority:       "priority",
	job.SortNextRunAt:      "next_run_at",
	job.SortLastRunAt:      "last_run_at",
	job.SortLastFinishedAt: "last_finished_at",
	job.SortName:           "name",
	job.SortFailCount:      "fail_count",
}

var nullableSort = map[job.SortField]bool{
	job.SortNextRunAt:      true,
	job.SortLastRunAt:      true,
	job.SortLastFinishedAt: true,
}

// sqlStore implements Store on database/sql. Timestamps are unix microseconds so
// lock comparisons are exact regardless of the driver's time handling.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log}
}

// builder accumulates bind arguments with dialect-correct placeholders.
type builder struct {
	d    dialect
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *builder) list(vs []string) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = b.arg(v)
	}
	return strings.Join(ph, ", ")
}

func (b *builder) where(f job.Filter) string {
	var conds []string
	if len(f.IDs) > 0 {
		conds = append(conds, "id IN ("+b.list(f.IDs)+")")
	}
	if f.Name != "" {
		conds = append(conds, "name = "+b.arg(f.Name))
	}
	if f.Names != nil {
		if len(f.Names) == 0 {
			conds = append(conds, "1 = 0")
		} else {
			conds = append(conds, "name IN ("+b.list(f.Names)+")")
		}
	}
	if len(f.ExcludeNames) > 0 {
		conds = append(conds, "name NOT IN ("+b.list(f.ExcludeNames)+")")
	}
	if f.Disabled != nil {
		conds = append(conds, "disabled = "+b.arg(*f.Disabled))
	}
	if f.DueBy != nil {
		conds = append(conds, "next_run_at IS NOT NULL AND next_run_at <= "+b.arg(micros(*f.DueBy)))
	}
	if f.NextRunAfter != nil {
		conds = append(conds, "next_run_at > "+b.arg(micros(*f.NextRunAfter)))
	}
	if f.HasNextRun != nil {
		conds = append(conds, isNull("next_run_at", !*f.HasNextRun))
	}
	if f.LockFreeAt != nil {
		conds = append(conds, "(locked_at IS NULL OR locked_at < "+b.arg(micros(*f.LockFreeAt))+")")
	}
	if f.Locked != nil {
		conds = append(conds, isNull("locked_at", !*f.Locked))
	}
	if f.Failed != nil {
		conds = append(conds, isNull("failed_at", !*f.Failed))
	}
	if f.Finished != nil {
		conds = append(conds, isNull("last_finished_at", !*f.Finished))
	}
	if f.FinishedBefore != nil {
		conds = append(conds, "last_finished_at < "+b.arg(micros(*f.FinishedBefore)))
	}
	if f.InFlight != nil {
		expr := "(locked_at IS NOT NULL AND (last_finished_at IS NULL OR last_finished_at < locked_at))"
		if !*f.InFlight {
			expr = "NOT " + expr
		}
		conds = append(conds, expr)
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (b *builder) orderBy(order []job.Sort) string {
	parts := make([]string, 0, len(order)+1)
	for _, s := range order {
		col, ok := sortColumns[s.Field]
		if !ok {
			continue
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		if nullableSort[s.Field] {
			parts = append(parts, col+" IS NULL")
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, "id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

func (b *builder) page(skip, limit int) string {
	var sb strings.Builder
	switch {
	case limit > 0:
		sb.WriteString(" LIMIT " + b.arg(limit))
	case skip > 0:
		sb.WriteString(" LIMIT " + b.d.unlimited)
	}
	if skip > 0 {
		sb.WriteString(" OFFSET " + b.arg(skip))
	}
	return sb.String()
}

func isNull(col string, null bool) string {
	if null {
		return col + " IS NULL"
	}
	return col + " IS NOT NULL"
}

func (s *sqlStore) Insert(ctx context.Context, rec job.Record) (string, error) {
	rec, err := prepareInsert(rec)
	if err != nil {
		return "", err
	}
	b := &builder{d: s.d}
	interval, tz, skip := repeatColumns(rec.Repeat)
	vals := []string{
		b.arg(rec.ID), b.arg(rec.Name), b.arg(dataColumn(rec.Data)), b.arg(rec.Priority),
		b.arg(nullMicros(rec.NextRunAt)), b.arg(nullMicros(rec.LastRunAt)), b.arg(nullMicros(rec.LastFinishedAt)),
		b.arg(nullMicros(rec.FailedAt)), b.arg(rec.FailReason), b.arg(rec.FailCount), b.arg(nullMicros(rec.LockedAt)),
		b.arg(rec.Disabled), b.arg(interval), b.arg(tz), b.arg(skip), b.arg(string(rec.Type)),
	}
	q := "INSERT INTO jobs (" + jobColumns + ") VALUES (" + strings.Join(vals, ", ") + ")"
	if _, err := s.db.ExecContext(ctx, q, b.args...); err != nil {
		return "", errors.Wrapf(err, "insert job %s", rec.Name)
	}
	return rec.ID, nil
}

func (s *sqlStore) FindMany(ctx context.Context, f job.Filter, opt FindOptions) ([]job.Record, error) {
	b := &builder{d: s.d}
	q := "SELECT " + jobColumns + " FROM jobs" + b.where(f) + b.orderBy(opt.Sort) + b.page(opt.Skip, opt.Limit)
	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, errors.Wrap(err, "find jobs")
	}
	defer rows.Close()

	out := make([]job.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindOne(ctx context.Context, f job.Filter) (job.Record, error) {
	recs, err := s.FindMany(ctx, f, FindOptions{Limit: 1})
	if err != nil {
		return job.Record{}, err
	}
	if len(recs) == 0 {
		return job.Record{}, job.ErrNotFound
	}
	return recs[0], nil
}

func (s *sqlStore) UpdateOne(ctx context.Context, id string, p job.Patch) (job.Record, error) {
	if p.Empty() {
		r, err := s.FindOne(ctx, job.Filter{IDs: []string{id}})
		if errors.Is(err, job.ErrNotFound) {
			return job.Record{}, errors.Wrapf(job.ErrNotFound, "id %s", id)
		}
		return r, err
	}

	b := &builder{d: s.d}
	sets := setClauses(b, p)
	q := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = " + b.arg(id) + " RETURNING " + jobColumns
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, b.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Record{}, errors.Wrapf(job.ErrNotFound, "id %s", id)
	}
	if err != nil {
		return job.Record{}, errors.Wrapf(err, "update job %s", id)
	}
	return r, nil
}

func setClauses(b *builder, p job.Patch) []string {
	var sets []string
	set := func(col string, v any) { sets = append(sets, col+" = "+b.arg(v)) }

	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Data != nil {
		set("data", dataColumn(*p.Data))
	}
	if p.Priority != nil {
		set("priority", *p.Priority)
	}
	if p.Disabled != nil {
		set("disabled", *p.Disabled)
	}
	if p.ClearRepeat && p.Repeat == nil {
		set("repeat_interval", nil)
		set("repeat_timezone", nil)
		set("repeat_skip_immediate", false)
	}
	if p.Repeat != nil {
		interval, tz, skip := repeatColumns(p.Repeat)
		set("repeat_interval", interval)
		set("repeat_timezone", tz)
		set("repeat_skip_immediate", skip)
	}
	if p.Type != nil {
		set("type", string(*p.Type))
	}
	nt := func(col string, v *job.NullTime) {
		if v == nil {
			return
		}
		if !v.Valid {
			set(col, nil)
			return
		}
		set(col, micros(v.Time))
	}
	nt("next_run_at", p.NextRunAt)
	nt("last_run_at", p.LastRunAt)
	nt("last_finished_at", p.LastFinishedAt)
	nt("failed_at", p.FailedAt)
	nt("locked_at", p.LockedAt)
	if p.FailReason != nil {
		set("fail_reason", *p.FailReason)
	}
	switch {
	case p.FailCount != nil && p.IncFailCount:
		set("fail_count", *p.FailCount+1)
	case p.FailCount != nil:
		set("fail_count", *p.FailCount)
	case p.IncFailCount:
		sets = append(sets, "fail_count = fail_count + 1")
	}
	return sets
}

func (s *sqlStore) CompareAndSwapLock(ctx context.Context, id string, expected, next *time.Time) (bool, error) {
	b := &builder{d: s.d}
	q := "UPDATE jobs SET locked_at = " + b.arg(nullMicros(next)) +
		" WHERE id = " + b.arg(id) +
		" AND " + fmt.Sprintf(s.d.nullSafeEq, "locked_at", b.arg(nullMicros(expected)))
	res, err := s.db.ExecContext(ctx, q, b.args...)
	if err != nil {
		return false, errors.Wrapf(err, "cas lock %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) DeleteMany(ctx context.Context, f job.Filter) (int64, error) {
	b := &builder{d: s.d}
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs"+b.where(f), b.args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete jobs")
	}
	return res.RowsAffected()
}

func (s *sqlStore) Count(ctx context.Context, f job.Filter) (int64, error) {
	b := &builder{d: s.d}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+b.where(f), b.args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count jobs")
	}
	return n, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (job.Record, error) {
	var (
		r                                         job.Record
		data, failReason, interval, tz, typ       sql.NullString
		nextRun, lastRun, lastFinished, failed, l sql.NullInt64
		skip                                      sql.NullBool
	)
	if err := row.Scan(&r.ID, &r.Name, &data, &r.Priority, &nextRun, &lastRun, &lastFinished, &failed,
		&failReason, &r.FailCount, &l, &r.Disabled, &interval, &tz, &skip, &typ); err != nil {
		return job.Record{}, err
	}
	if data.Valid && data.String != "" {
		r.Data = json.RawMessage(data.String)
	}
	r.NextRunAt = fromMicros(nextRun)
	r.LastRunAt = fromMicros(lastRun)
	r.LastFinishedAt = fromMicros(lastFinished)
	r.FailedAt = fromMicros(failed)
	r.LockedAt = fromMicros(l)
	r.FailReason = failReason.String
	if interval.Valid && interval.String != "" {
		r.Repeat = &job.Repeat{Interval: interval.String, Timezone: tz.String, SkipImmediate: skip.Bool}
	}
	r.Type = job.Type(typ.String)
	return r, nil
}

func repeatColumns(rp *job.Repeat) (any, any, bool) {
	if rp == nil || strings.TrimSpace(rp.Interval) == "" {
		return nil, nil, false
	}
	return rp.Interval, rp.Timezone, rp.SkipImmediate
}

func dataColumn(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

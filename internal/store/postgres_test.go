package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

func newMockPostgres(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgres(db, logx.Nop()), mock
}

func recordColumns() []string {
	return []string{"id", "name", "data", "priority", "next_run_at", "last_run_at", "last_finished_at", "failed_at", "fail_reason", "fail_count", "locked_at", "disabled", "repeat_interval", "repeat_timezone", "repeat_skip_immediate", "type"}
}

func TestPostgresCompareAndSwapUsesNullSafeEquality(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE jobs SET locked_at = $1 WHERE id = $2 AND locked_at IS NOT DISTINCT FROM $3").
		WithArgs(now.UnixMicro(), "job-1", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET locked_at = $1 WHERE id = $2 AND locked_at IS NOT DISTINCT FROM $3").
		WithArgs(nil, "job-1", now.Add(-time.Hour).UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.CompareAndSwapLock(context.Background(), "job-1", nil, job.TimePtr(now))
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	ok, err = st.CompareAndSwapLock(context.Background(), "job-1", job.TimePtr(now.Add(-time.Hour)), nil)
	if err != nil || ok {
		t.Fatalf("stale release: ok=%v err=%v", ok, err)
	}
}

func TestPostgresFindManyDueQuery(t *testing.T) {
	st, mock := newMockPostgres(t)
	life := 10 * time.Minute

	mock.ExpectQuery("SELECT "+jobColumns+" FROM jobs WHERE disabled = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2 AND (locked_at IS NULL OR locked_at < $3) ORDER BY priority DESC, next_run_at IS NULL, next_run_at ASC, id ASC LIMIT $4").
		WithArgs(false, now.UnixMicro(), now.Add(-life).UnixMicro(), 50).
		WillReturnRows(sqlmock.NewRows(recordColumns()).
			AddRow("job-1", "send email", `{"counter":1}`, int64(0), now.UnixMicro(), nil, nil, nil, "", int64(0), nil, false, "5 seconds", "", false, "recurring").
			AddRow("job-2", "cleanup database", nil, int64(-10), now.Add(-time.Minute).UnixMicro(), nil, nil, nil, "", int64(2), now.Add(-time.Hour).UnixMicro(), false, nil, nil, false, "once"))

	recs, err := st.FindMany(context.Background(), job.DueFilter(now, life), FindOptions{Sort: job.DispatchOrder, Limit: 50})
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if !recs[0].Recurring() || recs[0].Repeat.Interval != "5 seconds" || string(recs[0].Data) != `{"counter":1}` {
		t.Fatalf("first record: %+v", recs[0])
	}
	if recs[1].Recurring() || recs[1].FailCount != 2 || recs[1].LockedAt == nil || recs[1].Data != nil {
		t.Fatalf("second record: %+v", recs[1])
	}
	if !recs[1].LockedAt.Equal(now.Add(-time.Hour)) {
		t.Fatalf("lockedAt=%v", recs[1].LockedAt)
	}
}

func TestPostgresUpdateOneIsAtomic(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery("UPDATE jobs SET failed_at = $1, fail_reason = $2, fail_count = fail_count + 1 WHERE id = $3 RETURNING "+jobColumns).
		WithArgs(now.UnixMicro(), "boom", "job-1").
		WillReturnRows(sqlmock.NewRows(recordColumns()).
			AddRow("job-1", "send email", nil, int64(0), nil, nil, nil, now.UnixMicro(), "boom", int64(4), nil, false, nil, nil, false, "once"))
	mock.ExpectQuery("UPDATE jobs SET name = $1 WHERE id = $2 RETURNING "+jobColumns).
		WithArgs("renamed", "missing").
		WillReturnRows(sqlmock.NewRows(recordColumns()))

	got, err := st.UpdateOne(context.Background(), "job-1", job.Patch{FailedAt: job.SetTime(now), FailReason: job.String("boom"), IncFailCount: true})
	if err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if got.FailCount != 4 || got.FailReason != "boom" {
		t.Fatalf("post-patch record: %+v", got)
	}

	_, err = st.UpdateOne(context.Background(), "missing", job.Patch{Name: job.String("renamed")})
	if !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresInsertAndDelete(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO jobs ("+jobColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)").
		WithArgs(sqlmock.AnyArg(), "generate report", `{"reportType":"weekly-summary"}`, 0, now.UnixMicro(), nil, nil, nil, "", 0, nil, false, "0 9 * * 1", "UTC", false, "recurring").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM jobs WHERE id IN ($1, $2)").
		WithArgs("a", "b").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT COUNT(*) FROM jobs WHERE failed_at IS NOT NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	id, err := st.Insert(context.Background(), job.Record{
		Name:      "generate report",
		Data:      []byte(`{"reportType":"weekly-summary"}`),
		NextRunAt: job.TimePtr(now),
		Repeat:    &job.Repeat{Interval: "0 9 * * 1", Timezone: "UTC"},
	})
	if err != nil || id == "" {
		t.Fatalf("insert: id=%q err=%v", id, err)
	}

	n, err := st.DeleteMany(context.Background(), job.Filter{IDs: []string{"a", "b"}})
	if err != nil || n != 2 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}

	c, err := st.Count(context.Background(), job.Filter{Failed: job.Bool(true)})
	if err != nil || c != 3 {
		t.Fatalf("count: n=%d err=%v", c, err)
	}
}

func TestPostgresNameSetClauses(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT COUNT(*) FROM jobs WHERE name IN ($1, $2) AND name NOT IN ($3)").
		WithArgs("send email", "generate report", "generate report").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := st.Count(context.Background(), job.Filter{
		Names:        []string{"send email", "generate report"},
		ExcludeNames: []string{"generate report"},
	})
	if err != nil || n != 4 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

package schedule

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

var base = time.Date(2026, 3, 4, 10, 17, 42, 0, time.UTC) // Wednesday

func TestNextRunInterval(t *testing.T) {
	got, err := NextRun("5 seconds", "", base, false)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := base.Add(5 * time.Second); !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}

	got, err = NextRun("1 month", "", time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), false)
	if err != nil {
		t.Fatalf("NextRun month: %v", err)
	}
	if want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("month: got %v want %v", got, want)
	}
}

func TestNextRunSkipImmediateAligns(t *testing.T) {
	got, err := NextRun("1 hour", "", base, true)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}

	// Already on a boundary: the next boundary, never from itself.
	onBoundary := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	got, err = NextRun("1 hour", "", onBoundary, true)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := onBoundary.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNextRunCronTimezone(t *testing.T) {
	got, err := NextRun("0 0 * * *", "Asia/Jakarta", base, false)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	// 10:17 UTC is 17:17 in Jakarta; next local midnight is 17:00 UTC.
	if want := time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v want %v", got.UTC(), want)
	}

	got, err = NextRun("0 9 * * 1", "UTC", base, false)
	if err != nil {
		t.Fatalf("NextRun weekly: %v", err)
	}
	if want := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("weekly: got %v want %v", got, want)
	}
}

func TestNextRunAlwaysAfterFrom(t *testing.T) {
	specs := []string{"*/5 * * * *", "* * * * * *", "@every 1s", "5 seconds", "1 day", "02:30", "1 month"}
	for _, spec := range specs {
		from := base
		for i := 0; i < 50; i++ {
			next, err := NextRun(spec, "UTC", from, i%2 == 0)
			if err != nil {
				t.Fatalf("%s: %v", spec, err)
			}
			if !next.After(from) {
				t.Fatalf("%s: next %v not after %v", spec, next, from)
			}
			again, _ := NextRun(spec, "UTC", from, i%2 == 0)
			if !again.Equal(next) {
				t.Fatalf("%s: not deterministic: %v vs %v", spec, next, again)
			}
			from = next.Add(-time.Millisecond)
		}
	}
}

func TestNextRunErrors(t *testing.T) {
	if _, err := NextRun("0 0 * * *", "Mars/Olympus", base, false); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad timezone: %v", err)
	}
	if _, err := NextRun("0 0 30 2 *", "UTC", base, false); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("never-firing cron: %v", err)
	}
}

func TestPreview(t *testing.T) {
	got, err := Preview("*/5 * * * *", "UTC", base, 3)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	want := []time.Time{
		time.Date(2026, 3, 4, 10, 20, 0, 0, time.UTC),
		time.Date(2026, 3, 4, 10, 25, 0, 0, time.UTC),
		time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("preview[%d]=%v want %v", i, got[i], want[i])
		}
	}
	if s := FormatPreview("*/5 * * * *", "UTC", base, 2); s == "" {
		t.Fatal("FormatPreview returned empty string")
	}
}

func TestParseWhen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
	}{
		{"now", base},
		{"tomorrow", base.AddDate(0, 0, 1)},
		{"in 5 minutes", base.Add(5 * time.Minute)},
		{"60 seconds", base.Add(time.Minute)},
		{"30s", base.Add(30 * time.Second)},
		{"2026-05-01T08:00:00Z", time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
		{"2026-05-01 08:00", time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := ParseWhen(tc.in, base, time.UTC)
		if err != nil {
			t.Fatalf("ParseWhen(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseWhen(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseWhen("whenever", base, time.UTC); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}

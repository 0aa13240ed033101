package schedule

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    Kind
		every   Interval
		cron    string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "0 9 * * 1", kind: KindCron, cron: "0 9 * * 1"},
		{in: "*/10 * * * * *", kind: KindCron, cron: "*/10 * * * * *"},
		{in: "@hourly", kind: KindCron, cron: "@hourly"},
		{in: "@every 55m", kind: KindCron, cron: "@every 55m"},
		{in: "cron:0 0 * * *", kind: KindCron, cron: "0 0 * * *"},
		{in: "5 seconds", kind: KindInterval, every: Interval{Dur: 5 * time.Second}},
		{in: "one minute", kind: KindInterval, every: Interval{Dur: time.Minute}},
		{in: "1 hour and 30 minutes", kind: KindInterval, every: Interval{Dur: 90 * time.Minute}},
		{in: "2 days", kind: KindInterval, every: Interval{Dur: 48 * time.Hour}},
		{in: "1 week", kind: KindInterval, every: Interval{Dur: 7 * 24 * time.Hour}},
		{in: "1 month", kind: KindInterval, every: Interval{Months: 1}},
		{in: "55m", kind: KindInterval, every: Interval{Dur: 55 * time.Minute}},
		{in: "02:30", kind: KindInterval, every: Interval{Dur: 150 * time.Minute}},
		{in: "every: 00:50", kind: KindInterval, every: Interval{Dur: 50 * time.Minute}},
		{in: "interval:2h30m", kind: KindInterval, every: Interval{Dur: 150 * time.Minute}},
		{in: "", wantErr: true},
		{in: "sometimes", wantErr: true},
		{in: "5 fortnights", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "cron:", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Fatalf("expected ErrInvalidSchedule, got %v (spec=%+v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tc.kind {
				t.Fatalf("kind=%v want %v", got.Kind, tc.kind)
			}
			if tc.kind == KindCron && got.Cron != tc.cron {
				t.Fatalf("cron=%q want %q", got.Cron, tc.cron)
			}
			if tc.kind == KindInterval && got.Every != tc.every {
				t.Fatalf("every=%v want %v", got.Every, tc.every)
			}
		})
	}
}

func TestParseHumanFractional(t *testing.T) {
	iv, err := ParseHuman("1.5 hours")
	if err != nil {
		t.Fatalf("ParseHuman: %v", err)
	}
	if iv.Dur != 90*time.Minute {
		t.Fatalf("dur=%v", iv.Dur)
	}
	if _, err := ParseHuman("1.5 months"); err == nil {
		t.Fatal("fractional months should be rejected")
	}
}

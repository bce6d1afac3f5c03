package schedule

import (
	"testing"
	"time"
)

func TestParseScheduleForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
	}{
		{name: "five field cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "six field cron", raw: "0 */10 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "cron every", raw: "@every 55m", kind: SpecCron, source: "cron"},
		{name: "forced cron", raw: "CRON: 0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", every: 10 * time.Minute},
		{name: "compound duration", raw: "2h30m", kind: SpecInterval, source: "duration", every: 150 * time.Minute},
		{name: "interval prefix", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix", raw: "every: 02:00", kind: SpecInterval, source: "hhmm", every: 2 * time.Hour},
		{name: "hhmm minutes", raw: "00:50", kind: SpecInterval, source: "hhmm", every: 50 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if tt.kind == SpecCron && got.Cron == nil {
				t.Fatal("cron schedule not set")
			}
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "not-a-schedule", "00:75", "00:00", "-5m", "cron:", "cron:* * *", "interval:soon"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

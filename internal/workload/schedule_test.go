package workload

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		source string
		every  time.Duration
		spec   string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron", spec: "*/5 * * * *"},
		{name: "cron with seconds", raw: "*/10 * * * * *", kind: KindCron, source: "cron", spec: "*/10 * * * * *"},
		{name: "descriptor", raw: "@every 2s", kind: KindCron, source: "cron", spec: "@every 2s"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron", spec: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", every: 10 * time.Minute, spec: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", every: 45 * time.Second, spec: "@every 45s"},
		{name: "every prefix hhmm", raw: "every: 00:05", kind: KindInterval, source: "hhmm", every: 5 * time.Minute, spec: "@every 5m0s"},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", every: 90 * time.Minute, spec: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got %v/%s, want %v/%s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec() = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "cron:61 * * * *", "* * *", "-5s", "00:00", "01:75", "interval:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestStartupSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sched, jitter := withStartupSpread(10*time.Second, now, "menu")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(10*time.Second + jitter); !first.Equal(want) {
		t.Fatalf("first run %v, want %v", first, want)
	}
	second := sched.Next(first)
	if d := second.Sub(first); d < 9*time.Second || d > 11*time.Second {
		t.Fatalf("second run %v after first, want about 10s", d)
	}
}

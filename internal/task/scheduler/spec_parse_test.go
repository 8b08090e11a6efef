package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 */2 * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "30 0 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "60m", kind: SpecInterval, source: "duration", duration: time.Hour},
		{name: "prefixed interval", raw: "interval:90m", kind: SpecInterval, source: "duration", duration: 90 * time.Minute},
		{name: "every prefix", raw: "every:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:00", kind: SpecInterval, source: "hhmm", duration: time.Hour},
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
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "interval:", "cron:", "cron:61 * * * *", "00:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestIntervalScheduleIsFixedRate(t *testing.T) {
	t.Parallel()
	ps, err := ParseSchedule("60m")
	if err != nil {
		t.Fatal(err)
	}
	sched, err := ps.Build(nil)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := sched.Next(base); !got.Equal(base.Add(time.Hour)) {
		t.Fatalf("Next = %s", got)
	}
	if sched.String() != "@every 1h0m0s" {
		t.Fatalf("String = %q", sched.String())
	}
}

func TestCronScheduleLocationAndOffset(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	ps, err := ParseSchedule("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	sched, err := ps.Build(loc)
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) // 07:00 local
	want := time.Date(2024, 3, 1, 9, 0, 0, 0, loc)
	if got := sched.Next(from); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}

	shifted := WithOffset(sched, 10*time.Second)
	if got := shifted.Next(from); !got.Equal(want.Add(10 * time.Second)) {
		t.Fatalf("offset Next = %s", got)
	}
	// From exactly the shifted fire time the next one is a day later.
	if got := shifted.Next(want.Add(10 * time.Second)); !got.Equal(want.Add(24*time.Hour + 10*time.Second)) {
		t.Fatalf("offset Next after fire = %s", got)
	}

	iv, _ := Every(time.Minute)
	if WithOffset(iv, time.Second) != Schedule(iv) {
		t.Fatalf("interval schedules must not be offset")
	}
}

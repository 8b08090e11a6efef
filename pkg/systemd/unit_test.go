package systemd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizeUnit(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"scrapyd", "scrapyd.service"},
		{" scrapyd.service ", "scrapyd.service"},
		{"crawl.timer", "crawl.timer"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeUnit(tt.in); got != tt.want {
			t.Fatalf("NormalizeUnit(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnitProbeCachesForTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	p := &UnitProbe{
		unit: "scrapyd.service",
		ttl:  10 * time.Second,
		now:  func() time.Time { return now },
		fetch: func(_ context.Context, unit string) (UnitStatus, error) {
			calls++
			if calls == 2 {
				return UnitStatus{}, errors.New("bus closed")
			}
			return UnitStatus{Name: unit, Active: "active", SubState: "running", LoadState: "loaded"}, nil
		},
	}

	if st := p.Status(context.Background()); !st.Up() || calls != 1 {
		t.Fatalf("first status = %+v, calls = %d", st, calls)
	}
	now = now.Add(5 * time.Second)
	if p.Status(context.Background()); calls != 1 {
		t.Fatalf("cached status refetched: calls = %d", calls)
	}

	now = now.Add(6 * time.Second)
	st := p.Status(context.Background())
	if calls != 2 || st.Up() || st.Error != "bus closed" || st.Active != "unknown" {
		t.Fatalf("after ttl: status = %+v, calls = %d", st, calls)
	}
}

func TestWatchdogDisabledWithoutSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("WatchdogInterval() = %v, want 0", d)
	}
}

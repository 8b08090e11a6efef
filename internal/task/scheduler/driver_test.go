package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "spidersched/pkg/logx"
)

func TestDriverTickOnceRecordsStatus(t *testing.T) {
	t.Parallel()

	set := NewTimerSet()
	key := Key{Project: "p", Spider: "s"}
	_ = set.Install(key, time.Minute, t0, func(ctx context.Context) error { return nil })

	d := NewDriver(DriverConfig{Enabled: true}, set, logx.Nop())
	if n := d.TickOnce(context.Background(), t0); n != 1 {
		t.Fatalf("TickOnce = %d", n)
	}
	st := d.Status()
	if st.Ticks != 1 || st.Fired != 1 || !st.LastTickAt.Equal(t0) || st.Timers != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.Tick != time.Second {
		t.Fatalf("default tick = %s", st.Tick)
	}
}

func TestDriverLoopFiresDueTimers(t *testing.T) {
	t.Parallel()

	set := NewTimerSet()
	var fired atomic.Int32
	key := Key{Project: "p", Spider: "s"}
	_ = set.Install(key, time.Hour, time.Now(), func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})

	d := NewDriver(DriverConfig{Enabled: true, Tick: 10 * time.Millisecond}, set, logx.Nop())
	d.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("fired = %d, want 1", fired.Load())
	}
	if !d.Status().Running {
		t.Fatalf("driver should report running")
	}
}

func TestDriverApplyDisableStops(t *testing.T) {
	t.Parallel()

	d := NewDriver(DriverConfig{Enabled: true, Tick: time.Hour}, NewTimerSet(), logx.Nop())
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Apply(ctx, DriverConfig{Enabled: false, Tick: time.Hour})
	if d.Status().Running {
		t.Fatalf("driver still running after disable")
	}
	d.Apply(ctx, DriverConfig{Enabled: true, Tick: time.Minute})
	if st := d.Status(); !st.Running || st.Tick != time.Minute {
		t.Fatalf("status after re-enable = %+v", st)
	}
	d.Stop(ctx)
}

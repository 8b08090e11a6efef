package scheduler

import (
	"context"
	"sync"
	"time"

	rtsup "spidersched/internal/runtime/supervisor"
	logx "spidersched/pkg/logx"
)

const defaultTick = time.Second

// DriverConfig controls the tick loop.
type DriverConfig struct {
	Enabled bool
	Tick    time.Duration
}

// DriverStatus is reported on /health.
type DriverStatus struct {
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	Tick       time.Duration `json:"tick"`
	LastTickAt time.Time     `json:"last_tick_at,omitempty"`
	Ticks      uint64        `json:"ticks"`
	Fired      uint64        `json:"fired"`
	Timers     int           `json:"timers"`
}

// Driver calls TimerSet.Tick on a fixed cadence. It is the only goroutine
// that evaluates timers.
type Driver struct {
	mu  sync.Mutex
	cfg DriverConfig
	set *TimerSet
	log logx.Logger

	sup  *rtsup.Supervisor
	stop context.CancelFunc

	lastTickAt time.Time
	ticks      uint64
	fired      uint64
}

func NewDriver(cfg DriverConfig, set *TimerSet, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{cfg: normalizeDriver(cfg), set: set, log: log.With(logx.String("comp", "scheduler.driver"))}
}

func normalizeDriver(cfg DriverConfig) DriverConfig {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	return cfg
}

func (d *Driver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

func (d *Driver) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Apply updates the config and restarts the loop when the cadence or the enabled flag changed.
func (d *Driver) Apply(ctx context.Context, cfg DriverConfig) {
	cfg = normalizeDriver(cfg)
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	running := d.sup != nil
	d.mu.Unlock()

	if prev == cfg && running == cfg.Enabled {
		return
	}
	if running {
		d.Stop(ctx)
	}
	if cfg.Enabled {
		d.Start(ctx)
	}
}

func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	if !d.cfg.Enabled || d.sup != nil {
		d.mu.Unlock()
		return
	}
	tick := d.cfg.Tick
	runCtx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	d.sup = rtsup.New(runCtx, rtsup.WithLogger(d.log))
	sup := d.sup
	d.mu.Unlock()

	sup.GoRestart("scheduler.tick", func(c context.Context) error {
		return d.run(c, tick)
	}, rtsup.WithPublishFirstError(true), rtsup.WithStopOnCleanExit(true))

	d.log.Info("scheduler driver started", logx.Duration("tick", tick))
}

func (d *Driver) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	cancel := d.stop
	d.sup = nil
	d.stop = nil
	d.mu.Unlock()
	if sup == nil {
		return
	}
	cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		d.log.Warn("scheduler driver stop timed out", logx.Err(err))
		return
	}
	d.log.Info("scheduler driver stopped")
}

func (d *Driver) run(ctx context.Context, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			d.TickOnce(ctx, now)
		}
	}
}

// TickOnce runs a single evaluation pass. The loop uses it; tests call it directly.
func (d *Driver) TickOnce(ctx context.Context, now time.Time) int {
	n := d.set.Tick(ctx, now)
	d.mu.Lock()
	d.lastTickAt = now
	d.ticks++
	d.fired += uint64(n)
	d.mu.Unlock()
	if n > 0 {
		d.log.Debug("timers fired", logx.Int("count", n), logx.Time("tick", now))
	}
	return n
}

func (d *Driver) Status() DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DriverStatus{
		Enabled:    d.cfg.Enabled,
		Running:    d.sup != nil,
		Tick:       d.cfg.Tick,
		LastTickAt: d.lastTickAt,
		Ticks:      d.ticks,
		Fired:      d.fired,
		Timers:     d.set.Len(),
	}
}

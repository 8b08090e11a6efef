package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"spidersched/internal/config"
	"spidersched/internal/control"
	"spidersched/internal/notifier"
	"spidersched/internal/scrapyd"
	"spidersched/internal/status"
	"spidersched/internal/storage"
	"spidersched/internal/task/engine"
	"spidersched/internal/task/scheduler"
	"spidersched/internal/transport/web"
	logx "spidersched/pkg/logx"
)

const (
	defaultScrapydURL     = "http://127.0.0.1:6800"
	defaultScrapydTimeout = 10 * time.Second
)

// validate rejects a config before it is committed. Every mapper runs so a
// bad hot reload never reaches a component.
func validate(_ context.Context, cfg *config.Config) error {
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		return fmt.Errorf("logging.level: unknown level %q", lv)
	}
	if _, _, err := mapScrapydConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDriverConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleDefaults(cfg); err != nil {
		return err
	}
	if _, err := mapSpiderCacheTTL(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func loadLocation(path, tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return loc, nil
}

// mapScrapydConfig returns the client config and the listjobs cache TTL.
func mapScrapydConfig(cfg *config.Config) (scrapyd.Config, time.Duration, error) {
	sc := cfg.Scrapyd
	base := strings.TrimSpace(sc.URL)
	if base == "" {
		base = defaultScrapydURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return scrapyd.Config{}, 0, fmt.Errorf("scrapyd.url: invalid %q", sc.URL)
	}
	timeout, err := config.ParseDurationOrDefault("scrapyd.timeout", sc.Timeout, defaultScrapydTimeout)
	if err != nil {
		return scrapyd.Config{}, 0, err
	}
	if sc.ScheduleRPS < 0 {
		return scrapyd.Config{}, 0, fmt.Errorf("scrapyd.schedule_rps must be >= 0")
	}
	if sc.ScheduleBurst < 0 {
		return scrapyd.Config{}, 0, fmt.Errorf("scrapyd.schedule_burst must be >= 0")
	}
	jobsTTL, err := config.ParseDurationKeepZero("scrapyd.jobs_cache_ttl", sc.JobsCacheTTL, scrapyd.DefaultJobsCacheTTL)
	if err != nil {
		return scrapyd.Config{}, 0, err
	}
	loc, err := loadLocation("scrapyd.timezone", sc.Timezone)
	if err != nil {
		return scrapyd.Config{}, 0, err
	}
	return scrapyd.Config{
		BaseURL:       base,
		Timeout:       timeout,
		ScheduleRPS:   sc.ScheduleRPS,
		ScheduleBurst: sc.ScheduleBurst,
		Location:      loc,
	}, jobsTTL, nil
}

func mapDriverConfig(cfg *config.Config) (scheduler.DriverConfig, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	if err != nil {
		return scheduler.DriverConfig{}, err
	}
	return scheduler.DriverConfig{Enabled: cfg.Scheduler.Enabled, Tick: tick}, nil
}

func mapScheduleDefaults(cfg *config.Config) (control.Defaults, error) {
	sc := cfg.Scheduler
	stagger, err := config.ParseDurationField("scheduler.stagger", sc.Stagger)
	if err != nil {
		return control.Defaults{}, err
	}
	loc, err := loadLocation("scheduler.timezone", sc.Timezone)
	if err != nil {
		return control.Defaults{}, err
	}
	d := control.Defaults{
		Schedule: sc.Interval,
		Stagger:  stagger,
		Location: loc,
	}
	if len(sc.Projects) > 0 {
		d.Projects = make(map[string]control.ProjectOverride, len(sc.Projects))
		for name, p := range sc.Projects {
			if strings.TrimSpace(name) == "" {
				return control.Defaults{}, fmt.Errorf("scheduler.projects: empty project name")
			}
			ps, err := config.ParseDurationField("scheduler.projects."+name+".stagger", p.Stagger)
			if err != nil {
				return control.Defaults{}, err
			}
			d.Projects[name] = control.ProjectOverride{Schedule: p.Schedule, Stagger: ps}
		}
	}
	if err := d.Validate(); err != nil {
		return control.Defaults{}, fmt.Errorf("scheduler: %w", err)
	}
	return d, nil
}

func mapSpiderCacheTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationKeepZero("scheduler.spider_cache_ttl", cfg.Scheduler.SpiderCacheTTL, status.DefaultSpiderCacheTTL)
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers, queueSize, historySize, retryMax := 2, 256, 200, 3
	tripFailures := 0
	var te config.TaskEngineConfig

	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		// Triggers would queue forever with no worker to run them.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax != 0 {
			retryMax = te.RetryMax
		}
		tripFailures = te.CircuitTripFailures
	}

	defTimeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 15*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	cbBase, err := config.ParseDurationField("task_engine.circuit_base_delay", te.CircuitBaseDelay)
	if err != nil {
		return engine.Config{}, err
	}
	cbMax, err := config.ParseDurationField("task_engine.circuit_max_delay", te.CircuitMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:             enabled,
		Workers:             workers,
		QueueSize:           queueSize,
		DefaultTimeout:      defTimeout,
		MaxQueueDelay:       maxQueueDelay,
		HistorySize:         historySize,
		RetryMax:            retryMax,
		RetryBase:           retryBase,
		CircuitTripFailures: tripFailures,
		CircuitBaseDelay:    cbBase,
		CircuitMaxDelay:     cbMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier
	if n.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	window, err := config.ParseDurationKeepZero("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:      n.Enabled,
		QueueSize:    n.QueueSize,
		RatePerSec:   n.RatePerSec,
		RetryMax:     2,
		DedupWindow:  window,
		PersistDedup: n.PersistDedup,
	}, nil
}

// newSender builds the Telegram sender. It returns a nil Sender when alerts
// are off or the chat is not configured.
func newSender(cfg *config.Config) (notifier.Sender, error) {
	if cfg.Notifier == nil || !cfg.Notifier.Enabled {
		return nil, nil
	}
	tg := cfg.Notifier.Telegram
	if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
		return nil, nil
	}
	s, err := notifier.NewTelegramSender(tg.Token, tg.ChatID, tg.ThreadID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if sc.TailSize < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.tail_size must be >= 0")
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, TailSize: sc.TailSize}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapWebConfig(cfg *config.Config) (web.Config, error) {
	w := cfg.Web
	read, err := config.ParseDurationOrDefault("web.read_timeout", w.ReadTimeout, 10*time.Second)
	if err != nil {
		return web.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("web.write_timeout", w.WriteTimeout, 60*time.Second)
	if err != nil {
		return web.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("web.idle_timeout", w.IdleTimeout, 60*time.Second)
	if err != nil {
		return web.Config{}, err
	}
	return web.Config{
		Enabled:        w.Enabled,
		Addr:           strings.TrimSpace(w.Addr),
		Title:          w.Title,
		DefaultProject: strings.TrimSpace(cfg.Scheduler.DefaultProject),
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
		Pprof:          w.Pprof,
	}, nil
}

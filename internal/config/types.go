package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Scrapyd ScrapydConfig `json:"scrapyd"`

	// Scheduler controls timer installation and the tick loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls how triggers are executed.
	// If omitted, defaults apply and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Web      WebConfig       `json:"web"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScrapydConfig points at the scrapyd daemon.
//
// Example:
//
//	"scrapyd": { "url": "http://127.0.0.1:6800", "timeout": "10s" }
type ScrapydConfig struct {
	URL string `json:"url"`
	// Timeout is a Go duration string applied to every HTTP call. Default "10s".
	Timeout string `json:"timeout,omitempty"`

	// ScheduleRPS limits schedule.json calls per second. 0 means unlimited.
	ScheduleRPS   float64 `json:"schedule_rps,omitempty"`
	ScheduleBurst int     `json:"schedule_burst,omitempty"`

	// JobsCacheTTL memoizes listjobs.json per project. Default "1s"; "0s" disables.
	JobsCacheTTL string `json:"jobs_cache_ttl,omitempty"`

	// Timezone of the timestamps scrapyd reports. Default: local.
	Timezone string `json:"timezone,omitempty"`

	// Unit is the systemd unit running scrapyd ("scrapyd" or "scrapyd.service").
	// When set, /health reports its state. Linux only.
	Unit string `json:"unit,omitempty"`
}

// SchedulerConfig controls the timer set and its driver.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - interval: "60m"
//   - stagger: "5s"
//   - spider_cache_ttl: "5m" ("0s" never expires)
type SchedulerConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`

	// Interval is the default schedule for projects without an override.
	// Any form accepted by the schedule parser works here ("60m", "01:00", "@hourly").
	Interval string `json:"interval,omitempty"`
	Stagger  string `json:"stagger,omitempty"`

	DefaultProject string `json:"default_project,omitempty"`
	SpiderCacheTTL string `json:"spider_cache_ttl,omitempty"`

	// Timezone used by cron schedules.
	Timezone string `json:"timezone,omitempty"`

	// InstallOnStart lists projects whose timers are installed at startup.
	InstallOnStart []string `json:"install_on_start,omitempty"`

	Projects map[string]ProjectConfig `json:"projects,omitempty"`
}

// ProjectConfig overrides scheduler defaults for one project.
type ProjectConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Stagger  string `json:"stagger,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos inside a project block
// fail the reload instead of silently using defaults.
func (p *ProjectConfig) UnmarshalJSON(b []byte) error {
	type tmp ProjectConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ProjectConfig(t)
	return nil
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "15s"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - retry_base: "1s"
//   - circuit_trip_failures: 5 (-1 disables)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds one trigger attempt.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int    `json:"history_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

// NotifierConfig controls failure alerts.
//
// If the whole section is omitted, the notifier is disabled.
type NotifierConfig struct {
	Enabled      bool    `json:"enabled"`
	QueueSize    int     `json:"queue_size,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	DedupWindow  string  `json:"dedup_window,omitempty"`
	PersistDedup bool    `json:"persist_dedup,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig controls the optional trigger history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/spidersched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	TailSize    int    `json:"tail_size,omitempty"`    // file driver
}

// WebConfig controls the HTTP view.
//
// Security note: pprof is only mounted when Addr binds to a loopback address.
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Title   string `json:"title,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
}

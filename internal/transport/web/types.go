package web

import (
	"context"
	"time"

	"spidersched/internal/control"
	"spidersched/internal/status"
	"spidersched/internal/storage"
	"spidersched/internal/task/scheduler"
)

const (
	defaultAddr          = "127.0.0.1:8080"
	defaultTitle         = "spidersched"
	defaultTriggersLimit = 50
	maxTriggersLimit     = 1000
)

// Config controls the HTTP server.
type Config struct {
	Enabled bool
	Addr    string
	Title   string

	// DefaultProject is used by /spiders when no project is given.
	DefaultProject string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Pprof mounts /debug/pprof/ when Addr is a loopback address.
	Pprof bool
}

func (c Config) addr() string {
	if c.Addr == "" {
		return defaultAddr
	}
	return c.Addr
}

func (c Config) title() string {
	if c.Title == "" {
		return defaultTitle
	}
	return c.Title
}

// Controller is the subset of *control.Controller the handlers use.
type Controller interface {
	Query(ctx context.Context, project string) map[string]status.SpiderStatus
	Install(ctx context.Context, project string) control.InstallResult
	Uninstall(project string) int
	Refresh(ctx context.Context, project string) ([]string, error)
	Timers(project string) []scheduler.TimerInfo
	Projects(ctx context.Context) ([]string, error)
	Triggers(ctx context.Context, project string, limit int) ([]storage.TriggerRecord, error)
}

// HealthFunc reports one component on /health. The value is rendered as JSON.
type HealthFunc func() any

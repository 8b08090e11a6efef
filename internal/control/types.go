package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spidersched/internal/task/engine"
	"spidersched/internal/task/scheduler"
)

const (
	DefaultSchedule = "60m"
	DefaultStagger  = 5 * time.Second
)

// Trigger starts one crawl and returns the downstream job id.
type Trigger interface {
	Schedule(ctx context.Context, project, spider string) (jobID string, err error)
}

// Dispatcher accepts trigger tasks without blocking. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) (id string, err error)
}

// ProjectLister lists the projects known downstream.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]string, error)
}

// Defaults is the scheduling policy applied by Install.
type Defaults struct {
	// Schedule is any form accepted by scheduler.ParseSchedule. Empty means DefaultSchedule.
	Schedule string
	// Stagger separates the first fires of consecutive spiders. 0 means DefaultStagger.
	Stagger time.Duration
	// Location applies to cron schedules; nil means time.Local.
	Location *time.Location

	Projects map[string]ProjectOverride
}

// ProjectOverride replaces Defaults fields for one project. Zero fields inherit.
type ProjectOverride struct {
	Schedule string
	Stagger  time.Duration
}

// Validate parses every schedule so bad config is rejected before it is applied.
func (d Defaults) Validate() error {
	if _, err := d.plan(""); err != nil {
		return err
	}
	for name := range d.Projects {
		if _, err := d.plan(name); err != nil {
			return fmt.Errorf("project %s: %w", name, err)
		}
	}
	return nil
}

type plan struct {
	sched   scheduler.Schedule
	stagger time.Duration
}

func (d Defaults) plan(project string) (plan, error) {
	raw := strings.TrimSpace(d.Schedule)
	stagger := d.Stagger
	if o, ok := d.Projects[project]; ok && project != "" {
		if s := strings.TrimSpace(o.Schedule); s != "" {
			raw = s
		}
		if o.Stagger > 0 {
			stagger = o.Stagger
		}
	}
	if raw == "" {
		raw = DefaultSchedule
	}
	if stagger <= 0 {
		stagger = DefaultStagger
	}
	spec, err := scheduler.ParseSchedule(raw)
	if err != nil {
		return plan{}, err
	}
	sched, err := spec.Build(d.Location)
	if err != nil {
		return plan{}, err
	}
	return plan{sched: sched, stagger: stagger}, nil
}

// InstallResult reports the timers created by one Install call.
// An unknown project yields zero timers and no error.
type InstallResult struct {
	Project  string           `json:"project"`
	Schedule string           `json:"schedule,omitempty"`
	Stagger  time.Duration    `json:"stagger,omitempty"`
	Timers   []InstalledTimer `json:"timers"`
	Removed  int              `json:"removed,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type InstalledTimer struct {
	Spider string    `json:"spider"`
	First  time.Time `json:"first"`
}

func (r InstallResult) Count() int { return len(r.Timers) }

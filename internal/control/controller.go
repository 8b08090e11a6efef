package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"spidersched/internal/scrapyd"
	"spidersched/internal/status"
	"spidersched/internal/storage"
	"spidersched/internal/task/engine"
	"spidersched/internal/task/scheduler"
	logx "spidersched/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	triggerTaskName = "scrapyd.schedule"
	errorReportGap  = time.Minute
	storeTimeout    = 2 * time.Second
)

// Controller installs per-spider timers and answers status queries.
//
// Each timer's action only enqueues a trigger task; the scrapyd call runs
// on the task engine so a slow daemon never stalls the tick loop.
type Controller struct {
	timers   *scheduler.TimerSet
	merger   *status.Merger
	trigger  Trigger
	dispatch Dispatcher
	store    storage.Store
	projects ProjectLister
	log      logx.Logger
	now      func() time.Time

	mu       sync.RWMutex
	defaults Defaults

	// Per-key throttle for dispatch failure warnings.
	reportMu sync.Mutex
	reports  map[string]*rate.Sometimes
}

type Option func(*Controller)

func WithLogger(log logx.Logger) Option { return func(c *Controller) { c.log = log } }

// WithStore records every trigger attempt.
func WithStore(st storage.Store) Option { return func(c *Controller) { c.store = st } }

func WithProjectLister(p ProjectLister) Option { return func(c *Controller) { c.projects = p } }

// WithClock overrides the install instant used as the stagger base.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func New(timers *scheduler.TimerSet, merger *status.Merger, trigger Trigger, dispatch Dispatcher, defaults Defaults, opts ...Option) *Controller {
	c := &Controller{
		timers:   timers,
		merger:   merger,
		trigger:  trigger,
		dispatch: dispatch,
		defaults: defaults,
		now:      time.Now,
		reports:  map[string]*rate.Sometimes{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

func (c *Controller) Defaults() Defaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults
}

// Install (re)creates one timer per spider of project. Spider i first fires
// at the install instant plus i*stagger. Timers for spiders that disappeared
// from the project are removed, all of them when the project has no spiders
// left. A failed lookup leaves existing timers alone.
func (c *Controller) Install(ctx context.Context, project string) InstallResult {
	res := InstallResult{Project: project, Timers: []InstalledTimer{}}

	p, err := c.Defaults().plan(project)
	if err != nil {
		res.Error = err.Error()
		c.log.Warn("install rejected: bad schedule", logx.String("project", project), logx.Err(err))
		return res
	}
	res.Schedule = p.sched.String()
	res.Stagger = p.stagger

	spiders, err := c.merger.Refresh(ctx, project)
	if err != nil {
		c.log.Warn("install: spider lookup failed", logx.String("project", project), logx.Err(err))
		return res
	}
	if len(spiders) == 0 {
		c.log.Info("install: no spiders for project", logx.String("project", project))
	}

	base := c.now()
	_, interval := p.sched.(scheduler.IntervalSchedule)
	keep := make(map[string]struct{}, len(spiders))
	for i, spider := range spiders {
		key := scheduler.Key{Project: project, Spider: spider}
		offset := time.Duration(i) * p.stagger

		sched := p.sched
		first := base.Add(offset)
		if !interval {
			sched = scheduler.WithOffset(p.sched, offset)
			first = sched.Next(base)
		}
		if err := c.timers.InstallSchedule(key, sched, first, c.action(key)); err != nil {
			c.log.Warn("timer install failed", logx.String("project", project), logx.String("spider", spider), logx.Err(err))
			continue
		}
		keep[spider] = struct{}{}
		res.Timers = append(res.Timers, InstalledTimer{Spider: spider, First: first})
	}

	for _, ti := range c.timers.Snapshot() {
		if ti.Project != project {
			continue
		}
		if _, ok := keep[ti.Spider]; !ok && c.timers.Remove(scheduler.Key{Project: project, Spider: ti.Spider}) {
			res.Removed++
		}
	}

	c.log.Info("timers installed",
		logx.String("project", project),
		logx.Int("timers", len(res.Timers)),
		logx.Int("removed", res.Removed),
		logx.String("schedule", res.Schedule),
		logx.Duration("stagger", p.stagger),
	)
	return res
}

// Query merges daemon state and timers into one status per spider.
func (c *Controller) Query(ctx context.Context, project string) map[string]status.SpiderStatus {
	return c.merger.GetStatus(ctx, project)
}

// Uninstall removes every timer of project and returns how many were removed.
func (c *Controller) Uninstall(project string) int {
	n := c.timers.RemoveProject(project)
	c.log.Info("timers removed", logx.String("project", project), logx.Int("timers", n))
	return n
}

// Refresh refetches the spider list of project.
func (c *Controller) Refresh(ctx context.Context, project string) ([]string, error) {
	return c.merger.Refresh(ctx, project)
}

// Timers lists installed timers, optionally filtered by project.
func (c *Controller) Timers(project string) []scheduler.TimerInfo {
	all := c.timers.Snapshot()
	if project == "" {
		return all
	}
	out := make([]scheduler.TimerInfo, 0, len(all))
	for _, ti := range all {
		if ti.Project == project {
			out = append(out, ti)
		}
	}
	return out
}

// Projects lists downstream projects. It returns nil without a lister.
func (c *Controller) Projects(ctx context.Context) ([]string, error) {
	if c.projects == nil {
		return nil, nil
	}
	return c.projects.ListProjects(ctx)
}

// Triggers returns recent trigger attempts, newest first.
func (c *Controller) Triggers(ctx context.Context, project string, limit int) ([]storage.TriggerRecord, error) {
	if c.store == nil {
		return nil, storage.ErrDisabled
	}
	return c.store.RecentTriggers(ctx, project, limit)
}

// Apply swaps the scheduling policy. Projects that currently have timers and
// whose effective schedule or stagger changed are reinstalled.
func (c *Controller) Apply(ctx context.Context, d Defaults) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.defaults
	c.defaults = d
	c.mu.Unlock()

	installed := map[string]struct{}{}
	for _, ti := range c.timers.Snapshot() {
		installed[ti.Project] = struct{}{}
	}
	for project := range installed {
		if samePlan(prev, d, project) {
			continue
		}
		c.log.Info("schedule changed; reinstalling", logx.String("project", project))
		c.Install(ctx, project)
	}
	return nil
}

// InstallOnStart installs timers for the given projects, skipping blanks.
func (c *Controller) InstallOnStart(ctx context.Context, projects []string) int {
	total := 0
	for _, p := range projects {
		if p == "" {
			continue
		}
		total += c.Install(ctx, p).Count()
	}
	return total
}

func samePlan(a, b Defaults, project string) bool {
	pa, errA := a.plan(project)
	pb, errB := b.plan(project)
	if errA != nil || errB != nil {
		return false
	}
	return pa.stagger == pb.stagger &&
		pa.sched.String() == pb.sched.String() &&
		locName(a.Location) == locName(b.Location)
}

func locName(l *time.Location) string {
	if l == nil {
		return time.Local.String()
	}
	return l.String()
}

// HandleTimerError reports a failed dispatch. Repeats for the same key are
// logged at warn at most once per minute and at debug otherwise.
func (c *Controller) HandleTimerError(key scheduler.Key, err error) {
	c.reportMu.Lock()
	s, ok := c.reports[key.String()]
	if !ok {
		s = &rate.Sometimes{Interval: errorReportGap}
		c.reports[key.String()] = s
	}
	c.reportMu.Unlock()

	warned := false
	s.Do(func() {
		warned = true
		c.log.Warn("trigger not dispatched", logx.String("project", key.Project), logx.String("spider", key.Spider), logx.Err(err))
	})
	if !warned {
		c.log.Debug("trigger not dispatched", logx.String("project", key.Project), logx.String("spider", key.Spider), logx.Err(err))
	}
}

func (c *Controller) action(key scheduler.Key) scheduler.Action {
	return func(ctx context.Context) error {
		_, err := c.dispatch.Enqueue(c.triggerTask(key))
		if errors.Is(err, engine.ErrOverlapSkip) {
			c.log.Debug("trigger skipped: previous still in flight", logx.String("project", key.Project), logx.String("spider", key.Spider))
			return nil
		}
		return err
	}
}

func (c *Controller) triggerTask(key scheduler.Key) engine.Task {
	var (
		mu    sync.Mutex
		jobID string
	)
	return engine.Task{
		Name: triggerTaskName,
		Key:  key.String(),
		Run: func(ctx context.Context) error {
			id, err := c.trigger.Schedule(ctx, key.Project, key.Spider)
			if err != nil {
				return classify(err)
			}
			mu.Lock()
			jobID = id
			mu.Unlock()
			c.log.Info("spider triggered", logx.String("project", key.Project), logx.String("spider", key.Spider), logx.String("job", id))
			return nil
		},
		Observe: func(a engine.Attempt) {
			mu.Lock()
			id := jobID
			mu.Unlock()
			c.record(key, a, id)
		},
		Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
	}
}

func (c *Controller) record(key scheduler.Key, a engine.Attempt, jobID string) {
	if c.store == nil {
		return
	}
	r := storage.TriggerRecord{
		TaskID:   a.TaskID,
		At:       a.Started,
		Project:  key.Project,
		Spider:   key.Spider,
		Attempt:  a.Number,
		Duration: a.Duration,
	}
	if a.Err != nil {
		r.Error = a.Err.Error()
	} else {
		r.JobID = jobID
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.AppendTrigger(ctx, r); err != nil {
		c.log.Warn("trigger record failed", logx.String("project", key.Project), logx.String("spider", key.Spider), logx.Err(err))
	}
}

// classify maps scrapyd failures onto engine retry hints: client errors are
// final, throttling honors Retry-After, everything else is retried.
func classify(err error) error {
	var apiErr *scrapyd.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Permanent():
		return engine.NoRetry(err)
	case apiErr.Throttled() && apiErr.RetryAfter > 0:
		return engine.RetryAfter(err, apiErr.RetryAfter)
	default:
		return err
	}
}

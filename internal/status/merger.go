package status

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "spidersched/pkg/logx"
)

const DefaultSpiderCacheTTL = 5 * time.Minute

type cacheEntry struct {
	spiders   []string
	fetchedAt time.Time
}

// Merger builds per-spider status records from the pending queue, the
// process table and the finished history of a project.
//
// Spider names are cached per project. Entries older than the cache TTL are
// refetched on access; a TTL of 0 keeps entries until Refresh or Invalidate.
type Merger struct {
	lister SpiderLister
	jobs   JobSource
	timers TimerLookup
	log    logx.Logger
	now    func() time.Time

	mu    sync.Mutex
	ttl   time.Duration
	cache map[string]cacheEntry
}

type Option func(*Merger)

func WithLogger(log logx.Logger) Option { return func(m *Merger) { m.log = log } }

func WithTimers(t TimerLookup) Option { return func(m *Merger) { m.timers = t } }

// WithCacheTTL sets the spider cache TTL; 0 disables expiry.
func WithCacheTTL(d time.Duration) Option { return func(m *Merger) { m.ttl = max(d, 0) } }

func WithClock(now func() time.Time) Option { return func(m *Merger) { m.now = now } }

func NewMerger(lister SpiderLister, jobs JobSource, opts ...Option) *Merger {
	m := &Merger{
		lister: lister,
		jobs:   jobs,
		now:    time.Now,
		ttl:    DefaultSpiderCacheTTL,
		cache:  map[string]cacheEntry{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "status"))
	return m
}

// SetCacheTTL changes the TTL for subsequent lookups (hot reload).
func (m *Merger) SetCacheTTL(d time.Duration) {
	m.mu.Lock()
	m.ttl = max(d, 0)
	m.mu.Unlock()
}

// Spiders returns the project's spider names in lister order, using the cache
// when it is fresh. Unknown projects yield nil.
func (m *Merger) Spiders(ctx context.Context, project string) []string {
	m.mu.Lock()
	e, ok := m.cache[project]
	fresh := ok && (m.ttl == 0 || m.now().Sub(e.fetchedAt) < m.ttl)
	m.mu.Unlock()
	if fresh {
		return append([]string(nil), e.spiders...)
	}

	spiders, err := m.Refresh(ctx, project)
	if err != nil {
		m.log.Warn("spider list lookup failed", logx.String("project", project), logx.Err(err))
		return nil
	}
	return spiders
}

// Refresh refetches the spider list. Empty or failed lookups are not cached
// and drop any previous entry.
func (m *Merger) Refresh(ctx context.Context, project string) ([]string, error) {
	spiders, err := m.lister.ListSpiders(ctx, project)
	if err != nil {
		m.Invalidate(project)
		return nil, err
	}
	spiders = dedupe(spiders)
	if len(spiders) == 0 {
		m.Invalidate(project)
		m.log.Debug("project has no spiders", logx.String("project", project))
		return nil, nil
	}

	m.mu.Lock()
	m.cache[project] = cacheEntry{spiders: spiders, fetchedAt: m.now()}
	m.mu.Unlock()
	return append([]string(nil), spiders...), nil
}

func (m *Merger) Invalidate(project string) {
	m.mu.Lock()
	delete(m.cache, project)
	m.mu.Unlock()
}

// GetStatus returns one record per spider of project. Sources are applied as
// pending, then running, then finished; a later pass overwrites an earlier
// one, so a spider seen in the finished history is reported finished. An
// unknown project yields an empty map.
func (m *Merger) GetStatus(ctx context.Context, project string) map[string]SpiderStatus {
	spiders := m.Spiders(ctx, project)
	out := make(map[string]SpiderStatus, len(spiders))
	for _, s := range spiders {
		out[s] = SpiderStatus{Phase: PhaseFinished}
	}
	if len(out) == 0 {
		return out
	}

	if pending, err := m.jobs.ListPendingJobs(ctx, project); err != nil {
		m.sourceFailed(project, "pending", err)
	} else {
		for _, j := range pending {
			m.apply(out, project, j.Spider, "pending", SpiderStatus{Phase: PhasePending, JobID: j.JobID})
		}
	}

	if running, err := m.jobs.ListRunningProcesses(ctx); err != nil {
		m.sourceFailed(project, "running", err)
	} else {
		for _, p := range running {
			if p.Project != project {
				continue
			}
			m.apply(out, project, p.Spider, "running", SpiderStatus{Phase: PhaseRunning, Timestamp: p.StartTime, JobID: p.JobID})
		}
	}

	if finished, err := m.jobs.ListFinishedJobs(ctx); err != nil {
		m.sourceFailed(project, "finished", err)
	} else {
		for _, f := range finished {
			if f.Project != project {
				continue
			}
			m.apply(out, project, f.Spider, "finished", SpiderStatus{Phase: PhaseFinished, Timestamp: f.EndTime, JobID: f.JobID})
		}
	}

	if m.timers != nil {
		for name, st := range out {
			if next, ok := m.timers.NextFireTime(project, name); ok {
				st.NextFireTime = next
				out[name] = st
			}
		}
	}
	return out
}

func (m *Merger) apply(out map[string]SpiderStatus, project, spider, source string, st SpiderStatus) {
	if _, ok := out[spider]; !ok {
		m.log.Debug("job for unknown spider dropped",
			logx.String("project", project),
			logx.String("spider", spider),
			logx.String("source", source),
			logx.String("job", st.JobID),
		)
		return
	}
	out[spider] = st
}

func (m *Merger) sourceFailed(project, source string, err error) {
	m.log.Warn("job source failed; pass skipped", logx.String("project", project), logx.String("source", source), logx.Err(err))
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

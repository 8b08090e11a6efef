package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"spidersched/internal/eventbus"
	logx "spidersched/pkg/logx"
)

var (
	ErrInvalidKey      = errors.New("timer key requires project and spider")
	ErrNilAction       = errors.New("timer action is nil")
	ErrInvalidInterval = errors.New("timer interval must be > 0")
	ErrNilSchedule     = errors.New("timer schedule is nil")
)

// Key identifies a timer. One timer exists per (project, spider).
type Key struct {
	Project string
	Spider  string
}

func (k Key) String() string { return k.Project + "/" + k.Spider }

func (k Key) valid() bool {
	return strings.TrimSpace(k.Project) != "" && strings.TrimSpace(k.Spider) != ""
}

// Action is invoked once per due tick.
type Action func(ctx context.Context) error

// ErrorHandler observes failed actions. It runs on the ticking goroutine.
type ErrorHandler func(key Key, err error)

// TimerEvent is the bus payload for timer.* events.
type TimerEvent struct {
	Project  string    `json:"project"`
	Spider   string    `json:"spider"`
	Schedule string    `json:"schedule,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// TimerInfo is a point-in-time view of one timer.
type TimerInfo struct {
	Project     string    `json:"project"`
	Spider      string    `json:"spider"`
	Schedule    string    `json:"schedule"`
	Next        time.Time `json:"next"`
	LastFire    time.Time `json:"last_fire,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
	Fires       uint64    `json:"fires"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
}

type timer struct {
	key    Key
	sched  Schedule
	next   time.Time
	action Action
	gen    uint64

	installedAt time.Time
	lastFire    time.Time
	fires       uint64
	failures    uint64
	lastErr     string
}

// TimerSet owns the recurring timers. It never runs goroutines of its own;
// Tick is driven externally (see Driver).
type TimerSet struct {
	mu     sync.Mutex
	timers map[Key]*timer
	gen    uint64

	log     logx.Logger
	bus     eventbus.Bus
	onError ErrorHandler
	now     func() time.Time
}

type Option func(*TimerSet)

func WithLogger(log logx.Logger) Option { return func(s *TimerSet) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *TimerSet) { s.bus = bus } }

// WithErrorHandler replaces the default handler, which logs at warn.
func WithErrorHandler(h ErrorHandler) Option { return func(s *TimerSet) { s.onError = h } }

// WithClock overrides the clock used when a timer is installed without an explicit first fire.
func WithClock(now func() time.Time) Option { return func(s *TimerSet) { s.now = now } }

func NewTimerSet(opts ...Option) *TimerSet {
	s := &TimerSet{timers: map[Key]*timer{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.onError == nil {
		s.onError = func(key Key, err error) {
			s.log.Warn("timer action failed", logx.String("project", key.Project), logx.String("spider", key.Spider), logx.Err(err))
		}
	}
	return s
}

// Install registers a fixed-interval timer, replacing any timer with the same key.
func (s *TimerSet) Install(key Key, every time.Duration, first time.Time, action Action) error {
	sched, err := Every(every)
	if err != nil {
		return err
	}
	return s.InstallSchedule(key, sched, first, action)
}

// InstallSchedule registers a timer with an arbitrary schedule. A zero first
// fire time means sched.Next(now).
//
// The previous timer for key is replaced under the same lock. Once this
// returns the old action never starts again, including when a Tick has
// already collected it.
func (s *TimerSet) InstallSchedule(key Key, sched Schedule, first time.Time, action Action) error {
	if !key.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
	}
	if action == nil {
		return ErrNilAction
	}
	if sched == nil {
		return ErrNilSchedule
	}
	now := s.now()
	if first.IsZero() {
		first = sched.Next(now)
	}

	s.mu.Lock()
	s.gen++
	_, replaced := s.timers[key]
	s.timers[key] = &timer{
		key:         key,
		sched:       sched,
		next:        first,
		action:      action,
		gen:         s.gen,
		installedAt: now,
	}
	s.mu.Unlock()

	s.log.Debug("timer installed",
		logx.String("project", key.Project),
		logx.String("spider", key.Spider),
		logx.String("schedule", sched.String()),
		logx.Time("first", first),
		logx.Bool("replaced", replaced),
	)
	eventbus.Publish(s.bus, eventbus.TimerInstalled, TimerEvent{Project: key.Project, Spider: key.Spider, Schedule: sched.String(), Next: first})
	return nil
}

// NextFireTime returns the next scheduled fire time for key.
func (s *TimerSet) NextFireTime(key Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return t.next, true
}

func (s *TimerSet) Remove(key Key) bool {
	s.mu.Lock()
	_, ok := s.timers[key]
	delete(s.timers, key)
	s.mu.Unlock()
	if ok {
		eventbus.Publish(s.bus, eventbus.TimerRemoved, TimerEvent{Project: key.Project, Spider: key.Spider})
	}
	return ok
}

// RemoveProject removes every timer of project and returns how many were removed.
func (s *TimerSet) RemoveProject(project string) int {
	s.mu.Lock()
	var removed []Key
	for k := range s.timers {
		if k.Project == project {
			removed = append(removed, k)
			delete(s.timers, k)
		}
	}
	s.mu.Unlock()
	for _, k := range removed {
		eventbus.Publish(s.bus, eventbus.TimerRemoved, TimerEvent{Project: k.Project, Spider: k.Spider})
	}
	return len(removed)
}

func (s *TimerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Snapshot returns all timers sorted by project, then spider.
func (s *TimerSet) Snapshot() []TimerInfo {
	s.mu.Lock()
	out := make([]TimerInfo, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, TimerInfo{
			Project:     t.key.Project,
			Spider:      t.key.Spider,
			Schedule:    t.sched.String(),
			Next:        t.next,
			LastFire:    t.lastFire,
			InstalledAt: t.installedAt,
			Fires:       t.fires,
			Failures:    t.failures,
			LastError:   t.lastErr,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Spider < out[j].Spider
	})
	return out
}

type dueFire struct {
	key    Key
	gen    uint64
	at     time.Time
	action Action
}

// Tick fires every timer whose next fire time is at or before now, at most
// once per timer, and returns how many actions ran.
//
// Due timers are advanced under the lock (next = schedule.Next(old next)),
// then their actions run outside it in fire-time order. An action whose
// timer was replaced or removed after collection, including by an earlier
// action in the same tick, is skipped. A timer overdue by several intervals
// catches up one interval per tick.
func (s *TimerSet) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []dueFire
	for _, t := range s.timers {
		if t.next.After(now) {
			continue
		}
		due = append(due, dueFire{key: t.key, gen: t.gen, at: t.next, action: t.action})
		next := t.sched.Next(t.next)
		if next.IsZero() || !next.After(t.next) {
			// Exhausted or non-advancing schedules resume from now.
			next = t.sched.Next(now)
		}
		t.next = next
		t.lastFire = now
		t.fires++
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		if due[i].key.Project != due[j].key.Project {
			return due[i].key.Project < due[j].key.Project
		}
		return due[i].key.Spider < due[j].key.Spider
	})

	fired := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		// Replaced or removed since collection.
		if !s.current(d) {
			continue
		}
		fired++
		err := s.runAction(ctx, d)
		if err == nil {
			eventbus.Publish(s.bus, eventbus.TimerFired, TimerEvent{Project: d.key.Project, Spider: d.key.Spider})
			continue
		}

		s.mu.Lock()
		if t, ok := s.timers[d.key]; ok && t.gen == d.gen {
			t.failures++
			t.lastErr = err.Error()
		}
		s.mu.Unlock()

		s.onError(d.key, err)
		eventbus.Publish(s.bus, eventbus.TimerFailed, TimerEvent{Project: d.key.Project, Spider: d.key.Spider, Error: err.Error()})
	}
	return fired
}

func (s *TimerSet) current(d dueFire) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[d.key]
	return ok && t.gen == d.gen
}

func (s *TimerSet) runAction(ctx context.Context, d dueFire) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("timer action panicked", logx.String("timer", d.key.String()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return d.action(ctx)
}

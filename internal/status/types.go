package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Phase is the lifecycle phase of a spider as seen by the daemon.
type Phase int

const (
	PhaseFinished Phase = iota
	PhasePending
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRunning:
		return "running"
	default:
		return "finished"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "finished":
		*p = PhaseFinished
	case "pending":
		*p = PhasePending
	case "running":
		*p = PhaseRunning
	default:
		return fmt.Errorf("unknown phase %q", string(b))
	}
	return nil
}

// SpiderStatus is the merged view of one spider. Zero times and an empty
// JobID mean "none".
type SpiderStatus struct {
	Phase        Phase
	Timestamp    time.Time
	JobID        string
	NextFireTime time.Time
}

type spiderStatusJSON struct {
	Phase        Phase      `json:"status"`
	Timestamp    *time.Time `json:"timestamp"`
	JobID        *string    `json:"job"`
	NextFireTime *time.Time `json:"next_time"`
}

// MarshalJSON renders "none" values as null.
func (s SpiderStatus) MarshalJSON() ([]byte, error) {
	out := spiderStatusJSON{Phase: s.Phase}
	if !s.Timestamp.IsZero() {
		out.Timestamp = &s.Timestamp
	}
	if s.JobID != "" {
		out.JobID = &s.JobID
	}
	if !s.NextFireTime.IsZero() {
		out.NextFireTime = &s.NextFireTime
	}
	return json.Marshal(out)
}

// PendingJob is an entry of a project's pending queue.
type PendingJob struct {
	Spider string
	JobID  string
}

// RunningProcess is an entry of the daemon's process table.
type RunningProcess struct {
	Project   string
	Spider    string
	JobID     string
	PID       int
	StartTime time.Time
}

// FinishedJob is an entry of the finished history, ordered by completion.
type FinishedJob struct {
	Project   string
	Spider    string
	JobID     string
	StartTime time.Time
	EndTime   time.Time
}

// SpiderLister resolves the spider names deployed for a project.
type SpiderLister interface {
	ListSpiders(ctx context.Context, project string) ([]string, error)
}

// JobSource exposes the three sources of truth that are merged.
type JobSource interface {
	ListPendingJobs(ctx context.Context, project string) ([]PendingJob, error)
	ListRunningProcesses(ctx context.Context) ([]RunningProcess, error)
	ListFinishedJobs(ctx context.Context) ([]FinishedJob, error)
}

// TimerLookup reports the next fire time of the timer for (project, spider).
type TimerLookup interface {
	NextFireTime(project, spider string) (time.Time, bool)
}

// TimerLookupFunc adapts a function to TimerLookup.
type TimerLookupFunc func(project, spider string) (time.Time, bool)

func (f TimerLookupFunc) NextFireTime(project, spider string) (time.Time, bool) {
	return f(project, spider)
}

// SortedNames returns the keys of m in ascending order.
func SortedNames(m map[string]SpiderStatus) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

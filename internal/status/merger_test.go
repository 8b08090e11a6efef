package status

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type fakeLister struct {
	mu      sync.Mutex
	spiders map[string][]string
	err     error
	calls   int
}

func (f *fakeLister) ListSpiders(ctx context.Context, project string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.spiders[project]...), nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeJobs struct {
	pending  map[string][]PendingJob
	running  []RunningProcess
	finished []FinishedJob

	pendingErr, runningErr, finishedErr error
}

func (f *fakeJobs) ListPendingJobs(ctx context.Context, project string) ([]PendingJob, error) {
	return f.pending[project], f.pendingErr
}

func (f *fakeJobs) ListRunningProcesses(ctx context.Context) ([]RunningProcess, error) {
	return f.running, f.runningErr
}

func (f *fakeJobs) ListFinishedJobs(ctx context.Context) ([]FinishedJob, error) {
	return f.finished, f.finishedErr
}

var (
	start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end   = start.Add(15 * time.Minute)
)

func TestGetStatusOneRecordPerSpider(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{spiders: map[string][]string{"p": {"a", "b", "c"}}}
	jobs := &fakeJobs{
		pending:  map[string][]PendingJob{"p": {{Spider: "a", JobID: "j1"}, {Spider: "ghost", JobID: "j9"}}},
		running:  []RunningProcess{{Project: "p", Spider: "b", JobID: "j2", StartTime: start}, {Project: "other", Spider: "c", JobID: "jx"}},
		finished: []FinishedJob{{Project: "other", Spider: "a", JobID: "jy", EndTime: end}},
	}
	got := NewMerger(lister, jobs).GetStatus(context.Background(), "p")

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(got), got)
	}
	if _, ok := got["ghost"]; ok {
		t.Fatalf("unknown spider leaked into result")
	}
}

func TestGetStatusSingleSourcePhases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		jobs *fakeJobs
		want SpiderStatus
	}{
		{
			name: "pending only",
			jobs: &fakeJobs{pending: map[string][]PendingJob{"p": {{Spider: "a", JobID: "j1"}}}},
			want: SpiderStatus{Phase: PhasePending, JobID: "j1"},
		},
		{
			name: "running only",
			jobs: &fakeJobs{running: []RunningProcess{{Project: "p", Spider: "a", JobID: "j2", PID: 42, StartTime: start}}},
			want: SpiderStatus{Phase: PhaseRunning, Timestamp: start, JobID: "j2"},
		},
		{
			name: "finished only",
			jobs: &fakeJobs{finished: []FinishedJob{{Project: "p", Spider: "a", JobID: "j3", StartTime: start, EndTime: end}}},
			want: SpiderStatus{Phase: PhaseFinished, Timestamp: end, JobID: "j3"},
		},
		{
			name: "no data",
			jobs: &fakeJobs{},
			want: SpiderStatus{Phase: PhaseFinished},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lister := &fakeLister{spiders: map[string][]string{"p": {"a"}}}
			got := NewMerger(lister, tt.jobs).GetStatus(context.Background(), "p")
			if !reflect.DeepEqual(got["a"], tt.want) {
				t.Fatalf("status = %+v, want %+v", got["a"], tt.want)
			}
		})
	}
}

func TestGetStatusPrecedenceFinishedWins(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{spiders: map[string][]string{"p": {"a", "b"}}}
	jobs := &fakeJobs{
		pending: map[string][]PendingJob{"p": {{Spider: "a", JobID: "j-pending"}, {Spider: "b", JobID: "j-b-pending"}}},
		running: []RunningProcess{{Project: "p", Spider: "a", JobID: "j-running", StartTime: start}, {Project: "p", Spider: "b", JobID: "j-b-running", StartTime: start}},
		finished: []FinishedJob{
			{Project: "p", Spider: "a", JobID: "j-old", EndTime: start},
			{Project: "p", Spider: "a", JobID: "j-new", EndTime: end},
		},
	}
	got := NewMerger(lister, jobs).GetStatus(context.Background(), "p")

	if a := got["a"]; a.Phase != PhaseFinished || a.JobID != "j-new" || !a.Timestamp.Equal(end) {
		t.Fatalf("a = %+v, want latest finished entry", a)
	}
	if b := got["b"]; b.Phase != PhaseRunning || b.JobID != "j-b-running" {
		t.Fatalf("b = %+v, want running over pending", b)
	}
}

func TestGetStatusUnknownProject(t *testing.T) {
	t.Parallel()

	m := NewMerger(&fakeLister{}, &fakeJobs{})
	if got := m.GetStatus(context.Background(), "nope"); len(got) != 0 {
		t.Fatalf("got %+v, want empty", got)
	}

	failing := NewMerger(&fakeLister{err: errors.New("scrapyd unreachable")}, &fakeJobs{})
	if got := failing.GetStatus(context.Background(), "p"); got == nil || len(got) != 0 {
		t.Fatalf("got %+v, want empty non-nil map", got)
	}
}

func TestGetStatusSkipsFailingSource(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{spiders: map[string][]string{"p": {"a", "b"}}}
	jobs := &fakeJobs{
		pending:    map[string][]PendingJob{"p": {{Spider: "a", JobID: "j1"}}},
		runningErr: errors.New("timeout"),
		finished:   []FinishedJob{{Project: "p", Spider: "b", JobID: "j2", EndTime: end}},
	}
	got := NewMerger(lister, jobs).GetStatus(context.Background(), "p")
	if got["a"].Phase != PhasePending || got["b"].JobID != "j2" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetStatusIncludesNextFireTime(t *testing.T) {
	t.Parallel()

	next := end.Add(time.Hour)
	timers := TimerLookupFunc(func(project, spider string) (time.Time, bool) {
		if project == "p" && spider == "a" {
			return next, true
		}
		return time.Time{}, false
	})
	lister := &fakeLister{spiders: map[string][]string{"p": {"a", "b"}}}
	got := NewMerger(lister, &fakeJobs{}, WithTimers(timers)).GetStatus(context.Background(), "p")

	if !got["a"].NextFireTime.Equal(next) {
		t.Fatalf("a next = %s", got["a"].NextFireTime)
	}
	if !got["b"].NextFireTime.IsZero() {
		t.Fatalf("b next = %s, want none", got["b"].NextFireTime)
	}
}

func TestSpiderCacheTTL(t *testing.T) {
	t.Parallel()

	now := start
	lister := &fakeLister{spiders: map[string][]string{"p": {"a"}}}
	m := NewMerger(lister, &fakeJobs{}, WithCacheTTL(time.Minute), WithClock(func() time.Time { return now }))

	m.Spiders(context.Background(), "p")
	m.Spiders(context.Background(), "p")
	if lister.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (cached)", lister.callCount())
	}

	lister.mu.Lock()
	lister.spiders["p"] = []string{"a", "b"}
	lister.mu.Unlock()
	now = now.Add(2 * time.Minute)

	if got := m.Spiders(context.Background(), "p"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Spiders after TTL = %v", got)
	}
	if lister.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", lister.callCount())
	}

	m.Invalidate("p")
	m.Spiders(context.Background(), "p")
	if lister.callCount() != 3 {
		t.Fatalf("Invalidate did not force a refetch")
	}
}

func TestSpiderCacheZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	now := start
	lister := &fakeLister{spiders: map[string][]string{"p": {"a"}}}
	m := NewMerger(lister, &fakeJobs{}, WithCacheTTL(0), WithClock(func() time.Time { return now }))
	m.Spiders(context.Background(), "p")
	now = now.Add(365 * 24 * time.Hour)
	m.Spiders(context.Background(), "p")
	if lister.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", lister.callCount())
	}

	got, err := m.Refresh(context.Background(), "p")
	if err != nil || !reflect.DeepEqual(got, []string{"a"}) || lister.callCount() != 2 {
		t.Fatalf("Refresh = %v, %v (calls %d)", got, err, lister.callCount())
	}
}

func TestEmptySpiderListNotCached(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{spiders: map[string][]string{}}
	m := NewMerger(lister, &fakeJobs{})
	m.Spiders(context.Background(), "p")
	m.Spiders(context.Background(), "p")
	if lister.callCount() != 2 {
		t.Fatalf("empty list was cached")
	}
}

func TestRefreshDedupesAndKeepsOrder(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{spiders: map[string][]string{"p": {"c", "a", "c", " ", "b"}}}
	got, err := NewMerger(lister, &fakeJobs{}).Refresh(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Fatalf("Refresh = %v", got)
	}
}

func TestSpiderStatusJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(map[string]SpiderStatus{
		"x": {Phase: PhaseFinished},
		"y": {Phase: PhaseRunning, Timestamp: start, JobID: "j1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"x":{"status":"finished","timestamp":null,"job":null,"next_time":null},` +
		`"y":{"status":"running","timestamp":"2024-05-01T10:00:00Z","job":"j1","next_time":null}}`
	if string(b) != want {
		t.Fatalf("json = %s\nwant  %s", b, want)
	}
}

func TestSortedNames(t *testing.T) {
	t.Parallel()
	got := SortedNames(map[string]SpiderStatus{"b": {}, "a": {}, "c": {}})
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("SortedNames = %v", got)
	}
}

package scrapyd

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spidersched/internal/status"
)

const DefaultJobsCacheTTL = time.Second

// Source adapts a Client to status.SpiderLister and status.JobSource.
//
// The process table and finished history are daemon-wide, but scrapyd only
// lists jobs per project, so they are assembled from every project's
// listjobs.json. Each project's response is memoized for a short TTL so one
// status query costs at most one listjobs call per project.
type Source struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]jobsEntry
}

type jobsEntry struct {
	jobs Jobs
	at   time.Time
}

var (
	_ status.SpiderLister = (*Source)(nil)
	_ status.JobSource    = (*Source)(nil)
)

// NewSource wraps client. A ttl <= 0 disables memoization.
func NewSource(client *Client, ttl time.Duration) *Source {
	return &Source{client: client, ttl: ttl, now: time.Now, jobs: map[string]jobsEntry{}}
}

func (s *Source) ListSpiders(ctx context.Context, project string) ([]string, error) {
	return s.client.ListSpiders(ctx, project)
}

func (s *Source) projectJobs(ctx context.Context, project string) (Jobs, error) {
	if s.ttl > 0 {
		s.mu.Lock()
		e, ok := s.jobs[project]
		s.mu.Unlock()
		if ok && s.now().Sub(e.at) < s.ttl {
			return e.jobs, nil
		}
	}
	jobs, err := s.client.ListJobs(ctx, project)
	if err != nil {
		return Jobs{}, err
	}
	if s.ttl > 0 {
		s.mu.Lock()
		s.jobs[project] = jobsEntry{jobs: jobs, at: s.now()}
		s.mu.Unlock()
	}
	return jobs, nil
}

func (s *Source) ListPendingJobs(ctx context.Context, project string) ([]status.PendingJob, error) {
	jobs, err := s.projectJobs(ctx, project)
	if err != nil {
		return nil, err
	}
	out := make([]status.PendingJob, 0, len(jobs.Pending))
	for _, j := range jobs.Pending {
		out = append(out, status.PendingJob{Spider: j.Spider, JobID: j.ID})
	}
	return out, nil
}

func (s *Source) ListRunningProcesses(ctx context.Context) ([]status.RunningProcess, error) {
	var out []status.RunningProcess
	err := s.eachProject(ctx, func(jobs Jobs) {
		for _, j := range jobs.Running {
			out = append(out, status.RunningProcess{Project: j.Project, Spider: j.Spider, JobID: j.ID, PID: j.PID, StartTime: j.StartTime})
		}
	})
	return out, err
}

// ListFinishedJobs returns each project's finished jobs oldest first by end
// time, whatever order the daemon's job storage lists them in.
func (s *Source) ListFinishedJobs(ctx context.Context) ([]status.FinishedJob, error) {
	var out []status.FinishedJob
	err := s.eachProject(ctx, func(jobs Jobs) {
		from := len(out)
		for _, j := range jobs.Finished {
			out = append(out, status.FinishedJob{Project: j.Project, Spider: j.Spider, JobID: j.ID, StartTime: j.StartTime, EndTime: j.EndTime})
		}
		chunk := out[from:]
		sort.SliceStable(chunk, func(i, k int) bool { return chunk[i].EndTime.Before(chunk[k].EndTime) })
	})
	return out, err
}

// eachProject visits every project's jobs. A project whose listjobs call
// fails is skipped; the error is returned only if every project failed.
func (s *Source) eachProject(ctx context.Context, fn func(Jobs)) error {
	projects, err := s.client.ListProjects(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	failed := 0
	for _, p := range projects {
		jobs, err := s.projectJobs(ctx, p)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("project %s: %w", p, err)
			}
			continue
		}
		fn(jobs)
	}
	if len(projects) > 0 && failed == len(projects) {
		return firstErr
	}
	return nil
}

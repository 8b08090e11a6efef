package scrapyd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used in listjobs.json.
const TimeLayout = "2006-01-02 15:04:05.999999"

// envelope is the common part of every scrapyd JSON response.
type envelope struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	NodeName string `json:"node_name,omitempty"`
}

type projectsResponse struct {
	envelope
	Projects []string `json:"projects"`
}

type spidersResponse struct {
	envelope
	Spiders []string `json:"spiders"`
}

type scheduleResponse struct {
	envelope
	JobID string `json:"jobid"`
}

type jobsResponse struct {
	envelope
	Pending  []rawJob `json:"pending"`
	Running  []rawJob `json:"running"`
	Finished []rawJob `json:"finished"`
}

type rawJob struct {
	ID        string `json:"id"`
	Project   string `json:"project,omitempty"`
	Spider    string `json:"spider"`
	PID       int    `json:"pid,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

// Job is one entry of listjobs.json.
type Job struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Spider    string    `json:"spider"`
	PID       int       `json:"pid,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Jobs is the decoded listjobs.json response for one project.
type Jobs struct {
	Pending  []Job
	Running  []Job
	Finished []Job
}

// DaemonStatus is the decoded daemonstatus.json response.
type DaemonStatus struct {
	NodeName string `json:"node_name"`
	Pending  int    `json:"pending"`
	Running  int    `json:"running"`
	Finished int    `json:"finished"`
}

// APIError is returned for non-2xx responses and for "status": "error" payloads.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("scrapyd %s: %d %s", e.Endpoint, e.StatusCode, msg)
}

// Permanent reports whether retrying the same request cannot succeed:
// 4xx other than 408/429, or a 2xx carrying "status": "error".
func (e *APIError) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	case e.StatusCode < 300:
		return true
	}
	return false
}

// Throttled reports whether the daemon asked the caller to back off.
func (e *APIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

// parseTime parses a scrapyd timestamp. Naive timestamps are read in loc.
func parseTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(TimeLayout, v, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func decodeInto(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

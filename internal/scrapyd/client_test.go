package scrapyd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const listJobsBody = `{
  "status": "ok",
  "pending": [{"id": "p1", "spider": "NJU"}],
  "running": [{"id": "r1", "spider": "BIT", "pid": 4242, "start_time": "2024-05-01 10:00:00.123456"}],
  "finished": [{"id": "f1", "spider": "RUC", "start_time": "2024-05-01 09:00:00", "end_time": "2024-05-01 09:15:30.5"}]
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, Location: time.UTC})
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	return c
}

func TestListSpiders(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/listspiders.json" || r.URL.Query().Get("project") != "careerTalk" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"status":"ok","spiders":["NJU","BIT"]}`)
	})

	got, err := c.ListSpiders(context.Background(), "careerTalk")
	if err != nil {
		t.Fatalf("ListSpiders() = %v", err)
	}
	if len(got) != 2 || got[0] != "NJU" || got[1] != "BIT" {
		t.Fatalf("spiders = %v", got)
	}
}

func TestListJobsParsesTimestamps(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listJobsBody)
	})

	jobs, err := c.ListJobs(context.Background(), "careerTalk")
	if err != nil {
		t.Fatalf("ListJobs() = %v", err)
	}
	if len(jobs.Pending) != 1 || jobs.Pending[0].Project != "careerTalk" {
		t.Fatalf("pending = %+v", jobs.Pending)
	}
	run := jobs.Running[0]
	wantStart := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if run.PID != 4242 || !run.StartTime.Equal(wantStart) {
		t.Fatalf("running = %+v", run)
	}
	fin := jobs.Finished[0]
	wantEnd := time.Date(2024, 5, 1, 9, 15, 30, 500000000, time.UTC)
	if !fin.EndTime.Equal(wantEnd) {
		t.Fatalf("finished end = %s, want %s", fin.EndTime, wantEnd)
	}
}

func TestScheduleSendsForm(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/schedule.json" {
			http.Error(w, "bad", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("project") != "careerTalk" || r.PostForm.Get("spider") != "NJU" {
			http.Error(w, "missing fields", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"status":"ok","jobid":"6487ec79947edab326d6db28a2d86511e8247444"}`)
	})

	id, err := c.Schedule(context.Background(), "careerTalk", "NJU")
	if err != nil {
		t.Fatalf("Schedule() = %v", err)
	}
	if id != "6487ec79947edab326d6db28a2d86511e8247444" {
		t.Fatalf("job id = %q", id)
	}
}

func TestAPIErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		code       int
		body       string
		retryAfter string
		permanent  bool
		throttled  bool
		wantDelay  time.Duration
	}{
		{name: "scrapyd status error", code: 200, body: `{"status":"error","message":"spider 'x' not found"}`, permanent: true},
		{name: "bad request", code: 400, body: `{"status":"error","message":"missing spider"}`, permanent: true},
		{name: "too many requests", code: 429, retryAfter: "7", throttled: true, wantDelay: 7 * time.Second},
		{name: "unavailable", code: 503, throttled: true},
		{name: "server error", code: 500, body: "Traceback"},
		{name: "request timeout", code: 408},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			})

			_, err := c.Schedule(context.Background(), "p", "x")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.code {
				t.Fatalf("status = %d", apiErr.StatusCode)
			}
			if apiErr.Permanent() != tt.permanent || apiErr.Throttled() != tt.throttled {
				t.Fatalf("permanent=%v throttled=%v", apiErr.Permanent(), apiErr.Throttled())
			}
			if apiErr.RetryAfter != tt.wantDelay {
				t.Fatalf("retry after = %s", apiErr.RetryAfter)
			}
		})
	}
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListProjects(context.Background())
	var apiErr *APIError
	if err == nil || errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "ftp://host", "://bad"} {
		if _, err := NewClient(Config{BaseURL: raw}); err == nil {
			t.Fatalf("NewClient(%q) expected error", raw)
		}
	}
}

func TestBaseURLWithPathPrefix(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/scrapyd/daemonstatus.json" {
			hits.Add(1)
			fmt.Fprint(w, `{"status":"ok","running":1,"pending":2,"finished":3,"node_name":"n1"}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/scrapyd"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := c.DaemonStatus(context.Background())
	if err != nil {
		t.Fatalf("DaemonStatus() = %v", err)
	}
	if hits.Load() != 1 || st.NodeName != "n1" || st.Pending != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if d := parseRetryAfter("120", now); d != 2*time.Minute {
		t.Fatalf("seconds form = %s", d)
	}
	if d := parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now); d != 30*time.Second {
		t.Fatalf("date form = %s", d)
	}
	if d := parseRetryAfter("soon", now); d != 0 {
		t.Fatalf("garbage = %s", d)
	}
}

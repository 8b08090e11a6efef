package scrapyd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "spidersched/pkg/logx"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 8 << 20
)

// Config configures the scrapyd HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// ScheduleRPS limits schedule.json calls; 0 disables the limiter.
	ScheduleRPS   float64
	ScheduleBurst int

	// Location is used for naive listjobs timestamps. nil means time.Local.
	Location *time.Location
}

// Client talks to the scrapyd JSON API.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	loc     *time.Location
	log     logx.Logger
	now     func() time.Time
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying client; its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

func WithLogger(log logx.Logger) ClientOption { return func(c *Client) { c.log = log } }

func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("scrapyd base url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid scrapyd base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid scrapyd base url %q: scheme must be http or https", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	c := &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
		loc:  loc,
		now:  time.Now,
	}
	if cfg.ScheduleRPS > 0 {
		burst := cfg.ScheduleBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ScheduleRPS), burst)
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "scrapyd"))
	return c, nil
}

// BaseURL returns the daemon URL the client talks to.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(name string, q url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: name})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do performs the request and returns the body of a successful scrapyd
// response. Transport failures are wrapped; HTTP and scrapyd-level failures
// are *APIError.
func (c *Client) do(ctx context.Context, method, name string, q url.Values, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(name, q), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scrapyd %s: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("scrapyd %s: failed to read response: %w", name, err)
	}
	c.log.Trace("scrapyd call", logx.String("endpoint", name), logx.Int("status", resp.StatusCode), logx.Duration("dur", c.now().Sub(start)))

	var env envelope
	_ = decodeInto(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return &APIError{
			Endpoint:   name,
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	if strings.EqualFold(env.Status, "error") {
		return &APIError{Endpoint: name, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := decodeInto(respBody, out); err != nil {
		return fmt.Errorf("scrapyd %s: %w", name, err)
	}
	return nil
}

func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var out projectsResponse
	if err := c.do(ctx, http.MethodGet, "listprojects.json", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

func (c *Client) ListSpiders(ctx context.Context, project string) ([]string, error) {
	var out spidersResponse
	if err := c.do(ctx, http.MethodGet, "listspiders.json", url.Values{"project": {project}}, nil, &out); err != nil {
		return nil, err
	}
	return out.Spiders, nil
}

// ListJobs returns the pending, running and finished jobs of project.
// Unparseable timestamps are logged and left zero.
func (c *Client) ListJobs(ctx context.Context, project string) (Jobs, error) {
	var out jobsResponse
	if err := c.do(ctx, http.MethodGet, "listjobs.json", url.Values{"project": {project}}, nil, &out); err != nil {
		return Jobs{}, err
	}
	return Jobs{
		Pending:  c.convert(project, out.Pending),
		Running:  c.convert(project, out.Running),
		Finished: c.convert(project, out.Finished),
	}, nil
}

func (c *Client) convert(project string, raw []rawJob) []Job {
	jobs := make([]Job, 0, len(raw))
	for _, r := range raw {
		j := Job{ID: r.ID, Project: r.Project, Spider: r.Spider, PID: r.PID}
		if j.Project == "" {
			j.Project = project
		}
		var err error
		if j.StartTime, err = parseTime(r.StartTime, c.loc); err != nil {
			c.log.Debug("bad start_time", logx.String("job", r.ID), logx.Err(err))
		}
		if j.EndTime, err = parseTime(r.EndTime, c.loc); err != nil {
			c.log.Debug("bad end_time", logx.String("job", r.ID), logx.Err(err))
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// Schedule asks the daemon to run spider once and returns the new job id.
func (c *Client) Schedule(ctx context.Context, project, spider string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("scrapyd schedule.json: rate limit wait: %w", err)
		}
	}
	var out scheduleResponse
	form := url.Values{"project": {project}, "spider": {spider}}
	if err := c.do(ctx, http.MethodPost, "schedule.json", nil, form, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) DaemonStatus(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	if err := c.do(ctx, http.MethodGet, "daemonstatus.json", nil, nil, &out); err != nil {
		return DaemonStatus{}, err
	}
	return out, nil
}

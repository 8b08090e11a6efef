package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"spidersched/internal/config"
	"spidersched/internal/status"
)

func decodeYAML(t *testing.T, y string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("spidersched.yaml", []byte(y))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "minimal", yaml: "scrapyd: {url: 'http://127.0.0.1:6800'}\n"},
		{name: "empty uses defaults", yaml: "{}\n"},
		{name: "cron schedule", yaml: "scheduler: {interval: '0 */2 * * *', timezone: 'Asia/Shanghai'}\n"},
		{name: "bad scrapyd url", yaml: "scrapyd: {url: 'ftp://host'}\n", wantErr: "scrapyd.url"},
		{name: "bad level", yaml: "logging: {level: loud}\n", wantErr: "logging.level"},
		{name: "negative rps", yaml: "scrapyd: {schedule_rps: -1}\n", wantErr: "schedule_rps"},
		{name: "bad interval", yaml: "scheduler: {interval: 'every tuesday'}\n", wantErr: "scheduler"},
		{name: "bad project schedule", yaml: "scheduler: {projects: {news: {schedule: 'nope'}}}\n", wantErr: "news"},
		{name: "bad timezone", yaml: "scheduler: {timezone: 'Mars/Olympus'}\n", wantErr: "scheduler.timezone"},
		{name: "bad tick", yaml: "scheduler: {tick: 'soon'}\n", wantErr: "scheduler.tick"},
		{
			name:    "engine off while scheduling",
			yaml:    "scheduler: {enabled: true}\ntask_engine: {enabled: false}\n",
			wantErr: "task_engine.enabled",
		},
		{name: "bad retry base", yaml: "task_engine: {retry_base: 'x'}\n", wantErr: "task_engine.retry_base"},
		{name: "notifier rate", yaml: "notifier: {enabled: true, rate_per_sec: -2}\n", wantErr: "rate_per_sec"},
		{name: "unknown storage", yaml: "storage: {driver: redis}\n", wantErr: "storage.driver"},
		{name: "sqlite without path", yaml: "storage: {driver: sqlite}\n", wantErr: "storage.path"},
		{name: "bad web timeout", yaml: "web: {read_timeout: '-1s'}\n", wantErr: "web.read_timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validate(context.Background(), decodeYAML(t, tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapTaskEngineConfigDefaults(t *testing.T) {
	t.Parallel()

	got, err := mapTaskEngineConfig(decodeYAML(t, "scheduler: {enabled: true}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Workers != 2 || got.QueueSize != 256 || got.RetryMax != 3 ||
		got.DefaultTimeout != 15*time.Second || got.RetryBase != time.Second || got.HistorySize != 200 {
		t.Fatalf("defaults = %+v", got)
	}

	got, err = mapTaskEngineConfig(decodeYAML(t, `
scheduler: {enabled: false}
task_engine: {workers: 8, retry_max: 1, default_timeout: 3s, circuit_trip_failures: -1}
`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.Workers != 8 || got.RetryMax != 1 || got.DefaultTimeout != 3*time.Second || got.CircuitTripFailures != -1 {
		t.Fatalf("overrides = %+v", got)
	}
}

func TestMapScheduleDefaults(t *testing.T) {
	t.Parallel()

	d, err := mapScheduleDefaults(decodeYAML(t, `
scheduler:
  interval: 30m
  stagger: 2s
  timezone: UTC
  projects:
    careerTalk: {schedule: '@hourly', stagger: 10s}
`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Schedule != "30m" || d.Stagger != 2*time.Second || d.Location.String() != "UTC" {
		t.Fatalf("defaults = %+v", d)
	}
	if p := d.Projects["careerTalk"]; p.Schedule != "@hourly" || p.Stagger != 10*time.Second {
		t.Fatalf("override = %+v", p)
	}
}

func TestDurationDefaultsKeepExplicitZero(t *testing.T) {
	t.Parallel()

	ttl, err := mapSpiderCacheTTL(decodeYAML(t, "{}\n"))
	if err != nil || ttl != status.DefaultSpiderCacheTTL {
		t.Fatalf("omitted ttl = %v, %v", ttl, err)
	}
	ttl, err = mapSpiderCacheTTL(decodeYAML(t, "scheduler: {spider_cache_ttl: 0s}\n"))
	if err != nil || ttl != 0 {
		t.Fatalf("explicit zero ttl = %v, %v", ttl, err)
	}

	_, jobsTTL, err := mapScrapydConfig(decodeYAML(t, "scrapyd: {jobs_cache_ttl: 0s}\n"))
	if err != nil || jobsTTL != 0 {
		t.Fatalf("jobs ttl = %v, %v", jobsTTL, err)
	}
}

func TestNewSenderNeedsChat(t *testing.T) {
	t.Parallel()

	s, err := newSender(decodeYAML(t, "notifier: {enabled: true, telegram: {token: 'x'}}\n"))
	if err != nil || s != nil {
		t.Fatalf("sender without chat = %v, %v", s, err)
	}
	s, err = newSender(decodeYAML(t, "notifier: {enabled: false, telegram: {token: '1:abc', chat_id: 42}}\n"))
	if err != nil || s != nil {
		t.Fatalf("disabled sender = %v, %v", s, err)
	}
}

// fakeScrapyd serves the four endpoints the app uses for one project.
type fakeScrapyd struct {
	mu        sync.Mutex
	scheduled []string
}

func (f *fakeScrapyd) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/listprojects.json":
		fmt.Fprint(w, `{"status":"ok","projects":["demo"]}`)
	case "/listspiders.json":
		if r.URL.Query().Get("project") != "demo" {
			fmt.Fprint(w, `{"status":"ok","spiders":[]}`)
			return
		}
		fmt.Fprint(w, `{"status":"ok","spiders":["x","y"]}`)
	case "/listjobs.json":
		fmt.Fprint(w, `{"status":"ok","pending":[],"running":[],"finished":[]}`)
	case "/daemonstatus.json":
		fmt.Fprint(w, `{"status":"ok","node_name":"test","pending":0,"running":0,"finished":0}`)
	case "/schedule.json":
		_ = r.ParseForm()
		f.mu.Lock()
		f.scheduled = append(f.scheduled, r.PostForm.Get("project")+"/"+r.PostForm.Get("spider"))
		n := len(f.scheduled)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"status":"ok","jobid":"job-%d"}`, n)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeScrapyd) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestAppInstallsAndTriggers(t *testing.T) {
	fake := &fakeScrapyd{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "spidersched.yaml")
	cfg := fmt.Sprintf(`
logging: {level: error}
scrapyd: {url: %q, timeout: 2s, jobs_cache_ttl: 0s}
scheduler:
  enabled: true
  tick: 20ms
  interval: 1h
  stagger: 50ms
  install_on_start: [demo]
task_engine: {workers: 1, retry_max: 1}
storage: {driver: file, path: %q}
web: {enabled: false}
`, srv.URL, filepath.Join(dir, "history"))
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp() = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	ctrl := a.Controller()
	waitFor(t, "timers installed", func() bool { return len(ctrl.Timers("demo")) == 2 })
	waitFor(t, "both spiders triggered", func() bool { return len(fake.calls()) >= 2 })

	got := fake.calls()
	if got[0] != "demo/x" || got[1] != "demo/y" {
		t.Fatalf("schedule calls = %v, want demo/x then demo/y", got)
	}

	// After firing, each timer is one interval out.
	st := ctrl.Query(ctx, "demo")
	for _, spider := range []string{"x", "y"} {
		s, ok := st[spider]
		if !ok || s.Phase != status.PhaseFinished {
			t.Fatalf("status[%s] = %+v", spider, s)
		}
		if until := time.Until(s.NextFireTime); until < 50*time.Minute || until > time.Hour {
			t.Fatalf("next fire for %s in %v, want about 1h", spider, until)
		}
	}

	waitFor(t, "trigger history", func() bool {
		recs, err := ctrl.Triggers(ctx, "demo", 10)
		return err == nil && len(recs) >= 2
	})
	recs, _ := ctrl.Triggers(ctx, "demo", 10)
	for _, r := range recs {
		if !r.OK() || r.JobID == "" {
			t.Fatalf("record = %+v", r)
		}
	}
}

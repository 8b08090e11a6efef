package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "spidersched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scrapyd:
  url: http://127.0.0.1:6800
  timeout: 5s
scheduler:
  enabled: true
  interval: 60m
  stagger: 5s
  default_project: careerTalk
  install_on_start: [careerTalk]
  projects:
    careerTalk:
      schedule: "@hourly"
storage:
  driver: sqlite
  path: ./data/spidersched.db
web:
  enabled: true
  addr: 127.0.0.1:8080
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("spidersched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if cfg.Scrapyd.URL != "http://127.0.0.1:6800" || cfg.Scheduler.DefaultProject != "careerTalk" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := cfg.Scheduler.Projects["careerTalk"].Schedule; got != "@hourly" {
		t.Fatalf("project schedule = %q", got)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.TaskEngine != nil {
		t.Fatalf("omitted task_engine should stay nil")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown top-level key", file: "c.json", body: `{"scrapyd":{"url":"x"},"telegram":{}}`},
		{name: "unknown project key", file: "c.yaml", body: "scheduler:\n  projects:\n    p:\n      schedul: 1h\n"},
		{name: "trailing data", file: "c.json", body: `{"web":{}} {"web":{}}`},
		{name: "bad yaml", file: "c.yml", body: "scheduler: [\n"},
		{name: "empty json", file: "c.json", body: "  \n"},
		{name: "comments only yaml", file: "c.yaml", body: "# nothing yet\n"},
		{name: "sequence key", file: "c.yaml", body: "scheduler:\n  projects:\n    ? [a, b]\n    : {schedule: 1h}\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.body)); err == nil {
				t.Fatalf("Decode() expected error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %s, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative should fail")
	}
	if _, err := ParseDurationField("scheduler.tick", "soon"); err == nil || !strings.Contains(err.Error(), "scheduler.tick") {
		t.Fatalf("err = %v, want path in message", err)
	}
	if d, _ := ParseDurationOrDefault("x", "0s", 5*time.Second); d != 5*time.Second {
		t.Fatalf("default = %s", d)
	}
}

func TestParseDurationKeepZero(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "", want: time.Minute},
		{raw: "  ", want: time.Minute},
		{raw: "0s", want: 0},
		{raw: "90s", want: 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDurationKeepZero("scheduler.spider_cache_ttl", tt.raw, time.Minute)
		if err != nil || got != tt.want {
			t.Fatalf("ParseDurationKeepZero(%q) = %s, %v; want %s", tt.raw, got, err, tt.want)
		}
	}
	if _, err := ParseDurationKeepZero("x", "-5s", time.Minute); err == nil {
		t.Fatalf("negative should fail")
	}
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()

	if _, err := Decode("spidersched.yaml", []byte("\xEF\xBB\xBF\n")); !errors.Is(err, ErrEmptyConfig) {
		t.Fatalf("Decode(empty) = %v, want ErrEmptyConfig", err)
	}
	cfg, err := Decode("spidersched.yaml", []byte("\xEF\xBB\xBF{}\n"))
	if err != nil || cfg == nil {
		t.Fatalf("Decode({}) = %v", err)
	}
}

func TestDecodeScalarProjectKey(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yaml", []byte("scheduler:\n  projects:\n    2024: {schedule: 1h}\n"))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if got := cfg.Scheduler.Projects["2024"].Schedule; got != "1h" {
		t.Fatalf("projects = %+v", cfg.Scheduler.Projects)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("a.yaml", []byte(sampleYAML))
	if sections, _ := SummarizeChange(oldCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs changed %v", sections)
	}

	newCfg.Scheduler.Projects["careerTalk"] = ProjectConfig{Schedule: "30m"}
	newCfg.Storage.Driver = "file"
	newCfg.Notifier = &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "secret", ChatID: 42}}

	sections, _ := SummarizeChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "notifier,scheduler,storage" {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required = %v", got)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "spidersched.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path, logx.Nop())
	rejectBadURL := errors.New("bad url")
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Scrapyd.URL == "" {
			return rejectBadURL
		}
		return nil
	})
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if m.reload(context.Background()) {
		t.Fatalf("unchanged content should not publish")
	}

	changed := strings.Replace(sampleYAML, "stagger: 5s", "stagger: 10s", 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(context.Background()) {
		t.Fatalf("changed content should publish")
	}
	got := <-sub
	if got.Scheduler.Stagger != "10s" || m.Get().Scheduler.Stagger != "10s" {
		t.Fatalf("published stagger = %q", got.Scheduler.Stagger)
	}

	invalid := strings.Replace(changed, "url: http://127.0.0.1:6800", "url: \"\"", 1)
	if err := os.WriteFile(path, []byte(invalid), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatalf("rejected config should not publish")
	}
	if m.Get().Scrapyd.URL == "" {
		t.Fatalf("rejected config was committed")
	}
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "spidersched/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"scrapyd": true,
	"storage": true,
}

// SummarizeChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (telegram token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scrapyd, newCfg.Scrapyd) {
		changed = append(changed, "scrapyd")
		attrs = append(attrs,
			logx.String("scrapyd.url", strings.TrimSpace(newCfg.Scrapyd.URL)),
			logx.String("scrapyd.timeout", strings.TrimSpace(newCfg.Scrapyd.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.stagger", strings.TrimSpace(newCfg.Scheduler.Stagger)),
			logx.Int("scheduler.projects", len(newCfg.Scheduler.Projects)),
		)
		if p := changedProjects(oldCfg.Scheduler.Projects, newCfg.Scheduler.Projects); len(p) > 0 {
			attrs = append(attrs, logx.String("scheduler.projects_changed", strings.Join(p, ",")))
		}
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Float64("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.telegram_token_set", strings.TrimSpace(nN.Telegram.Token) != ""),
			logx.Bool("notifier.telegram_chat_set", nN.Telegram.ChatID != 0),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Web, newCfg.Web) {
		changed = append(changed, "web")
		attrs = append(attrs,
			logx.Bool("web.enabled", newCfg.Web.Enabled),
			logx.String("web.addr", strings.TrimSpace(newCfg.Web.Addr)),
			logx.Bool("web.pprof", newCfg.Web.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections whose changes are not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func changedProjects(oldM, newM map[string]ProjectConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

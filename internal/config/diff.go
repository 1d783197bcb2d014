package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notihub/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage":     true,
	"task_engine": true,
	"queue":       true,
	"providers":   true,
}

// RequiresRestart reports whether section cannot be applied live.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (tokens, passwords, api keys) are reported only
// as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
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
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.PollerEnabled() != newCfg.PollerEnabled() ||
		strings.TrimSpace(oldCfg.Poller.Interval) != strings.TrimSpace(newCfg.Poller.Interval) ||
		strings.TrimSpace(oldCfg.Poller.LeaseTTL) != strings.TrimSpace(newCfg.Poller.LeaseTTL) ||
		oldCfg.Poller.Holder != newCfg.Poller.Holder {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.PollerEnabled()),
			logx.String("poller.interval", strings.TrimSpace(newCfg.Poller.Interval)),
		)
	}

	if names := diffProviders(oldCfg.Providers, newCfg.Providers); len(names) > 0 {
		changed = append(changed, "providers")
		attrs = append(attrs, logx.String("providers.changed", strings.Join(names, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Bool("queue.enabled", newCfg.Queue != nil))
		if newCfg.Queue != nil {
			attrs = append(attrs, logx.Bool("queue.consume", newCfg.Queue.Consume))
		}
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffProviders(a, b ProvidersConfig) []string {
	var out []string
	if !reflect.DeepEqual(a.Email, b.Email) {
		out = append(out, "email")
	}
	if !reflect.DeepEqual(a.Telegram, b.Telegram) {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(a.Push, b.Push) {
		out = append(out, "push")
	}
	if !reflect.DeepEqual(a.SMS, b.SMS) {
		out = append(out, "sms")
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs that cannot be applied. It is run on Load and,
// through the default validator, before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	te := cfg.TaskEngine
	for path, v := range map[string]int{
		"task_engine.workers":      te.Workers,
		"task_engine.queue_size":   te.QueueSize,
		"task_engine.history_size": te.HistorySize,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", path)
		}
	}

	durations := [][2]string{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"task_engine.default_timeout", te.DefaultTimeout},
		{"task_engine.max_queue_delay", te.MaxQueueDelay},
		{"poller.interval", cfg.Poller.Interval},
		{"poller.lease_ttl", cfg.Poller.LeaseTTL},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}

	p := cfg.Providers
	if e := p.Email; e != nil {
		if strings.TrimSpace(e.Host) == "" || strings.TrimSpace(e.From) == "" {
			return errors.New("providers.email: host and from are required")
		}
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("providers.email.port: out of range: %d", e.Port)
		}
		durations = append(durations, [2]string{"providers.email.dial_timeout", e.DialTimeout})
		durations = appendPolicy(durations, "providers.email.policy", e.Policy)
	}
	if t := p.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("providers.telegram.token is required (or set %s)", EnvTelegramToken)
		}
		durations = append(durations, [2]string{"providers.telegram.timeout", t.Timeout})
		durations = appendPolicy(durations, "providers.telegram.policy", t.Policy)
	}
	if ps := p.Push; ps != nil {
		if strings.TrimSpace(ps.BaseURL) == "" {
			return errors.New("providers.push.base_url is required")
		}
		durations = append(durations, [2]string{"providers.push.timeout", ps.Timeout})
		durations = appendPolicy(durations, "providers.push.policy", ps.Policy)
	}
	if s := p.SMS; s != nil {
		if strings.TrimSpace(s.APIKey) == "" {
			return fmt.Errorf("providers.sms.api_key is required (or set %s)", EnvSMSAPIKey)
		}
		durations = append(durations, [2]string{"providers.sms.timeout", s.Timeout})
		durations = appendPolicy(durations, "providers.sms.policy", s.Policy)
	}

	if q := cfg.Queue; q != nil {
		if strings.TrimSpace(q.URL) == "" {
			return errors.New("queue.url is required when queue is set")
		}
		if q.Prefetch < 0 {
			return errors.New("queue.prefetch must be >= 0")
		}
		durations = append(durations, [2]string{"queue.dial_timeout", q.DialTimeout})
	}

	if cfg.Logging.Alerts.Enabled && p.Telegram == nil {
		return errors.New("logging.alerts requires providers.telegram")
	}

	for _, d := range durations {
		if _, err := ParseDurationField(d[0], d[1]); err != nil {
			return err
		}
	}
	return nil
}

func appendPolicy(dst [][2]string, path string, p PolicyConfig) [][2]string {
	return append(dst,
		[2]string{path + ".retry_base", p.RetryBase},
		[2]string{path + ".retry_max_delay", p.RetryMaxDelay},
		[2]string{path + ".timeout", p.Timeout},
	)
}

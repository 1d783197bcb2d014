package app

import (
	"strings"
	"time"

	"golang.org/x/time/rate"

	"notihub/internal/config"
	"notihub/internal/dispatch"
	"notihub/internal/httpapi"
	"notihub/internal/models"
	"notihub/internal/poller"
	"notihub/internal/task/engine"
	logx "notihub/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			ThreadID:   l.Alerts.ThreadID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 60*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	ttl, err := config.ParseDurationField("poller.lease_ttl", cfg.Poller.LeaseTTL)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Enabled:  cfg.PollerEnabled(),
		Interval: interval,
		LeaseTTL: ttl,
		Holder:   strings.TrimSpace(cfg.Poller.Holder),
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// mapPolicy overlays the configured overrides on the provider default.
func mapPolicy(p models.Provider, path string, pc config.PolicyConfig) (dispatch.Policy, error) {
	pol := dispatch.DefaultPolicy(p)
	if pc.MaxAttempts > 0 {
		pol.Retry.MaxAttempts = pc.MaxAttempts
	}
	base, err := config.ParseDurationField(path+".retry_base", pc.RetryBase)
	if err != nil {
		return dispatch.Policy{}, err
	}
	if base > 0 {
		pol.Retry.Base = base
	}
	maxDelay, err := config.ParseDurationField(path+".retry_max_delay", pc.RetryMaxDelay)
	if err != nil {
		return dispatch.Policy{}, err
	}
	if maxDelay > 0 {
		pol.Retry.MaxDelay = maxDelay
	}
	timeout, err := config.ParseDurationField(path+".timeout", pc.Timeout)
	if err != nil {
		return dispatch.Policy{}, err
	}
	if timeout > 0 {
		pol.Timeout = timeout
	}
	if pc.RatePerSec > 0 {
		pol.RateLimit = rate.Limit(pc.RatePerSec)
		pol.Burst = max(1, pc.Burst)
	}
	return pol, nil
}

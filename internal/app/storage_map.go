package app

import (
	"strings"
	"time"

	"notihub/internal/config"
	"notihub/internal/queue"
	"notihub/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

// mapQueueConfig reports false when the AMQP transport is not configured.
func mapQueueConfig(cfg *config.Config) (queue.Config, bool, error) {
	q := cfg.Queue
	if q == nil {
		return queue.Config{}, false, nil
	}
	dial, err := config.ParseDurationField("queue.dial_timeout", q.DialTimeout)
	if err != nil {
		return queue.Config{}, false, err
	}
	return queue.Config{
		URL:         strings.TrimSpace(q.URL),
		Exchange:    strings.TrimSpace(q.Exchange),
		Queue:       strings.TrimSpace(q.Queue),
		RoutingKey:  strings.TrimSpace(q.RoutingKey),
		Prefetch:    q.Prefetch,
		DialTimeout: dial,
	}, true, nil
}

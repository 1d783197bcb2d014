package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// ErrorClass tells the engine whether a failed attempt may be retried.
type ErrorClass int

const (
	Transient ErrorClass = iota
	Permanent
)

func (c ErrorClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// RetryPolicy bounds the attempts of one task. MaxAttempts counts the first
// run; values below 1 mean a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Result is passed to Task.Done once the task is finished for good.
type Result struct {
	ID         string
	Name       string
	Attempts   int
	QueueDelay time.Duration
	Duration   time.Duration
	Err        error
	// Dropped is set when the task never got a final attempt
	// (stale in queue, engine stopped during backoff).
	Dropped bool
}

// Task is a unit of work executed by the engine.
//
// A task accepted by Enqueue or Submit has its Done called exactly once.
// A task rejected by Enqueue or Submit never has Done called.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	Retry RetryPolicy
	// Classify decides whether a failed attempt is retried. Nil treats
	// every error as transient unless it is wrapped with NoRetry.
	Classify func(error) ErrorClass
	Done     func(Result)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running        bool          `json:"running"`
	Workers        int           `json:"workers"`
	QueueLen       int           `json:"queue_len"`
	QueueCap       int           `json:"queue_cap"`
	InFlight       int           `json:"in_flight"`
	PendingRetries int           `json:"pending_retries"`
	Completed      uint64        `json:"completed"`
	Failed         uint64        `json:"failed"`
	Retried        uint64        `json:"retried"`
	Dropped        uint64        `json:"dropped"`
	DroppedFull    uint64        `json:"dropped_queue_full"`
	DroppedStale   uint64        `json:"dropped_stale"`
	History        []HistoryItem `json:"history,omitempty"`
}

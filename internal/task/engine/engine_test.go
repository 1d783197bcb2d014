package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	logx "notihub/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result{}
	}
}

func TestTaskSucceeds(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { return nil }, Done: func(r Result) { done <- r }})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 1 || r.Dropped {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestTransientErrorsRetryUpToMaxAttempts(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	var runs atomic.Int32
	done := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name:  "flaky",
		Run:   func(ctx context.Context) error { runs.Add(1); return errors.New("timeout") },
		Retry: RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Done:  func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	r := waitResult(t, done)
	if r.Err == nil || r.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestRetryRecovers(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	var runs atomic.Int32
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name: "recovers",
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("disconnect")
			}
			return nil
		},
		Retry: RetryPolicy{MaxAttempts: 3, Base: time.Millisecond},
		Done:  func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	authErr := errors.New("535 auth failed")

	tests := []struct {
		name string
		task Task
	}{
		{name: "classifier", task: Task{
			Run:      func(ctx context.Context) error { return authErr },
			Classify: func(error) ErrorClass { return Permanent },
		}},
		{name: "no retry wrapper", task: Task{
			Run: func(ctx context.Context) error { return NoRetry(authErr) },
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var runs atomic.Int32
			done := make(chan Result, 1)
			task := tt.task
			run := task.Run
			task.Name = tt.name
			task.Run = func(ctx context.Context) error { runs.Add(1); return run(ctx) }
			task.Retry = RetryPolicy{MaxAttempts: 5, Base: time.Millisecond}
			task.Done = func(r Result) { done <- r }
			if err := s.Enqueue(task); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
			r := waitResult(t, done)
			if !errors.Is(r.Err, authErr) || r.Attempts != 1 {
				t.Fatalf("unexpected result: %+v", r)
			}
			if IsNoRetry(r.Err) {
				t.Fatalf("result error still wrapped: %v", r.Err)
			}
			if runs.Load() != 1 {
				t.Fatalf("runs = %d, want 1", runs.Load())
			}
		})
	}
}

func TestWorkerIsFreeDuringBackoff(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	slow := make(chan Result, 1)
	fast := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:  "backoff",
		Run:   func(ctx context.Context) error { return errors.New("transient") },
		Retry: RetryPolicy{MaxAttempts: 2, Base: time.Second, MaxDelay: time.Second},
		Done:  func(r Result) { slow <- r },
	})
	_ = s.Enqueue(Task{Name: "quick", Run: func(ctx context.Context) error { return nil }, Done: func(r Result) { fast <- r }})

	select {
	case <-fast:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("single worker was held during backoff")
	}
	if r := waitResult(t, slow); r.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestStopDropsParkedRetries(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	s.Start(context.Background())
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:  "parked",
		Run:   func(ctx context.Context) error { return errors.New("transient") },
		Retry: RetryPolicy{MaxAttempts: 3, Base: time.Hour, MaxDelay: time.Hour},
		Done:  func(r Result) { done <- r },
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().PendingRetries == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never parked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	r := waitResult(t, done)
	if !r.Dropped || !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("unexpected result: %+v", r)
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop = %v, want ErrStopped", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "fills", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	called := false
	err := s.Enqueue(Task{Name: "rejected", Run: func(ctx context.Context) error { return nil }, Done: func(Result) { called = true }})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue = %v, want ErrQueueFull", err)
	}
	close(block)
	if called {
		t.Fatal("Done called for a rejected task")
	}
}

func TestPanicIsPermanentFailure(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:  "panics",
		Run:   func(ctx context.Context) error { panic("bad") },
		Retry: RetryPolicy{MaxAttempts: 3, Base: time.Millisecond},
		Done:  func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Err == nil || r.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, Base: 2 * time.Second, MaxDelay: 30 * time.Second}.withDefaults()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := backoffDelay(p, i+1, nil); got != w {
			t.Fatalf("backoffDelay(attempt %d) = %v, want %v", i+1, got, w)
		}
	}
	p.Jitter = 0.25
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		got := backoffDelay(p, 1, rng)
		if got < 1500*time.Millisecond || got > 2500*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%% of 2s", got)
		}
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "notihub/internal/runtime/supervisor"
	logx "notihub/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes tasks on a fixed worker pool. Failed attempts that may
// be retried are parked on a timer and re-enqueued, so a worker is never
// held during backoff.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan *queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	// retries parks tasks waiting out their backoff.
	retries  map[*queuedTask]*time.Timer
	retryWG  sync.WaitGroup
	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	completed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	dropped      atomic.Uint64
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	policy     RetryPolicy
	timeout    time.Duration
	enqueuedAt time.Time
	firstQueue time.Time
	attempts   int
	done       atomic.Bool
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		retries: make(map[*queuedTask]*time.Timer),
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan *queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, stopCh, queue := s.sup, s.stopCh, s.q
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts the workers and finishes every task that has not run to
// completion: parked retries and queued tasks get Done with Dropped set.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, queue := s.sup, s.q
	var parked []*queuedTask
	for qt, tmr := range s.retries {
		if tmr.Stop() {
			parked = append(parked, qt)
			delete(s.retries, qt)
		}
	}
	s.mu.Unlock()

	for _, qt := range parked {
		s.finish(qt, time.Now(), ErrStopped, true)
		s.retryWG.Done()
	}

	done := make(chan struct{})
	go func() {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		s.retryWG.Wait()
	drain:
		for {
			select {
			case qt := <-queue:
				s.finish(qt, time.Now(), ErrStopped, true)
			default:
				break drain
			}
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue accepts a task without blocking. A full queue is ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q, stopCh, stopping := s.q, s.stopCh, s.stopping
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := &queuedTask{task: t, policy: t.Retry.withDefaults(), timeout: timeout, enqueuedAt: now, firstQueue: now}

	if !block {
		select {
		case q <- qt:
			return nil
		case <-stopCh:
			return ErrStopping
		default:
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

// park schedules qt to be re-enqueued after delay.
func (s *Service) park(qt *queuedTask, delay time.Duration, lastErr error) {
	s.mu.Lock()
	if s.stopping || s.stopCh == nil {
		s.mu.Unlock()
		s.finish(qt, time.Now(), fmt.Errorf("%w: %v", ErrStopped, lastErr), true)
		return
	}
	s.retryWG.Add(1)
	s.retries[qt] = time.AfterFunc(delay, func() { s.requeue(qt, lastErr) })
	s.mu.Unlock()
	s.retried.Add(1)
}

func (s *Service) requeue(qt *queuedTask, lastErr error) {
	defer s.retryWG.Done()
	s.mu.Lock()
	delete(s.retries, qt)
	q, stopCh, stopping := s.q, s.stopCh, s.stopping
	s.mu.Unlock()

	if stopping || q == nil {
		s.finish(qt, time.Now(), fmt.Errorf("%w: %v", ErrStopped, lastErr), true)
		return
	}
	qt.enqueuedAt = time.Now()
	select {
	case q <- qt:
	case <-stopCh:
		s.finish(qt, time.Now(), fmt.Errorf("%w: %v", ErrStopped, lastErr), true)
	}
}

// finish reports the final outcome of qt exactly once.
func (s *Service) finish(qt *queuedTask, started time.Time, err error, dropped bool) {
	if !qt.done.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	res := Result{
		ID:         qt.task.ID,
		Name:       qt.task.Name,
		Attempts:   qt.attempts,
		QueueDelay: started.Sub(qt.firstQueue),
		Duration:   now.Sub(started),
		Err:        unwrapNoRetry(err),
		Dropped:    dropped,
	}
	if res.QueueDelay < 0 {
		res.QueueDelay = 0
	}

	switch {
	case dropped:
		s.dropped.Add(1)
		s.log.Warn("task.dropped", logx.String("task", res.Name), logx.String("id", res.ID), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	case res.Err != nil:
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.String("task", res.Name), logx.String("id", res.ID), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	default:
		s.completed.Add(1)
		s.log.Debug("task.completed", logx.String("task", res.Name), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts))
	}
	s.record(res, started)

	if qt.task.Done != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task done callback panicked", logx.String("task", res.Name), logx.Any("panic", r))
				}
			}()
			qt.task.Done(res)
		}()
	}
}

func (s *Service) record(res Result, started time.Time) {
	item := HistoryItem{ID: res.ID, Name: res.Name, Started: started, QueueDelay: res.QueueDelay, Duration: res.Duration, Attempts: res.Attempts}
	if res.Err != nil {
		item.Error = res.Err.Error()
	}
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && !s.stopping
	pending := len(s.retries)
	s.mu.Unlock()

	snap := Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		PendingRetries: pending,
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Retried:        s.retried.Load(),
		Dropped:        s.dropped.Load(),
		DroppedFull:    s.droppedFull.Load(),
		DroppedStale:   s.droppedStale.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan *queuedTask) {
	s.droppedFull.Add(1)
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task rejected: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("rejected_queue_full", s.droppedFull.Load()),
		)
	}
}

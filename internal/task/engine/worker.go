package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "notihub/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *queuedTask, idx int) {
	// Per-worker RNG avoids contention on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work; Stop drains the rest.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt *queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.droppedStale.Add(1)
		s.finish(qt, start, fmt.Errorf("%w: waited %s", ErrStale, queueDelay.Round(time.Millisecond)), true)
		return
	}

	qt.attempts++
	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Int("attempt", qt.attempts), logx.Duration("queue_delay", queueDelay))

	err := s.runAttempt(ctx, qt)
	if err == nil {
		s.finish(qt, start, nil, false)
		return
	}

	classify := qt.task.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	class := classify(err)
	if IsNoRetry(err) {
		class = Permanent
	}
	if class == Permanent || qt.attempts >= qt.policy.MaxAttempts {
		s.finish(qt, start, err, false)
		return
	}

	delay := backoffDelay(qt.policy, qt.attempts, rng)
	s.log.Debug("task retry scheduled",
		logx.String("task", qt.task.Name),
		logx.Int("next_attempt", qt.attempts+1),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
	s.park(qt, delay, err)
}

// runAttempt runs one attempt with the task timeout, converting a panic
// into an error so one bad task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt *queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay is exponential in the attempt number, capped at MaxDelay,
// with symmetric jitter.
func backoffDelay(p RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

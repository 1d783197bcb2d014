package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notihub/internal/models"
	"notihub/internal/task/engine"
	logx "notihub/pkg/logx"
)

// LogStore is the slice of the delivery log the dispatcher needs.
type LogStore interface {
	RecordPending(ctx context.Context, batch []models.LogDraft) ([]models.LogEntry, error)
	Resolve(ctx context.Context, id int64, status models.Status, details string) error
}

// Executor runs tasks asynchronously. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Queue carries envelopes to a consumer that calls Execute. When the
// dispatcher has no Queue, envelopes are executed in-process.
type Queue interface {
	Publish(ctx context.Context, env Envelope) error
}

type Options struct {
	Senders []Sender
	Logs    LogStore
	Exec    Executor
	Queue   Queue
	Log     logx.Logger
	// ResolveTimeout bounds each log resolution write.
	ResolveTimeout time.Duration
}

type route struct {
	sender  Sender
	policy  Policy
	limiter *rate.Limiter
}

type Dispatcher struct {
	routes         map[models.Provider]route
	logs           LogStore
	exec           Executor
	queue          Queue
	log            logx.Logger
	resolveTimeout time.Duration
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Logs == nil {
		return nil, errors.New("dispatch: log store is required")
	}
	if opts.Exec == nil {
		return nil, errors.New("dispatch: executor is required")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		routes:         make(map[models.Provider]route, len(opts.Senders)),
		logs:           opts.Logs,
		exec:           opts.Exec,
		queue:          opts.Queue,
		log:            opts.Log,
		resolveTimeout: opts.ResolveTimeout,
	}
	for _, s := range opts.Senders {
		if s == nil {
			continue
		}
		p := s.Provider()
		if _, dup := d.routes[p]; dup {
			return nil, fmt.Errorf("dispatch: duplicate sender for provider %s", p)
		}
		pol := s.Policy()
		r := route{sender: s, policy: pol}
		if pol.RateLimit > 0 {
			burst := pol.Burst
			if burst <= 0 {
				burst = 1
			}
			r.limiter = rate.NewLimiter(pol.RateLimit, burst)
		}
		d.routes[p] = r
	}
	return d, nil
}

// Providers lists the registered providers.
func (d *Dispatcher) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(d.routes))
	for p := range d.routes {
		out = append(out, p)
	}
	return out
}

// Submit records the drafts as PENDING and hands the new entries to
// dispatch. A fully duplicated batch returns the store's NoNewWorkError.
func (d *Dispatcher) Submit(ctx context.Context, drafts []models.LogDraft) ([]int64, error) {
	entries, err := d.logs.RecordPending(ctx, drafts)
	if err != nil {
		return nil, err
	}
	d.Enqueue(ctx, entries...)
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Enqueue hands already recorded entries to dispatch without waiting for
// delivery. An entry that cannot be handed off is resolved FAILURE.
func (d *Dispatcher) Enqueue(ctx context.Context, entries ...models.LogEntry) {
	for _, e := range entries {
		env := EnvelopeFor(e)
		if d.queue == nil {
			d.Execute(env, nil)
			continue
		}
		if err := d.queue.Publish(ctx, env); err != nil {
			d.log.Warn("dispatch publish failed", logx.Int64("log_id", env.LogID), logx.String("provider", string(env.Provider)), logx.Err(err))
			d.resolve(env, models.StatusFailure, "publish: "+err.Error())
		}
	}
}

// Execute runs the delivery of env asynchronously. done, when non-nil, is
// called exactly once after the log entry has been resolved, with the
// delivery error (nil on success).
func (d *Dispatcher) Execute(env Envelope, done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}

	r, ok := d.routes[env.Provider]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoSender, env.Provider)
		d.resolve(env, models.StatusFailure, err.Error())
		finish(err)
		return
	}
	if !r.policy.AllowHTML {
		if ct := DetectContentType(env.Message); ct == ContentHTML {
			err := &ForbiddenContentTypeError{Provider: env.Provider, Content: ct}
			d.log.Warn("dispatch rejected by content policy", logx.Int64("log_id", env.LogID), logx.String("provider", string(env.Provider)))
			d.resolve(env, models.StatusFailure, err.Error())
			finish(err)
			return
		}
	}

	var receipt atomic.Value // string
	task := engine.Task{
		ID:       fmt.Sprintf("log-%d", env.LogID),
		Name:     "deliver." + string(env.Provider),
		Timeout:  r.policy.Timeout,
		Retry:    r.policy.Retry,
		Classify: r.sender.Classify,
		Run: func(ctx context.Context) error {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			out, err := r.sender.Send(ctx, env)
			if err == nil {
				receipt.Store(out)
			}
			return err
		},
		Done: func(res engine.Result) {
			if res.Err != nil {
				d.resolve(env, models.StatusFailure, failureDetails(res))
			} else {
				details, _ := receipt.Load().(string)
				d.resolve(env, models.StatusSuccess, details)
			}
			finish(res.Err)
		},
	}
	if err := d.exec.Enqueue(task); err != nil {
		d.log.Warn("dispatch enqueue failed", logx.Int64("log_id", env.LogID), logx.String("provider", string(env.Provider)), logx.Err(err))
		d.resolve(env, models.StatusFailure, "enqueue: "+err.Error())
		finish(err)
	}
}

func failureDetails(res engine.Result) string {
	msg := res.Err.Error()
	if res.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, res.Attempts)
	}
	return msg
}

func (d *Dispatcher) resolve(env Envelope, status models.Status, details string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.resolveTimeout)
	defer cancel()
	if err := d.logs.Resolve(ctx, env.LogID, status, details); err != nil {
		d.log.Error("resolve log failed",
			logx.Int64("log_id", env.LogID),
			logx.String("status", string(status)),
			logx.Err(err),
		)
		return
	}
	d.log.Info("delivery resolved",
		logx.Int64("log_id", env.LogID),
		logx.String("provider", string(env.Provider)),
		logx.String("status", string(status)),
	)
}

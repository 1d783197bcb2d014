package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"notihub/internal/config"
	"notihub/internal/dispatch"
	"notihub/internal/httpapi"
	"notihub/internal/models"
	"notihub/internal/notify"
	"notihub/internal/poller"
	"notihub/internal/queue"
	rtsup "notihub/internal/runtime/supervisor"
	"notihub/internal/storage"
	"notihub/internal/task/engine"
	logx "notihub/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store *storage.Store

	engine *engine.Service
	disp   *dispatch.Dispatcher
	amqp   *queue.AMQP
	notify *notify.Service
	poller *poller.Service
	http   *httpapi.Server

	consume   bool
	startedAt time.Time
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	senders, tg, err := buildSenders(cfg)
	if err != nil {
		return nil, err
	}

	var alerts logx.AlertSender
	if tg != nil {
		alerts = tg
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), alerts)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")))

	opts := dispatch.Options{
		Senders: senders,
		Logs:    a.store.Logs(),
		Exec:    a.engine,
		Log:     log.With(logx.String("comp", "dispatch")),
	}
	if qc, enabled, err := mapQueueConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.amqp, err = queue.Dial(dctx, qc, log.With(logx.String("comp", "queue")))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		opts.Queue = a.amqp
		a.consume = cfg.Queue.Consume
	}
	a.disp, err = dispatch.New(opts)
	if err != nil {
		return nil, err
	}

	a.notify = notify.New(a.store.Channels(), a.store.Schedules(), a.disp, log.With(logx.String("comp", "notify")))

	pc, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.poller = poller.New(pc, a.store, a.disp, log.With(logx.String("comp", "poller")))

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Logs:      a.store.Logs(),
		Schedules: a.store.Schedules(),
		Notify:    a.notify,
		DB:        a.store,
		Status:    a.status,
	}, log.With(logx.String("comp", "http")))

	providers := a.disp.Providers()
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p))
	}
	sort.Strings(names)
	appLog.Info("app configured",
		logx.String("providers", strings.Join(names, ",")),
		logx.String("transport", a.transport()),
	)
	ok = true
	return a, nil
}

func (a *App) transport() string {
	if a.amqp != nil {
		return "amqp"
	}
	return "memory"
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type statusView struct {
	StartedAt  time.Time         `json:"started_at"`
	Transport  string            `json:"transport"`
	Providers  []models.Provider `json:"providers"`
	Engine     engine.Snapshot   `json:"engine"`
	Supervisor rtsup.Snapshot    `json:"supervisor"`
}

func (a *App) status() any {
	v := statusView{
		StartedAt: a.startedAt,
		Transport: a.transport(),
		Providers: a.disp.Providers(),
		Engine:    a.engine.Snapshot(),
	}
	if a.sup != nil {
		v.Supervisor = a.sup.Snapshot()
	}
	return v
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapPollerConfig(cfg); err != nil {
			return err
		}
		_, err := mapHTTPConfig(cfg)
		return err
	})

	// engine first: the dispatcher and consumer feed it
	a.engine.Start(a.sup.Context())

	if a.amqp != nil && a.consume {
		a.sup.GoRestart("queue.consume", func(c context.Context) error {
			return a.amqp.Consume(c, a.disp)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.poller.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest config in the channel
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes the live-reloadable sections to their components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if pc, err := mapPollerConfig(newCfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(pc)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Intake stops before the engine drains, the store closes last.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "poller", 3*time.Second, func(c context.Context) error { a.poller.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "queue", time.Second, func(context.Context) error {
		if a.amqp != nil {
			return a.amqp.Close()
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

// closeResources releases what New opened when startup does not complete.
func (a *App) closeResources() {
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

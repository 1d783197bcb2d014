package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "notihub/internal/runtime/supervisor"
	"notihub/internal/models"
	"notihub/internal/schedule"
	"notihub/internal/storage"
	logx "notihub/pkg/logx"
)

const leaseName = "scheduler"

type Config struct {
	Enabled  bool
	Interval time.Duration // 0 means 60s
	LeaseTTL time.Duration // 0 means 3x Interval
	// Holder identifies this process in the lease row. Empty picks
	// hostname:pid:random.
	Holder string
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 3 * c.Interval
	}
	return c
}

// Store is the transactional store a cycle runs against.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx *storage.Tx) error) error
}

// Dispatcher takes recorded entries for asynchronous delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, entries ...models.LogEntry)
}

// CycleReport summarizes one poll.
type CycleReport struct {
	Due        int
	Recorded   int
	Duplicates int
	Inactive   int
	Retired    int
	Advanced   int
	LeaseBusy  bool
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	holder string

	store Store
	disp  Dispatcher
	log   logx.Logger
	now   func() time.Time

	sup    *rtsup.Supervisor
	resetC chan struct{}
}

func New(cfg Config, store Store, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalize()
	holder := cfg.Holder
	if holder == "" {
		host, _ := os.Hostname()
		holder = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return &Service{
		cfg:    cfg,
		holder: holder,
		store:  store,
		disp:   disp,
		log:    log,
		now:    time.Now,
		resetC: make(chan struct{}, 1),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config; a changed interval takes effect on the next tick.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if old.Interval != cfg.Interval {
		select {
		case s.resetC <- struct{}{}:
		default:
		}
		s.log.Info("poll interval changed", logx.Duration("from", old.Interval), logx.Duration("to", cfg.Interval))
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("poller", s.loop, rtsup.WithRestartBackoff(time.Second, time.Minute))
	s.log.Info("poller started", logx.Duration("interval", s.config().Interval), logx.String("holder", s.holder))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("poller stop timed out", logx.Err(err))
	}

	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.store.WithinTx(rctx, func(tx *storage.Tx) error {
		return tx.Lease().Release(rctx, leaseName, s.holder)
	})
	if err != nil {
		s.log.Warn("lease release failed", logx.Err(err))
	}
	s.log.Info("poller stopped")
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(s.config().Interval)
	defer t.Stop()
	for {
		if s.config().Enabled {
			if _, err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Error("poll cycle failed", logx.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resetC:
			t.Reset(s.config().Interval)
		case <-t.C:
		}
	}
}

// RunOnce performs one cycle. All store mutations commit together; entries
// are handed to the dispatcher only after the commit.
func (s *Service) RunOnce(ctx context.Context) (CycleReport, error) {
	cfg := s.config()
	now := s.now().UTC()

	var (
		rep     CycleReport
		entries []models.LogEntry
	)
	err := s.store.WithinTx(ctx, func(tx *storage.Tx) error {
		rep, entries = CycleReport{}, nil

		ok, err := tx.Lease().Acquire(ctx, leaseName, s.holder, now, cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			rep.LeaseBusy = true
			return nil
		}

		due, err := tx.Schedules().DueForExecution(ctx, now)
		if err != nil {
			return fmt.Errorf("due schedules: %w", err)
		}
		rep.Due = len(due)

		drafts := make([]models.LogDraft, 0, len(due))
		for _, d := range due {
			if d.Channel.Active {
				drafts = append(drafts, models.LogDraft{
					SenderID:    d.Channel.UserID,
					ContactData: d.Channel.ContactValue,
					Message:     d.Message,
					Provider:    d.Channel.Type,
				})
			} else {
				rep.Inactive++
				s.log.Warn("schedule targets inactive channel",
					logx.Int64("schedule_id", d.ID),
					logx.Int64("channel_id", d.ChannelID),
				)
			}
			retired, err := s.settle(ctx, tx, d.Schedule, now)
			if err != nil {
				return err
			}
			if retired {
				rep.Retired++
			} else {
				rep.Advanced++
			}
		}

		if len(drafts) == 0 {
			return nil
		}
		created, err := tx.Logs().RecordPending(ctx, drafts)
		if err != nil && !storage.IsNoNewWork(err) {
			return fmt.Errorf("record pending: %w", err)
		}
		entries = created
		rep.Recorded = len(created)
		rep.Duplicates = len(drafts) - len(created)
		return nil
	})
	if err != nil {
		return CycleReport{}, err
	}

	if rep.LeaseBusy {
		s.log.Warn("poll skipped, lease held by another poller")
		return rep, nil
	}
	if len(entries) > 0 {
		s.disp.Enqueue(ctx, entries...)
	}
	if rep.Due > 0 {
		s.log.Info("poll cycle",
			logx.Int("due", rep.Due),
			logx.Int("recorded", rep.Recorded),
			logx.Int("duplicates", rep.Duplicates),
			logx.Int("retired", rep.Retired),
			logx.Int("advanced", rep.Advanced),
		)
	}
	return rep, nil
}

// settle counts one execution of sc and either deletes it or moves it to
// its next cron instant.
func (s *Service) settle(ctx context.Context, tx *storage.Tx, sc models.Schedule, now time.Time) (retired bool, err error) {
	count := sc.CurrentExecutions + 1
	if sc.MaxExecutions == 0 || count >= sc.MaxExecutions {
		if err := tx.Schedules().Delete(ctx, sc.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("retire schedule %d: %w", sc.ID, err)
		}
		return true, nil
	}

	var next *time.Time
	if at, ok := schedule.NextExecution(models.ScheduleRecurring, sc.Crontab, nil, now); ok {
		next = &at
	} else {
		s.log.Warn("schedule has no next execution, parking", logx.Int64("schedule_id", sc.ID), logx.String("crontab", sc.Crontab))
	}
	if err := tx.Schedules().Advance(ctx, sc.ID, count, now, next); err != nil {
		return false, fmt.Errorf("advance schedule %d: %w", sc.ID, err)
	}
	return false, nil
}

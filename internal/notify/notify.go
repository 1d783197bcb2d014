// Package notify is the caller boundary for new notifications: it validates
// a request, resolves the target channels and either dispatches at once or
// stores a schedule for the poller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"notihub/internal/models"
	"notihub/internal/schedule"
	"notihub/internal/storage"
	logx "notihub/pkg/logx"
)

var ErrChannelNotFound = errors.New("channel not found")

// ChannelNotFoundError lists requested channels that are missing, inactive
// or owned by someone else.
type ChannelNotFoundError struct {
	IDs []int64
}

func (e *ChannelNotFoundError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%s: %s", ErrChannelNotFound, strings.Join(parts, ", "))
}

func (e *ChannelNotFoundError) Is(target error) bool { return target == ErrChannelNotFound }

type Channels interface {
	ActiveOwned(ctx context.Context, userID int64, ids []int64) ([]models.Channel, error)
}

type Schedules interface {
	AddOrMerge(ctx context.Context, batch []models.ScheduleDraft) ([]int64, error)
}

// Dispatcher records and dispatches immediate sends.
type Dispatcher interface {
	Submit(ctx context.Context, drafts []models.LogDraft) ([]int64, error)
}

// Request is a rendered message for one or more of the caller's channels.
type Request struct {
	Message       string              `json:"message"`
	ChannelIDs    []int64             `json:"channel_ids"`
	Type          models.ScheduleType `json:"schedule_type"`
	ScheduledAt   *time.Time          `json:"scheduled_at,omitempty"`
	Crontab       string              `json:"crontab,omitempty"`
	MaxExecutions int                 `json:"max_executions"`
}

func (r Request) scheduling() schedule.Request {
	return schedule.Request{
		Type:          r.Type,
		ScheduledAt:   r.ScheduledAt,
		Crontab:       r.Crontab,
		MaxExecutions: r.MaxExecutions,
	}.Normalize()
}

// Result carries the ids created by Submit. Duplicates counts immediate
// sends absorbed by an identical pending entry.
type Result struct {
	LogIDs      []int64 `json:"log_ids,omitempty"`
	ScheduleIDs []int64 `json:"schedule_ids,omitempty"`
	Duplicates  int     `json:"duplicates,omitempty"`
}

type Service struct {
	channels  Channels
	schedules Schedules
	disp      Dispatcher
	log       logx.Logger
	now       func() time.Time
}

func New(channels Channels, schedules Schedules, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{channels: channels, schedules: schedules, disp: disp, log: log, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, userID int64, req Request) (Result, error) {
	now := s.now().UTC()
	sr := req.scheduling()
	if err := schedule.Validate(sr, now); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return Result{}, &schedule.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	ids := uniqueIDs(req.ChannelIDs)
	if len(ids) == 0 {
		return Result{}, &schedule.ValidationError{Field: "channel_ids", Reason: "at least one channel is required"}
	}

	channels, err := s.channels.ActiveOwned(ctx, userID, ids)
	if err != nil {
		return Result{}, fmt.Errorf("resolve channels: %w", err)
	}
	if missing := missingIDs(ids, channels); len(missing) > 0 {
		return Result{}, &ChannelNotFoundError{IDs: missing}
	}

	if sr.Immediate() {
		return s.sendNow(ctx, userID, req.Message, channels)
	}
	return s.store(ctx, userID, req.Message, sr, channels, now)
}

func (s *Service) sendNow(ctx context.Context, userID int64, msg string, channels []models.Channel) (Result, error) {
	drafts := make([]models.LogDraft, len(channels))
	for i, ch := range channels {
		drafts[i] = models.LogDraft{SenderID: userID, ContactData: ch.ContactValue, Message: msg, Provider: ch.Type}
	}
	ids, err := s.disp.Submit(ctx, drafts)
	if err != nil {
		if storage.IsNoNewWork(err) {
			s.log.Info("immediate send absorbed by pending duplicate", logx.Int64("user_id", userID), logx.Int("channels", len(drafts)))
			return Result{Duplicates: len(drafts)}, nil
		}
		return Result{}, fmt.Errorf("record sends: %w", err)
	}
	return Result{LogIDs: ids, Duplicates: len(drafts) - len(ids)}, nil
}

func (s *Service) store(ctx context.Context, userID int64, msg string, sr schedule.Request, channels []models.Channel, now time.Time) (Result, error) {
	next, ok := schedule.NextExecution(sr.Type, sr.Crontab, sr.ScheduledAt, now)
	if !ok {
		return Result{}, &schedule.ValidationError{Field: "crontab", Reason: "no upcoming execution"}
	}
	drafts := make([]models.ScheduleDraft, len(channels))
	for i, ch := range channels {
		at := next
		drafts[i] = models.ScheduleDraft{
			Message:         msg,
			ChannelID:       ch.ID,
			Type:            sr.Type,
			ScheduledAt:     sr.ScheduledAt,
			Crontab:         sr.Crontab,
			MaxExecutions:   sr.MaxExecutions,
			NextExecutionAt: &at,
		}
	}
	ids, err := s.schedules.AddOrMerge(ctx, drafts)
	if err != nil {
		return Result{}, fmt.Errorf("store schedules: %w", err)
	}
	s.log.Info("schedules stored",
		logx.Int64("user_id", userID),
		logx.String("type", string(sr.Type)),
		logx.Time("next", next),
		logx.Int("count", len(ids)),
	)
	return Result{ScheduleIDs: ids}, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missingIDs(want []int64, got []models.Channel) []int64 {
	have := make(map[int64]struct{}, len(got))
	for _, ch := range got {
		have[ch.ID] = struct{}{}
	}
	var missing []int64
	for _, id := range want {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

package models

import (
	"strings"
	"time"
)

// Provider is the channel type a message is delivered through.
type Provider string

const (
	ProviderEmail    Provider = "EMAIL"
	ProviderTelegram Provider = "TELEGRAM"
	ProviderPush     Provider = "PUSH"
	ProviderSMS      Provider = "SMS"
)

// ParseProvider normalizes s and reports whether it names a known provider.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case ProviderEmail, ProviderTelegram, ProviderPush, ProviderSMS:
		return p, true
	}
	return p, false
}

// Status is the lifecycle state of a delivery log entry.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailure }

type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "ONCE"
	ScheduleRecurring ScheduleType = "RECURRING"
)

// Channel is a user's contact channel. It is owned by user management;
// the delivery engine only reads it.
type Channel struct {
	ID           int64
	UserID       int64
	ContactValue string
	Type         Provider
	Active       bool
}

// ScheduleDraft is a schedule as submitted for insert-or-merge.
// Crontab is empty for ONCE schedules.
type ScheduleDraft struct {
	Message         string
	ChannelID       int64
	Type            ScheduleType
	ScheduledAt     *time.Time
	Crontab         string
	MaxExecutions   int
	NextExecutionAt *time.Time
}

type Schedule struct {
	ID                int64
	Message           string
	ChannelID         int64
	Type              ScheduleType
	ScheduledAt       *time.Time
	Crontab           string
	MaxExecutions     int
	CurrentExecutions int
	LastExecutedAt    *time.Time
	NextExecutionAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DueSchedule is a schedule joined with the channel it delivers to.
type DueSchedule struct {
	Schedule
	Channel Channel
}

// LogDraft is a send request about to be recorded as PENDING.
type LogDraft struct {
	SenderID    int64
	ContactData string
	Message     string
	Provider    Provider
}

type LogEntry struct {
	ID          int64
	SenderID    int64
	ContactData string
	Message     string
	Provider    Provider
	Status      Status
	Details     string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// DateRange is an inclusive [From, To] window. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

// Page is a limit/offset window. Limit <= 0 means the store default.
type Page struct {
	Limit  int
	Offset int
}

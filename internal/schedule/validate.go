package schedule

import (
	"fmt"
	"strings"
	"time"

	"notihub/internal/models"
)

// ValidationError is returned for a request that can never be stored.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Request carries the scheduling fields of a notification request.
type Request struct {
	Type          models.ScheduleType
	ScheduledAt   *time.Time
	Crontab       string
	MaxExecutions int
}

// Immediate reports whether the request should be sent right away instead
// of being stored as a schedule.
func (r Request) Immediate() bool {
	return r.Type == models.ScheduleOnce && r.ScheduledAt == nil
}

// Normalize fills the default type and trims the crontab.
func (r Request) Normalize() Request {
	if strings.TrimSpace(string(r.Type)) == "" {
		r.Type = models.ScheduleOnce
	}
	r.Type = models.ScheduleType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
	r.Crontab = strings.TrimSpace(r.Crontab)
	return r
}

// Validate checks the ONCE/RECURRING field combination against now.
func Validate(r Request, now time.Time) error {
	r = r.Normalize()
	if r.MaxExecutions < 0 {
		return invalid("max_executions", "must be >= 0")
	}
	if r.ScheduledAt != nil && !r.ScheduledAt.After(now) {
		return invalid("scheduled_at", "must be in the future")
	}

	switch r.Type {
	case models.ScheduleOnce:
		if r.MaxExecutions != 0 {
			return invalid("max_executions", "must be 0 for ONCE notifications")
		}
		if r.Crontab != "" {
			return invalid("crontab", "not allowed for ONCE notifications")
		}
	case models.ScheduleRecurring:
		if r.MaxExecutions <= 0 {
			return invalid("max_executions", "must be greater than 0 for RECURRING notifications")
		}
		if r.Crontab == "" {
			return invalid("crontab", "required for RECURRING notifications")
		}
		if _, err := ParseCron(r.Crontab); err != nil {
			return invalid("crontab", "%q is not a valid 5-field cron expression: %v", r.Crontab, err)
		}
	default:
		return invalid("schedule_type", "unknown type %q", r.Type)
	}
	return nil
}

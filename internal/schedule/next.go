package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notihub/internal/models"
)

// parser accepts strict 5-field specs only; seconds and descriptors are rejected.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a 5-field cron expression.
func ParseCron(spec string) (cron.Schedule, error) {
	return parser.Parse(strings.TrimSpace(spec))
}

// NextExecution returns the next instant a schedule should run.
//
// ONCE returns scheduledAt unchanged. RECURRING anchors at scheduledAt when it
// lies after now, otherwise at now, and returns the first matching instant
// strictly after the anchor. ok is false when there is no next instant
// (ONCE without scheduledAt, an unparsable crontab, or an unknown type).
func NextExecution(typ models.ScheduleType, crontab string, scheduledAt *time.Time, now time.Time) (next time.Time, ok bool) {
	switch typ {
	case models.ScheduleOnce:
		if scheduledAt == nil {
			return time.Time{}, false
		}
		return *scheduledAt, true
	case models.ScheduleRecurring:
		sched, err := ParseCron(crontab)
		if err != nil {
			return time.Time{}, false
		}
		anchor := now
		if scheduledAt != nil && scheduledAt.After(now) {
			anchor = *scheduledAt
		}
		next = sched.Next(anchor)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// Preview returns up to n upcoming instants after from, for diagnostics.
func Preview(crontab string, from time.Time, n int) []time.Time {
	sched, err := ParseCron(crontab)
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

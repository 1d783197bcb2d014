package storage

import (
	"errors"
	"fmt"
	"time"

	"notihub/internal/models"
)

var (
	ErrNotFound              = errors.New("storage: not found")
	ErrConflictingResolution = errors.New("storage: log already resolved with a different status")
	ErrInvalidStatus         = errors.New("storage: resolution status must be terminal")
	ErrClosed                = errors.New("storage: closed")
)

// NoNewWorkError reports that every entry of a batch already had an
// identical pending entry. It means "nothing new to send", not a failure.
type NoNewWorkError struct {
	Skipped int
}

func (e *NoNewWorkError) Error() string {
	return fmt.Sprintf("no new work: %d entries already pending", e.Skipped)
}

func IsNoNewWork(err error) bool {
	var nw *NoNewWorkError
	return errors.As(err, &nw)
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// ScheduleFilter scopes ListByUser. Range applies to next_execution_at.
type ScheduleFilter struct {
	UserID int64
	Range  models.DateRange
}

// LogFilter scopes History. Range applies to created_at.
type LogFilter struct {
	SenderID int64
	Range    models.DateRange
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func normalizePage(p models.Page) models.Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"notihub/internal/models"
)

// LogRepo reads and writes delivery_logs. Entries are never deleted.
type LogRepo struct {
	q   queryer
	db  *sql.DB // nil inside a Tx
	now func() time.Time
}

const logColumns = `id, sender_id, contact_data, message, provider_name, status, details, created_at, delivered_at`

// RecordPendingOrSkip inserts the batch as PENDING entries, skipping any
// draft that already has an identical pending entry. It returns the ids of
// the inserted rows, or *NoNewWorkError when nothing was inserted.
func (r *LogRepo) RecordPendingOrSkip(ctx context.Context, batch []models.LogDraft) ([]int64, error) {
	entries, err := r.RecordPending(ctx, batch)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// RecordPending is RecordPendingOrSkip returning the inserted entries.
func (r *LogRepo) RecordPending(ctx context.Context, batch []models.LogDraft) ([]models.LogEntry, error) {
	if len(batch) == 0 {
		return nil, &NoNewWorkError{}
	}
	var out []models.LogEntry
	err := atomic(ctx, r.db, r.q, func(q queryer) error {
		now := r.now().UTC()
		for i, d := range batch {
			var id int64
			err := q.QueryRowContext(ctx, `INSERT INTO delivery_logs(sender_id, contact_data, message, provider_name, status, created_at)
				VALUES(?,?,?,?,?,?)
				ON CONFLICT DO NOTHING
				RETURNING id`,
				d.SenderID, d.ContactData, d.Message, string(d.Provider), string(models.StatusPending), millis(now),
			).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert log %d: %w", i, err)
			}
			out = append(out, models.LogEntry{
				ID:          id,
				SenderID:    d.SenderID,
				ContactData: d.ContactData,
				Message:     d.Message,
				Provider:    d.Provider,
				Status:      models.StatusPending,
				CreatedAt:   fromMillis(millis(now)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &NoNewWorkError{Skipped: len(batch)}
	}
	return out, nil
}

// Resolve moves a PENDING entry to a terminal status. Resolving again with
// the same status is a no-op; a different status is ErrConflictingResolution.
func (r *LogRepo) Resolve(ctx context.Context, id int64, status models.Status, details string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := r.q.ExecContext(ctx, `UPDATE delivery_logs SET status = ?, details = ?, delivered_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nullStr(details), millis(r.now()), id, string(models.StatusPending))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	var current string
	err = r.q.QueryRowContext(ctx, `SELECT status FROM delivery_logs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.Status(current) == status {
		return nil
	}
	return fmt.Errorf("%w: log %d is %s, refusing %s", ErrConflictingResolution, id, current, status)
}

func (r *LogRepo) Get(ctx context.Context, id int64) (models.LogEntry, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+logColumns+` FROM delivery_logs WHERE id = ?`, id)
	if err != nil {
		return models.LogEntry{}, err
	}
	defer rows.Close()
	out, err := scanLogs(rows)
	if err != nil {
		return models.LogEntry{}, err
	}
	if len(out) == 0 {
		return models.LogEntry{}, ErrNotFound
	}
	return out[0], nil
}

// History pages through one sender's entries, newest first.
func (r *LogRepo) History(ctx context.Context, f LogFilter, p models.Page) (int, []models.LogEntry, error) {
	p = normalizePage(p)
	where := []string{"sender_id = ?"}
	args := []any{f.SenderID}
	where, args = rangeClause(where, args, "created_at", f.Range)
	from := ` FROM delivery_logs` + whereSQL(where)

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return 0, nil, err
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+logColumns+from+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, p.Limit, p.Offset)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	out, err := scanLogs(rows)
	if err != nil {
		return 0, nil, err
	}
	return total, out, nil
}

// AllOrByDateRange returns every entry, or those created within r when
// r is non-nil. Used by reporting.
func (r *LogRepo) AllOrByDateRange(ctx context.Context, dr *models.DateRange) ([]models.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if dr != nil {
		where, args = rangeClause(where, args, "created_at", *dr)
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+logColumns+` FROM delivery_logs`+whereSQL(where)+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

// StalePending lists PENDING entries created before olderThan.
func (r *LogRepo) StalePending(ctx context.Context, olderThan time.Time) ([]models.LogEntry, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+logColumns+` FROM delivery_logs
		WHERE status = ? AND created_at < ? ORDER BY created_at, id`,
		string(models.StatusPending), millis(olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]models.LogEntry, error) {
	var out []models.LogEntry
	for rows.Next() {
		var (
			e                models.LogEntry
			provider, status string
			details          sql.NullString
			created          int64
			delivered        sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.SenderID, &e.ContactData, &e.Message, &provider, &status, &details, &created, &delivered); err != nil {
			return nil, err
		}
		e.Provider = models.Provider(provider)
		e.Status = models.Status(status)
		e.Details = details.String
		e.CreatedAt = fromMillis(created)
		e.DeliveredAt = fromNullMillis(delivered)
		out = append(out, e)
	}
	return out, rows.Err()
}

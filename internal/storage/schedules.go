package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"notihub/internal/models"
)

// ScheduleRepo reads and writes the schedules table.
type ScheduleRepo struct {
	q   queryer
	db  *sql.DB // nil inside a Tx
	now func() time.Time
}

const scheduleColumns = `s.id, s.message, s.channel_id, s.schedule_type, s.scheduled_at, s.crontab,
	s.max_executions, s.current_executions, s.last_executed_at, s.next_execution_at,
	s.created_at, s.updated_at`

const upsertScheduleSQL = `
INSERT INTO schedules(message, channel_id, schedule_type, scheduled_at, crontab, max_executions,
	next_execution_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(channel_id, message, schedule_type, crontab, max_executions) DO UPDATE SET
	updated_at = excluded.updated_at,
	next_execution_at = CASE
		WHEN schedules.next_execution_at IS NULL THEN excluded.next_execution_at
		WHEN excluded.next_execution_at IS NULL THEN schedules.next_execution_at
		ELSE max(schedules.next_execution_at, excluded.next_execution_at)
	END
RETURNING id`

// AddOrMerge inserts the batch in one transaction. A draft colliding with an
// existing schedule refreshes its updated_at and keeps the later
// next_execution_at. The returned ids are in batch order.
func (r *ScheduleRepo) AddOrMerge(ctx context.Context, batch []models.ScheduleDraft) ([]int64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(batch))
	err := atomic(ctx, r.db, r.q, func(q queryer) error {
		now := millis(r.now())
		for i, d := range batch {
			crontab := strings.TrimSpace(d.Crontab)
			if d.Type == models.ScheduleOnce {
				crontab = ""
			}
			var id int64
			err := q.QueryRowContext(ctx, upsertScheduleSQL,
				d.Message, d.ChannelID, string(d.Type), nullMillis(d.ScheduledAt), crontab,
				d.MaxExecutions, nullMillis(d.NextExecutionAt), now, now,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("upsert schedule %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DueForExecution returns every schedule with next_execution_at <= now,
// joined with its channel.
func (r *ScheduleRepo) DueForExecution(ctx context.Context, now time.Time) ([]models.DueSchedule, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+scheduleColumns+`,
		c.id, c.user_id, c.contact_value, c.channel_type, c.is_active
		FROM schedules s JOIN channels c ON c.id = s.channel_id
		WHERE s.next_execution_at IS NOT NULL AND s.next_execution_at <= ?
		ORDER BY s.next_execution_at, s.id`, millis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DueSchedule
	for rows.Next() {
		var (
			row    scheduleRow
			ch     models.Channel
			chType string
		)
		dest := append(row.dest(), &ch.ID, &ch.UserID, &ch.ContactValue, &chType, &ch.Active)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ch.Type = models.Provider(chType)
		out = append(out, models.DueSchedule{Schedule: row.schedule(), Channel: ch})
	}
	return out, rows.Err()
}

// ListByUser pages through schedules on channels owned by f.UserID.
func (r *ScheduleRepo) ListByUser(ctx context.Context, f ScheduleFilter, p models.Page) (int, []models.Schedule, error) {
	p = normalizePage(p)
	where := []string{"c.user_id = ?"}
	args := []any{f.UserID}
	where, args = rangeClause(where, args, "s.next_execution_at", f.Range)
	from := ` FROM schedules s JOIN channels c ON c.id = s.channel_id` + whereSQL(where)

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return 0, nil, err
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+scheduleColumns+from+` ORDER BY s.id LIMIT ? OFFSET ?`,
		append(args, p.Limit, p.Offset)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	out, err := scanSchedules(rows)
	if err != nil {
		return 0, nil, err
	}
	return total, out, nil
}

func (r *ScheduleRepo) Get(ctx context.Context, id int64) (models.Schedule, error) {
	var row scheduleRow
	err := r.q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules s WHERE s.id = ?`, id).
		Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Schedule{}, ErrNotFound
	}
	if err != nil {
		return models.Schedule{}, err
	}
	return row.schedule(), nil
}

// DeleteOwned deletes a schedule only when its channel belongs to userID.
func (r *ScheduleRepo) DeleteOwned(ctx context.Context, scheduleID, userID int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM schedules
		WHERE id = ? AND channel_id IN (SELECT id FROM channels WHERE user_id = ?)`, scheduleID, userID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// Delete retires a schedule.
func (r *ScheduleRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// Advance records one execution. A missing row is ErrNotFound.
func (r *ScheduleRepo) Advance(ctx context.Context, id int64, count int, lastExecutedAt time.Time, next *time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE schedules
		SET current_executions = ?, last_executed_at = ?, next_execution_at = ?, updated_at = ?
		WHERE id = ?`,
		count, millis(lastExecutedAt), nullMillis(next), millis(r.now()), id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scheduleRow holds the encoded columns of one schedules row.
type scheduleRow struct {
	s                           models.Schedule
	typ                         string
	scheduledAt, lastExec, next sql.NullInt64
	created, updated            int64
}

func (r *scheduleRow) dest() []any {
	return []any{&r.s.ID, &r.s.Message, &r.s.ChannelID, &r.typ, &r.scheduledAt, &r.s.Crontab,
		&r.s.MaxExecutions, &r.s.CurrentExecutions, &r.lastExec, &r.next, &r.created, &r.updated}
}

func (r *scheduleRow) schedule() models.Schedule {
	s := r.s
	s.Type = models.ScheduleType(r.typ)
	s.ScheduledAt = fromNullMillis(r.scheduledAt)
	s.LastExecutedAt = fromNullMillis(r.lastExec)
	s.NextExecutionAt = fromNullMillis(r.next)
	s.CreatedAt = fromMillis(r.created)
	s.UpdatedAt = fromMillis(r.updated)
	return s
}

func scanSchedules(rows *sql.Rows) ([]models.Schedule, error) {
	var out []models.Schedule
	for rows.Next() {
		var row scheduleRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		out = append(out, row.schedule())
	}
	return out, rows.Err()
}

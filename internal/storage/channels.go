package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"notihub/internal/models"
)

// ChannelRepo is the local read model of user contact channels.
type ChannelRepo struct {
	q   queryer
	now func() time.Time
}

const channelColumns = `id, user_id, contact_value, channel_type, is_active`

// Add stores a channel and returns its id. Channel ownership is managed
// outside this service; Add exists for sync jobs and tests.
func (r *ChannelRepo) Add(ctx context.Context, ch models.Channel) (int64, error) {
	var id int64
	err := r.q.QueryRowContext(ctx, `INSERT INTO channels(user_id, contact_value, channel_type, is_active, created_at)
		VALUES(?,?,?,?,?) RETURNING id`,
		ch.UserID, ch.ContactValue, string(ch.Type), ch.Active, millis(r.now()),
	).Scan(&id)
	return id, err
}

func (r *ChannelRepo) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE channels SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (r *ChannelRepo) Get(ctx context.Context, id int64) (models.Channel, error) {
	var (
		ch  models.Channel
		typ string
	)
	err := r.q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.UserID, &ch.ContactValue, &typ, &ch.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrNotFound
	}
	if err != nil {
		return models.Channel{}, err
	}
	ch.Type = models.Provider(typ)
	return ch, nil
}

// ActiveOwned returns the active channels among ids owned by userID,
// in ascending id order.
func (r *ChannelRepo) ActiveOwned(ctx context.Context, userID int64, ids []int64) ([]models.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels
		WHERE user_id = ? AND is_active = 1 AND id IN (`+marks+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var (
			ch  models.Channel
			typ string
		)
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.ContactValue, &typ, &ch.Active); err != nil {
			return nil, err
		}
		ch.Type = models.Provider(typ)
		out = append(out, ch)
	}
	return out, rows.Err()
}

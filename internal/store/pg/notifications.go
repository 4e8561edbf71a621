package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"wastelink.org/internal/notify"
)

const notificationColumns = `id, user_id, type, title, message, is_read, read_at, data, priority, expires_at, created_at`

func scanNotification(row interface{ Scan(...any) error }) (notify.Notification, error) {
	var (
		n        notify.Notification
		readAt   sql.NullTime
		data     []byte
		priority string
	)
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.IsRead, &readAt, &data, &priority, &n.ExpiresAt, &n.CreatedAt); err != nil {
		return notify.Notification{}, err
	}
	n.ReadAt = timePtr(readAt)
	n.Priority = notify.Priority(priority)
	n.ExpiresAt = n.ExpiresAt.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	n.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return notify.Notification{}, err
		}
	}
	return n, nil
}

func (s *Store) InsertNotification(ctx context.Context, n notify.Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into notifications (id, user_id, type, title, message, is_read, read_at, data, priority, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.IsRead, nullTime(n.ReadAt), raw, string(n.Priority), n.ExpiresAt.UTC(), n.CreatedAt.UTC())
	if err != nil && isPgCode(err, pgErrForeignKeyViolation) {
		return notify.ErrNotFound
	}
	return err
}

// MarkNotificationRead keeps the first read_at when called twice. A miss on
// the conditional update is classified with a second lookup.
func (s *Store) MarkNotificationRead(ctx context.Context, id, owner string, now time.Time) (notify.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, `
		update notifications
		set is_read = true, read_at = coalesce(read_at, $3)
		where id = $1 and user_id = $2 and expires_at > $3
		returning `+notificationColumns, id, owner, now.UTC()))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, err
	}
	var holder string
	err = s.db.QueryRowContext(ctx,
		`select user_id from notifications where id = $1 and expires_at > $2`, id, now.UTC()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, notify.ErrNotFound
	}
	if err != nil {
		return notify.Notification{}, err
	}
	return notify.Notification{}, notify.ErrNotOwner
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, owner string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update notifications set is_read = true, read_at = $2
		where user_id = $1 and not is_read and expires_at > $2`, owner, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) UnreadNotificationCount(ctx context.Context, owner string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from notifications
		where user_id = $1 and not is_read and expires_at > $2`, owner, now.UTC()).Scan(&n)
	return n, err
}

func (s *Store) ListNotifications(ctx context.Context, owner string, f notify.ListFilter, now time.Time) ([]notify.Notification, error) {
	query := `select ` + notificationColumns + ` from notifications where user_id = $1 and expires_at > $2`
	if f.UnreadOnly {
		query += ` and not is_read`
	}
	query += ` order by created_at desc, id desc limit $3 offset $4`
	rows, err := s.db.QueryContext(ctx, query, owner, now.UTC(), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) PurgeExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from notifications where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

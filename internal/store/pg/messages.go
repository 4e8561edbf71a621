package pg

import (
	"context"
	"database/sql"

	"wastelink.org/internal/relay"
)

func (s *Store) InsertMessage(ctx context.Context, m relay.Message) error {
	_, err := s.db.ExecContext(ctx, `
		insert into messages (id, room, sender_id, body, kind, created_at)
		values ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Room, nullIfEmpty(m.SenderID), m.Body, string(m.Kind), m.CreatedAt.UTC())
	return err
}

func (s *Store) RecentMessages(ctx context.Context, room string, offset, limit int) ([]relay.Message, error) {
	if offset < 0 || limit < 0 {
		return nil, relay.ErrPagination
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, room, sender_id, body, kind, created_at
		from messages
		where room = $1
		order by created_at desc, id desc
		limit $2 offset $3`, room, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []relay.Message
	for rows.Next() {
		var (
			m      relay.Message
			sender sql.NullString
			kind   string
		)
		if err := rows.Scan(&m.ID, &m.Room, &sender, &m.Body, &kind, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderID = sender.String
		m.Kind = relay.Kind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

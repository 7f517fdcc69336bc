package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) ResolveOrCreate(ctx context.Context, a, b string) (*model.Conversation, error) {
	key, participants, err := PairKey(a, b)
	if err != nil {
		return nil, err
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, pair_key, participant_a, participant_b, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
		RETURNING id, pair_key, participant_a, participant_b, last_message_id, last_message, last_activity, created_at
	`, uuid.NewString(), key, participants[0], participants[1], utcNow())

	var c model.Conversation
	var pa, pb string
	var lastID, lastMsg sql.NullString
	var lastActivity sql.NullTime
	if err := row.Scan(&c.ID, &c.PairKey, &pa, &pb, &lastID, &lastMsg, &lastActivity, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("resolve conversation %s: %w", key, err)
	}
	c.Participants = []string{pa, pb}
	if lastID.Valid {
		c.LastMessageID = &lastID.String
	}
	if lastMsg.Valid {
		c.LastMessage = &lastMsg.String
	}
	if lastActivity.Valid {
		c.LastActivity = &lastActivity.Time
	}
	return &c, nil
}

func (d *PostgresDirectory) SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utcNow()
	}
	if msg.Kind == "" {
		msg.Kind = model.KindUser
	}

	var sourceID any
	if msg.SourceID != nil {
		sourceID = *msg.SourceID
	}

	row := d.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, sender_id, receiver_id, content, kind, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_id) DO UPDATE SET source_id = EXCLUDED.source_id
		RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Kind), sourceID, msg.CreatedAt.UTC())

	saved, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &saved, nil
}

func (d *PostgresDirectory) RecordActivity(ctx context.Context, conversationID string, msg model.Message) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $2, last_message = $3, last_activity = $4
		WHERE id = $1 AND (last_activity IS NULL OR last_activity <= $4)
	`, conversationID, msg.ID, preview(msg.Content), msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record activity on %s: %w", conversationID, err)
	}
	return nil
}

func (d *PostgresDirectory) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, conversationID, messageLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, kind, source_id, created_at`

func scanMessage(s interface{ Scan(dest ...any) error }) (model.Message, error) {
	var m model.Message
	var kind string
	var sourceID sql.NullString
	var createdAt time.Time
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &kind, &sourceID, &createdAt); err != nil {
		return m, err
	}
	m.Kind = model.Kind(kind)
	m.CreatedAt = createdAt
	if sourceID.Valid {
		m.SourceID = &sourceID.String
	}
	return m, nil
}

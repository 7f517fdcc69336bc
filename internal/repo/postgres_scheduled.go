package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

const scheduledColumns = `id, sender_id, receiver_id, sender_name, receiver_name, content, send_at, state,
	queued_at, last_published_at, sent_at, failed_at, delivered_message_id,
	retry_count, last_error, created_at, updated_at`

// insertChunk keeps a single INSERT under the Postgres bind parameter limit.
const insertChunk = 1000

type PostgresScheduledRepo struct {
	db *sql.DB
}

func NewPostgresScheduledRepo(db *sql.DB) *PostgresScheduledRepo {
	return &PostgresScheduledRepo{db: db}
}

func (r *PostgresScheduledRepo) InsertBatch(ctx context.Context, msgs []model.ScheduledMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(msgs); start += insertChunk {
		end := min(start+insertChunk, len(msgs))
		query, args := buildInsert(msgs[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert scheduled messages: %w", err)
		}
	}

	return tx.Commit()
}

func buildInsert(msgs []model.ScheduledMessage) (string, []any) {
	const cols = 10
	var b strings.Builder
	b.WriteString(`INSERT INTO scheduled_messages
		(id, sender_id, receiver_id, sender_name, receiver_name, content, send_at, state, created_at, updated_at)
		VALUES `)

	args := make([]any, 0, len(msgs)*cols)
	for i, m := range msgs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 1; c <= cols; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c)
		}
		b.WriteByte(')')

		state := m.State
		if state == "" {
			state = model.Pending
		}
		args = append(args,
			m.ID, m.SenderID, m.ReceiverID, m.SenderName, m.ReceiverName, m.Content,
			m.SendAt.UTC(), string(state), m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
		)
	}
	return b.String(), args
}

func (r *PostgresScheduledRepo) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = $1`, id)
	m, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresScheduledRepo) FindDue(ctx context.Context, now time.Time, maxRetries, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.query(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE state = 'pending' AND send_at <= $1 AND retry_count < $2
		ORDER BY send_at ASC
		LIMIT $3
	`, now.UTC(), maxRetries, limit)
}

func (r *PostgresScheduledRepo) FindStaleQueued(ctx context.Context, publishedBefore time.Time, maxRetries, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	return r.query(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE state = 'queued'
		  AND retry_count < $2
		  AND (last_published_at IS NULL OR last_published_at < $1)
		ORDER BY last_published_at ASC NULLS FIRST
		LIMIT $3
	`, publishedBefore.UTC(), maxRetries, limit)
}

func (r *PostgresScheduledRepo) Promote(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := model.CheckTransition(model.Pending, model.Queued); err != nil {
		return false, err
	}
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'queued', queued_at = COALESCE(queued_at, $2), last_published_at = $2, updated_at = $2
		WHERE id = $1 AND state = 'pending'
	`, id, now.UTC())
}

func (r *PostgresScheduledRepo) Revert(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := model.CheckTransition(model.Queued, model.Pending); err != nil {
		return false, err
	}
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'pending', last_published_at = NULL, updated_at = $2
		WHERE id = $1 AND state = 'queued'
	`, id, now.UTC())
}

func (r *PostgresScheduledRepo) TouchPublished(ctx context.Context, id string, prev *time.Time, now time.Time) (bool, error) {
	if prev == nil {
		return r.exec(ctx, `
			UPDATE scheduled_messages
			SET last_published_at = $2, updated_at = $2
			WHERE id = $1 AND state = 'queued' AND last_published_at IS NULL
		`, id, now.UTC())
	}
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET last_published_at = $3, updated_at = $3
		WHERE id = $1 AND state = 'queued' AND last_published_at = $2
	`, id, prev.UTC(), now.UTC())
}

func (r *PostgresScheduledRepo) MarkSent(ctx context.Context, id, messageID string, now time.Time) (bool, error) {
	if err := model.CheckTransition(model.Queued, model.Sent); err != nil {
		return false, err
	}
	return r.exec(ctx, `
		UPDATE scheduled_messages
		SET state = 'sent', sent_at = $3, delivered_message_id = $2, updated_at = $3
		WHERE id = $1 AND state = 'queued'
	`, id, messageID, now.UTC())
}

func (r *PostgresScheduledRepo) RecordFailure(ctx context.Context, id, reason string, maxRetries int, now time.Time) (model.State, bool, error) {
	if err := model.CheckTransition(model.Queued, model.Failed); err != nil {
		return "", false, err
	}

	var state string
	err := r.db.QueryRowContext(ctx, `
		UPDATE scheduled_messages
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    state = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE state END,
		    failed_at = CASE WHEN retry_count + 1 >= $3 THEN $4 ELSE failed_at END,
		    updated_at = $4
		WHERE id = $1 AND state = 'queued'
		RETURNING state
	`, id, reason, maxRetries, now.UTC()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.State(state), true, nil
}

func (r *PostgresScheduledRepo) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM scheduled_messages
		WHERE state = 'sent' AND sent_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresScheduledRepo) List(ctx context.Context, state model.State, limit, offset int) ([]model.ScheduledMessage, error) {
	limit, offset = normalizePage(limit, offset)
	if state == "" {
		return r.query(ctx, `
			SELECT `+scheduledColumns+`
			FROM scheduled_messages
			ORDER BY send_at DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	return r.query(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE state = $1
		ORDER BY send_at DESC
		LIMIT $2 OFFSET $3
	`, string(state), limit, offset)
}

func (r *PostgresScheduledRepo) CountByState(ctx context.Context) (map[model.State]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM scheduled_messages GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.State]int64{
		model.Pending: 0,
		model.Queued:  0,
		model.Sent:    0,
		model.Failed:  0,
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[model.State(state)] = n
	}
	return out, rows.Err()
}

func (r *PostgresScheduledRepo) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresScheduledRepo) query(ctx context.Context, query string, args ...any) ([]model.ScheduledMessage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduled(s rowScanner) (model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	var state string
	var queuedAt, publishedAt, sentAt, failedAt sql.NullTime
	var deliveredID, lastErr sql.NullString

	if err := s.Scan(
		&m.ID,
		&m.SenderID,
		&m.ReceiverID,
		&m.SenderName,
		&m.ReceiverName,
		&m.Content,
		&m.SendAt,
		&state,
		&queuedAt,
		&publishedAt,
		&sentAt,
		&failedAt,
		&deliveredID,
		&m.RetryCount,
		&lastErr,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return m, err
	}

	m.State = model.State(state)
	m.QueuedAt = nullTime(queuedAt)
	m.LastPublishedAt = nullTime(publishedAt)
	m.SentAt = nullTime(sentAt)
	m.FailedAt = nullTime(failedAt)
	m.DeliveredMessageID = nullString(deliveredID)
	m.LastError = nullString(lastErr)
	return m, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

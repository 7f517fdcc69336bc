package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

var ErrNotFound = errors.New("scheduled message not found")

// ScheduledRepository stores scheduling records. Every state change is a
// conditional write on the current state; the bool results report whether the
// write applied.
type ScheduledRepository interface {
	InsertBatch(ctx context.Context, msgs []model.ScheduledMessage) error
	Get(ctx context.Context, id string) (*model.ScheduledMessage, error)

	// FindDue returns pending records with send_at <= now and retry_count < maxRetries.
	FindDue(ctx context.Context, now time.Time, maxRetries, limit int) ([]model.ScheduledMessage, error)
	// FindStaleQueued returns queued records last published before the given time.
	FindStaleQueued(ctx context.Context, publishedBefore time.Time, maxRetries, limit int) ([]model.ScheduledMessage, error)

	Promote(ctx context.Context, id string, now time.Time) (bool, error)
	Revert(ctx context.Context, id string, now time.Time) (bool, error)
	// TouchPublished advances last_published_at to now if it still equals prev.
	// A nil prev matches a record that was never marked published.
	TouchPublished(ctx context.Context, id string, prev *time.Time, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id, messageID string, now time.Time) (bool, error)
	// RecordFailure increments retry_count on a queued record and moves it to
	// failed once maxRetries is reached. It returns the resulting state.
	RecordFailure(ctx context.Context, id, reason string, maxRetries int, now time.Time) (model.State, bool, error)

	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	List(ctx context.Context, state model.State, limit, offset int) ([]model.ScheduledMessage, error)
	CountByState(ctx context.Context) (map[model.State]int64, error)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

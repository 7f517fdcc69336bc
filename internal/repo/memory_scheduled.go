package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

// MemoryScheduledRepo is an in-process ScheduledRepository used by tests and
// by STORE_DRIVER=memory.
type MemoryScheduledRepo struct {
	mu   sync.Mutex
	msgs map[string]model.ScheduledMessage
}

func NewMemoryScheduledRepo() *MemoryScheduledRepo {
	return &MemoryScheduledRepo{msgs: make(map[string]model.ScheduledMessage)}
}

func (r *MemoryScheduledRepo) InsertBatch(_ context.Context, msgs []model.ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		if _, ok := r.msgs[m.ID]; ok {
			return fmt.Errorf("insert scheduled messages: duplicate id %s", m.ID)
		}
	}
	for _, m := range msgs {
		if m.State == "" {
			m.State = model.Pending
		}
		r.msgs[m.ID] = m
	}
	return nil
}

func (r *MemoryScheduledRepo) Get(_ context.Context, id string) (*model.ScheduledMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r *MemoryScheduledRepo) FindDue(_ context.Context, now time.Time, maxRetries, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	out := r.filter(func(m model.ScheduledMessage) bool {
		return m.State == model.Pending && !m.SendAt.After(now) && m.RetryCount < maxRetries
	})
	sortBySendAt(out)
	return truncate(out, limit), nil
}

func (r *MemoryScheduledRepo) FindStaleQueued(_ context.Context, publishedBefore time.Time, maxRetries, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	out := r.filter(func(m model.ScheduledMessage) bool {
		if m.State != model.Queued || m.RetryCount >= maxRetries {
			return false
		}
		return m.LastPublishedAt == nil || m.LastPublishedAt.Before(publishedBefore)
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastPublishedAt, out[j].LastPublishedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	return truncate(out, limit), nil
}

func (r *MemoryScheduledRepo) Promote(_ context.Context, id string, now time.Time) (bool, error) {
	return r.transition(id, model.Pending, model.Queued, func(m *model.ScheduledMessage) {
		if m.QueuedAt == nil {
			m.QueuedAt = ptr(now)
		}
		m.LastPublishedAt = ptr(now)
		m.UpdatedAt = now
	})
}

func (r *MemoryScheduledRepo) Revert(_ context.Context, id string, now time.Time) (bool, error) {
	return r.transition(id, model.Queued, model.Pending, func(m *model.ScheduledMessage) {
		m.LastPublishedAt = nil
		m.UpdatedAt = now
	})
}

func (r *MemoryScheduledRepo) TouchPublished(_ context.Context, id string, prev *time.Time, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok || m.State != model.Queued {
		return false, nil
	}
	if (prev == nil) != (m.LastPublishedAt == nil) || (prev != nil && !m.LastPublishedAt.Equal(*prev)) {
		return false, nil
	}
	m.LastPublishedAt = ptr(now)
	m.UpdatedAt = now
	r.msgs[id] = m
	return true, nil
}

func (r *MemoryScheduledRepo) MarkSent(_ context.Context, id, messageID string, now time.Time) (bool, error) {
	return r.transition(id, model.Queued, model.Sent, func(m *model.ScheduledMessage) {
		m.SentAt = ptr(now)
		m.DeliveredMessageID = ptr(messageID)
		m.UpdatedAt = now
	})
}

func (r *MemoryScheduledRepo) RecordFailure(_ context.Context, id, reason string, maxRetries int, now time.Time) (model.State, bool, error) {
	if err := model.CheckTransition(model.Queued, model.Failed); err != nil {
		return "", false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok || m.State != model.Queued {
		return "", false, nil
	}
	m.RetryCount++
	m.LastError = ptr(reason)
	m.UpdatedAt = now
	if m.RetryCount >= maxRetries {
		m.State = model.Failed
		m.FailedAt = ptr(now)
	}
	r.msgs[id] = m
	return m.State, true, nil
}

func (r *MemoryScheduledRepo) DeleteSentBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, m := range r.msgs {
		if m.State == model.Sent && m.SentAt != nil && m.SentAt.Before(cutoff) {
			delete(r.msgs, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryScheduledRepo) List(_ context.Context, state model.State, limit, offset int) ([]model.ScheduledMessage, error) {
	limit, offset = normalizePage(limit, offset)
	out := r.filter(func(m model.ScheduledMessage) bool {
		return state == "" || m.State == state
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendAt.Equal(out[j].SendAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SendAt.After(out[j].SendAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	return truncate(out[offset:], limit), nil
}

func (r *MemoryScheduledRepo) CountByState(_ context.Context) (map[model.State]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[model.State]int64{
		model.Pending: 0,
		model.Queued:  0,
		model.Sent:    0,
		model.Failed:  0,
	}
	for _, m := range r.msgs {
		out[m.State]++
	}
	return out, nil
}

func (r *MemoryScheduledRepo) transition(id string, from, to model.State, apply func(*model.ScheduledMessage)) (bool, error) {
	if err := model.CheckTransition(from, to); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok || m.State != from {
		return false, nil
	}
	m.State = to
	apply(&m)
	r.msgs[id] = m
	return true, nil
}

func (r *MemoryScheduledRepo) filter(keep func(model.ScheduledMessage) bool) []model.ScheduledMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.ScheduledMessage
	for _, m := range r.msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func sortBySendAt(msgs []model.ScheduledMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SendAt.Equal(msgs[j].SendAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SendAt.Before(msgs[j].SendAt)
	})
}

func truncate(msgs []model.ScheduledMessage, limit int) []model.ScheduledMessage {
	if len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

func ptr[T any](v T) *T {
	return &v
}

package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

// MemoryDirectory keeps conversations in process. Used by tests and CHAT_BACKEND=memory.
type MemoryDirectory struct {
	mu       sync.Mutex
	byKey    map[string]*model.Conversation
	byID     map[string]*model.Conversation
	messages map[string]model.Message
	bySource map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byKey:    make(map[string]*model.Conversation),
		byID:     make(map[string]*model.Conversation),
		messages: make(map[string]model.Message),
		bySource: make(map[string]string),
	}
}

func (d *MemoryDirectory) ResolveOrCreate(_ context.Context, a, b string) (*model.Conversation, error) {
	key, participants, err := PairKey(a, b)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.byKey[key]; ok {
		cp := *c
		return &cp, nil
	}
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Participants: participants,
		PairKey:      key,
		CreatedAt:    utcNow(),
	}
	d.byKey[key] = c
	d.byID[c.ID] = c
	cp := *c
	return &cp, nil
}

func (d *MemoryDirectory) SaveMessage(_ context.Context, msg model.Message) (*model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.SourceID != nil {
		if id, ok := d.bySource[*msg.SourceID]; ok {
			existing := d.messages[id]
			return &existing, nil
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utcNow()
	}
	if msg.Kind == "" {
		msg.Kind = model.KindUser
	}
	d.messages[msg.ID] = msg
	if msg.SourceID != nil {
		d.bySource[*msg.SourceID] = msg.ID
	}
	return &msg, nil
}

func (d *MemoryDirectory) RecordActivity(_ context.Context, conversationID string, msg model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.byID[conversationID]
	if !ok {
		return nil
	}
	if c.LastActivity != nil && c.LastActivity.After(msg.CreatedAt) {
		return nil
	}
	id, text, at := msg.ID, preview(msg.Content), msg.CreatedAt
	c.LastMessageID = &id
	c.LastMessage = &text
	c.LastActivity = &at
	return nil
}

func (d *MemoryDirectory) Messages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []model.Message
	for _, m := range d.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit = messageLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Conversation returns a copy of the stored conversation.
func (d *MemoryDirectory) Conversation(id string) (model.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// Count returns the number of conversations and messages stored.
func (d *MemoryDirectory) Count() (conversations, messages int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID), len(d.messages)
}

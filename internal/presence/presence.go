// Package presence pushes real-time events to connected recipients.
package presence

import (
	"context"
	"encoding/json"
	"time"
)

const EventMessageNew = "message:new"

// Gateway delivers an event to whatever sessions userID has open. Delivery is
// best effort: callers log errors and move on.
type Gateway interface {
	Notify(ctx context.Context, userID, event string, payload any) error
}

// Notification is the wire shape every backend emits.
type Notification struct {
	UserID  string          `json:"userId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

func encode(userID, event string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Notification{
		UserID:  userID,
		Event:   event,
		Payload: p,
		At:      time.Now().UTC(),
	})
}

type Noop struct{}

func (Noop) Notify(context.Context, string, string, any) error { return nil }

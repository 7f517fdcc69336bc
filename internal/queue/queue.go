// Package queue is a Redis-backed durable work queue with per-message
// acknowledgement, delayed redelivery, a TTL and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Result tells the queue what to do with a delivered message.
type Result int

const (
	// Ack removes the message.
	Ack Result = iota
	// NackRetry redelivers the message after the retry delay, until the
	// delivery bound is reached.
	NackRetry
	// NackDrop dead-letters the message immediately.
	NackDrop
)

func (r Result) String() string {
	switch r {
	case Ack:
		return "ack"
	case NackRetry:
		return "nack_retry"
	case NackDrop:
		return "nack_drop"
	default:
		return "unknown"
	}
}

var ErrMalformed = errors.New("malformed queue message")

type Message struct {
	ID         string
	Body       []byte
	EnqueuedAt time.Time
	// Delivery is 1 on the first delivery and grows with each redelivery.
	Delivery int
}

type Handler func(ctx context.Context, msg Message) Result

type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

// DeadLetter is one entry of the dead-letter list. Raw holds the original
// list item when it could not be decoded.
type DeadLetter struct {
	ID         string          `json:"id,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Deliveries int             `json:"deliveries"`
	Raw        string          `json:"raw,omitempty"`
	Reason     string          `json:"reason"`
	DeadAt     time.Time       `json:"deadAt"`
}

type envelope struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Deliveries int             `json:"deliveries"`
}

func decodeEnvelope(raw string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return env, errors.Join(ErrMalformed, err)
	}
	if env.ID == "" || len(env.Body) == 0 {
		return env, ErrMalformed
	}
	return env, nil
}

func (e envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

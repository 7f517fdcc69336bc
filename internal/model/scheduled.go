package model

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	Pending State = "pending"
	Queued  State = "queued"
	Sent    State = "sent"
	Failed  State = "failed"
)

// MaxContentLength bounds ScheduledMessage.Content in characters.
const MaxContentLength = 1000

var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists every legal state change. Anything missing is rejected.
var transitions = map[State]map[State]bool{
	Pending: {Queued: true},
	Queued:  {Pending: true, Sent: true, Failed: true},
	Sent:    {},
	Failed:  {},
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) Terminal() bool {
	return s == Sent || s == Failed
}

func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// CheckTransition returns an error wrapping ErrIllegalTransition when from -> to is not allowed.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

type ScheduledMessage struct {
	ID           string `json:"id" validate:"required"`
	SenderID     string `json:"senderId" validate:"required,nefield=ReceiverID"`
	ReceiverID   string `json:"receiverId" validate:"required"`
	SenderName   string `json:"senderName"`
	ReceiverName string `json:"receiverName"`
	Content      string `json:"content" validate:"required,max=1000"`

	SendAt time.Time `json:"sendAt" validate:"required"`
	State  State     `json:"state"`

	QueuedAt        *time.Time `json:"queuedAt,omitempty"`
	LastPublishedAt *time.Time `json:"lastPublishedAt,omitempty"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`

	DeliveredMessageID *string `json:"deliveredMessageId,omitempty"`
	RetryCount         int     `json:"retryCount"`
	LastError          *string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Payload builds the queue message for a scheduled record.
func (m ScheduledMessage) Payload() Payload {
	return Payload{
		ScheduledMessageID:  m.ID,
		SenderID:            m.SenderID,
		ReceiverID:          m.ReceiverID,
		Content:             m.Content,
		SenderDisplayName:   m.SenderName,
		ReceiverDisplayName: m.ReceiverName,
	}
}

package model

import "time"

type Kind string

const (
	KindUser      Kind = "user"
	KindSynthetic Kind = "synthetic"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Conversation struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	PairKey       string     `json:"pairKey"`
	LastMessageID *string    `json:"lastMessageId,omitempty"`
	LastMessage   *string    `json:"lastMessage,omitempty"`
	LastActivity  *time.Time `json:"lastActivity,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"kind"`
	SourceID       *string   `json:"sourceId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

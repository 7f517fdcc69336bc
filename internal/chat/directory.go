// Package chat owns conversations and the chat messages materialized into them.
package chat

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

var ErrSamePair = errors.New("conversation participants must differ")

// previewLength bounds Conversation.LastMessage in characters.
const previewLength = 140

// Directory resolves one conversation per unordered participant pair and
// stores the messages exchanged in it.
type Directory interface {
	// ResolveOrCreate returns the conversation for {a, b}, creating it on first use.
	// Concurrent and argument-swapped calls resolve to the same conversation.
	ResolveOrCreate(ctx context.Context, a, b string) (*model.Conversation, error)
	// SaveMessage inserts msg. When msg.SourceID is set and a message with the
	// same source already exists, the stored message is returned instead.
	SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	// RecordActivity moves the conversation's last-activity markers to msg
	// unless a newer message is already recorded.
	RecordActivity(ctx context.Context, conversationID string, msg model.Message) error
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// PairKey returns the canonical key and sorted participants for {a, b}.
// The key is "<len(first)>:<first>:<second>", so ids containing ':' cannot collide.
func PairKey(a, b string) (string, []string, error) {
	if a == "" || b == "" {
		return "", nil, errors.New("conversation participants must be set")
	}
	if a == b {
		return "", nil, ErrSamePair
	}
	p := []string{a, b}
	sort.Strings(p)
	return strconv.Itoa(len(p[0])) + ":" + p[0] + ":" + p[1], p, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	r := []rune(content)
	return string(r[:previewLength])
}

func messageLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func utcNow() time.Time {
	return time.Now().UTC()
}

package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{Pending, Queued},
		{Queued, Pending},
		{Queued, Sent},
		{Queued, Failed},
	}
	for _, tc := range allowed {
		assert.Truef(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
		assert.NoError(t, CheckTransition(tc.from, tc.to))
	}

	rejected := []struct{ from, to State }{
		{Pending, Sent},
		{Pending, Failed},
		{Pending, Pending},
		{Queued, Queued},
		{Sent, Pending},
		{Sent, Queued},
		{Sent, Failed},
		{Failed, Pending},
		{Failed, Queued},
		{Failed, Sent},
		{State("bogus"), Queued},
	}
	for _, tc := range rejected {
		err := CheckTransition(tc.from, tc.to)
		require.Errorf(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		assert.True(t, errors.Is(err, ErrIllegalTransition))
	}
}

func TestStateHelpers(t *testing.T) {
	assert.True(t, Sent.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Pending.Terminal())
	assert.False(t, Queued.Terminal())

	assert.True(t, Queued.Valid())
	assert.False(t, State("").Valid())
}

func TestScheduledMessage_Validate(t *testing.T) {
	base := ScheduledMessage{
		ID:         "id-1",
		SenderID:   "u1",
		ReceiverID: "u2",
		Content:    "hello",
		SendAt:     time.Now().Add(time.Hour),
		State:      Pending,
	}
	require.NoError(t, base.Validate())

	same := base
	same.ReceiverID = "u1"
	assert.Error(t, same.Validate(), "sender must differ from receiver")

	long := base
	long.Content = strings.Repeat("a", MaxContentLength+1)
	assert.Error(t, long.Validate())

	exact := base
	exact.Content = strings.Repeat("é", MaxContentLength)
	assert.NoError(t, exact.Validate(), "limit counts characters, not bytes")

	noTime := base
	noTime.SendAt = time.Time{}
	assert.Error(t, noTime.Validate())
}

func TestPayloadFromRecord(t *testing.T) {
	m := ScheduledMessage{
		ID:           "id-1",
		SenderID:     "u1",
		ReceiverID:   "u2",
		SenderName:   "Ann",
		ReceiverName: "Bob",
		Content:      "hi",
	}
	p := m.Payload()
	assert.Equal(t, Payload{
		ScheduledMessageID:  "id-1",
		SenderID:            "u1",
		ReceiverID:          "u2",
		Content:             "hi",
		SenderDisplayName:   "Ann",
		ReceiverDisplayName: "Bob",
	}, p)
	assert.NoError(t, p.Validate())

	assert.Error(t, Payload{SenderID: "u1", ReceiverID: "u2", Content: "x"}.Validate())
}

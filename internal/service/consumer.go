// Package service turns queued delivery payloads into conversation messages.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeventeLantos/paired-messaging/internal/cache"
	"github.com/LeventeLantos/paired-messaging/internal/chat"
	"github.com/LeventeLantos/paired-messaging/internal/model"
	"github.com/LeventeLantos/paired-messaging/internal/presence"
	"github.com/LeventeLantos/paired-messaging/internal/queue"
	"github.com/LeventeLantos/paired-messaging/internal/repo"
)

type Stats struct {
	Delivered  int64 `json:"delivered"`
	Duplicates int64 `json:"duplicates"`
	Retried    int64 `json:"retried"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

type Options struct {
	MaxRetries int
	// WarnAfter logs a warning for a delivery still running after this long.
	WarnAfter time.Duration
}

// Consumer handles one queue message per call. The scheduling record's state
// decides whether work is still needed, so redeliveries are acknowledged
// without creating a second chat message.
type Consumer struct {
	store repo.ScheduledRepository
	dir   chat.Directory
	gw    presence.Gateway
	cache cache.DeliveredCache
	opts  Options
	log   *zap.Logger
	now   func() time.Time

	delivered  atomic.Int64
	duplicates atomic.Int64
	retried    atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
}

// NewConsumer builds a Consumer. gw and dc may be nil.
func NewConsumer(store repo.ScheduledRepository, dir chat.Directory, gw presence.Gateway, dc cache.DeliveredCache, opts Options, log *zap.Logger) *Consumer {
	if gw == nil {
		gw = presence.Noop{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		store: store,
		dir:   dir,
		gw:    gw,
		cache: dc,
		opts:  opts,
		log:   log.With(zap.String("component", "consumer")),
		now:   time.Now,
	}
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Delivered:  c.delivered.Load(),
		Duplicates: c.duplicates.Load(),
		Retried:    c.retried.Load(),
		Failed:     c.failed.Load(),
		Dropped:    c.dropped.Load(),
	}
}

// Handle is the queue.Handler. It times the delivery and recovers panics.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) (res queue.Result) {
	log := c.log.With(zap.String("queue_id", msg.ID), zap.Int("delivery", msg.Delivery))
	start := time.Now()

	warn := time.AfterFunc(c.opts.WarnAfter, func() {
		log.Warn("delivery handler still running", zap.Duration("elapsed", time.Since(start)))
	})
	defer warn.Stop()

	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery handler panic", zap.Any("panic", r))
			c.retried.Add(1)
			res = queue.NackRetry
		}
		log.Debug("delivery handled",
			zap.Stringer("result", res),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	return c.handle(ctx, msg, log)
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message, log *zap.Logger) queue.Result {
	var p model.Payload
	if err := json.Unmarshal(msg.Body, &p); err != nil {
		log.Warn("dropping undecodable payload", zap.Error(err))
		c.dropped.Add(1)
		return queue.NackDrop
	}
	if err := p.Validate(); err != nil {
		log.Warn("dropping invalid payload", zap.Error(err))
		c.dropped.Add(1)
		return queue.NackDrop
	}
	log = log.With(zap.String("scheduled_id", p.ScheduledMessageID))

	if c.cache != nil {
		hit, err := c.cache.Delivered(ctx, p.ScheduledMessageID)
		if err != nil {
			log.Debug("delivered cache lookup failed", zap.Error(err))
		} else if hit {
			c.duplicates.Add(1)
			return queue.Ack
		}
	}

	rec, err := c.store.Get(ctx, p.ScheduledMessageID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("dropping payload for unknown record")
		c.dropped.Add(1)
		return queue.NackDrop
	}
	if err != nil {
		log.Warn("loading record failed", zap.Error(err))
		c.retried.Add(1)
		return queue.NackRetry
	}

	switch rec.State {
	case model.Sent, model.Failed:
		c.duplicates.Add(1)
		return queue.Ack
	case model.Pending:
		// Publish was compensated; the scanner publishes it again.
		c.duplicates.Add(1)
		return queue.Ack
	}

	messageID, err := c.deliver(ctx, p)
	if err != nil {
		return c.fail(ctx, p.ScheduledMessageID, err, log)
	}

	now := c.now().UTC()
	ok, err := c.store.MarkSent(ctx, p.ScheduledMessageID, messageID, now)
	if err != nil {
		// The message exists; a redelivery finds it by source id and retries the write.
		log.Warn("mark sent failed", zap.String("message_id", messageID), zap.Error(err))
		c.retried.Add(1)
		return queue.NackRetry
	}
	if !ok {
		c.duplicates.Add(1)
		return queue.Ack
	}

	if c.cache != nil {
		if err := c.cache.MarkDelivered(ctx, p.ScheduledMessageID, messageID, now); err != nil {
			log.Debug("delivered cache write failed", zap.Error(err))
		}
	}

	c.delivered.Add(1)
	log.Info("scheduled message delivered", zap.String("message_id", messageID))
	return queue.Ack
}

type newMessageEvent struct {
	ConversationID     string    `json:"conversationId"`
	MessageID          string    `json:"messageId"`
	ScheduledMessageID string    `json:"scheduledMessageId"`
	SenderID           string    `json:"senderId"`
	SenderDisplayName  string    `json:"senderDisplayName"`
	Content            string    `json:"content"`
	SentAt             time.Time `json:"sentAt"`
}

// deliver materializes the chat message and returns its id. Every step is
// idempotent, so a redelivery after a partial run converges on the same message.
func (c *Consumer) deliver(ctx context.Context, p model.Payload) (string, error) {
	conv, err := c.dir.ResolveOrCreate(ctx, p.SenderID, p.ReceiverID)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}

	source := p.ScheduledMessageID
	msg, err := c.dir.SaveMessage(ctx, model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		Kind:           model.KindSynthetic,
		SourceID:       &source,
		CreatedAt:      c.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}

	if err := c.dir.RecordActivity(ctx, conv.ID, *msg); err != nil {
		return "", fmt.Errorf("record activity: %w", err)
	}

	if err := c.gw.Notify(ctx, p.ReceiverID, presence.EventMessageNew, newMessageEvent{
		ConversationID:     conv.ID,
		MessageID:          msg.ID,
		ScheduledMessageID: p.ScheduledMessageID,
		SenderID:           p.SenderID,
		SenderDisplayName:  p.SenderDisplayName,
		Content:            msg.Content,
		SentAt:             msg.CreatedAt,
	}); err != nil {
		c.log.Warn("presence notify failed",
			zap.String("receiver_id", p.ReceiverID),
			zap.Error(err),
		)
	}

	return msg.ID, nil
}

func (c *Consumer) fail(ctx context.Context, id string, cause error, log *zap.Logger) queue.Result {
	state, ok, err := c.store.RecordFailure(context.WithoutCancel(ctx), id, cause.Error(), c.opts.MaxRetries, c.now().UTC())
	if err != nil {
		log.Error("recording delivery failure failed", zap.NamedError("cause", cause), zap.Error(err))
		c.retried.Add(1)
		return queue.NackRetry
	}
	if !ok {
		c.duplicates.Add(1)
		return queue.Ack
	}
	if state == model.Failed {
		log.Error("delivery failed permanently", zap.Error(cause))
		c.failed.Add(1)
		return queue.NackDrop
	}
	log.Warn("delivery failed, will retry", zap.Error(cause))
	c.retried.Add(1)
	return queue.NackRetry
}

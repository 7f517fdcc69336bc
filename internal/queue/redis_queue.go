package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// settle removes one processing item and, when it was still there, routes it:
// "none" drops it, "list" pushes to a list, "zset" schedules it, "dead"
// pushes to the capped dead list. A zero return means another worker or the
// maintenance pass already moved it.
var settleScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
local mode = ARGV[3]
if mode == 'list' then
  redis.call('LPUSH', KEYS[3], ARGV[4])
elseif mode == 'zset' then
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
elseif mode == 'dead' then
  redis.call('LPUSH', KEYS[3], ARGV[4])
  redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[5]) - 1)
end
return 1
`)

var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

type Options struct {
	Name string
	// TTL is measured from the first enqueue.
	TTL           time.Duration
	MaxDeliveries int
	// Visibility is how long a claimed message may stay unacknowledged
	// before maintenance hands it out again.
	Visibility    time.Duration
	RetryDelay    time.Duration
	BlockTimeout  time.Duration
	DeadLetterCap int64
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "queue"
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = time.Second
	}
	if o.DeadLetterCap <= 0 {
		o.DeadLetterCap = 10000
	}
	return o
}

type RedisQueue struct {
	rdb  *redis.Client
	opts Options
	log  *zap.Logger
	now  func() time.Time

	ready, processing, claimed, delayed, dead string
}

func NewRedisQueue(rdb *redis.Client, opts Options, log *zap.Logger) *RedisQueue {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{
		rdb:        rdb,
		opts:       opts,
		log:        log.With(zap.String("queue", opts.Name)),
		now:        time.Now,
		ready:      opts.Name + ":ready",
		processing: opts.Name + ":processing",
		claimed:    opts.Name + ":claimed",
		delayed:    opts.Name + ":delayed",
		dead:       opts.Name + ":dead",
	}
}

// Publish enqueues body and returns the message id once Redis accepted it.
func (q *RedisQueue) Publish(ctx context.Context, body []byte) (string, error) {
	if !json.Valid(body) {
		return "", fmt.Errorf("publish: %w: body is not JSON", ErrMalformed)
	}
	env := envelope{
		ID:         uuid.NewString(),
		Body:       body,
		EnqueuedAt: q.now().UTC(),
	}
	raw, err := env.encode()
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.ready, raw).Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return env.ID, nil
}

// Consume delivers messages to h one at a time until ctx is done. Redis
// errors are logged and retried; they never end the loop.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := q.rdb.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.opts.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Warn("queue claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		q.deliver(ctx, raw, h)
	}
}

// ConsumeOne delivers at most one ready message without blocking. It reports
// whether a message was claimed.
func (q *RedisQueue) ConsumeOne(ctx context.Context, h Handler) (bool, error) {
	raw, err := q.rdb.LMove(ctx, q.ready, q.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.deliver(ctx, raw, h)
	return true, nil
}

func (q *RedisQueue) deliver(ctx context.Context, raw string, h Handler) {
	now := q.now().UTC()

	env, err := decodeEnvelope(raw)
	if err != nil {
		q.log.Warn("dead-lettering malformed queue item", zap.Error(err))
		q.settleDead(ctx, raw, "", DeadLetter{Raw: raw, Reason: "malformed"})
		return
	}

	if err := q.rdb.HSet(ctx, q.claimed, env.ID, now.UnixMilli()).Err(); err != nil {
		// Maintenance records the claim on its next pass.
		q.log.Warn("recording claim failed", zap.String("message_id", env.ID), zap.Error(err))
	}

	if now.Sub(env.EnqueuedAt) > q.opts.TTL {
		q.log.Info("dead-lettering expired message",
			zap.String("message_id", env.ID),
			zap.Time("enqueued_at", env.EnqueuedAt),
		)
		q.settleDead(ctx, raw, env.ID, deadFrom(env, "expired"))
		return
	}

	msg := Message{
		ID:         env.ID,
		Body:       env.Body,
		EnqueuedAt: env.EnqueuedAt,
		Delivery:   env.Deliveries + 1,
	}
	res := h(ctx, msg)

	// Settling must survive a shutdown that cancelled the handler context.
	sctx := context.WithoutCancel(ctx)
	switch res {
	case Ack:
		q.settle(sctx, raw, env.ID, "none", "", 0)
	case NackRetry:
		q.retry(sctx, raw, env)
	default:
		q.settleDead(sctx, raw, env.ID, deadFrom(env, "dropped"))
	}
}

func (q *RedisQueue) retry(ctx context.Context, raw string, env envelope) {
	env.Deliveries++
	if env.Deliveries >= q.opts.MaxDeliveries {
		q.log.Warn("dead-lettering message after max deliveries",
			zap.String("message_id", env.ID),
			zap.Int("deliveries", env.Deliveries),
		)
		q.settleDead(ctx, raw, env.ID, deadFrom(env, "max_deliveries"))
		return
	}

	next, err := env.encode()
	if err != nil {
		q.log.Error("re-encoding message failed", zap.String("message_id", env.ID), zap.Error(err))
		return
	}

	if q.opts.RetryDelay == 0 {
		q.settle(ctx, raw, env.ID, "list", next, 0)
		return
	}
	due := q.now().Add(q.opts.RetryDelay).UnixMilli()
	q.settleTo(ctx, raw, env.ID, q.delayed, "zset", next, due)
}

func (q *RedisQueue) settleDead(ctx context.Context, raw, id string, dl DeadLetter) {
	dl.DeadAt = q.now().UTC()
	b, err := json.Marshal(dl)
	if err != nil {
		q.log.Error("encoding dead letter failed", zap.Error(err))
		return
	}
	q.settleTo(ctx, raw, id, q.dead, "dead", string(b), q.opts.DeadLetterCap)
}

func (q *RedisQueue) settle(ctx context.Context, raw, id, mode, next string, score int64) {
	q.settleTo(ctx, raw, id, q.ready, mode, next, score)
}

func (q *RedisQueue) settleTo(ctx context.Context, raw, id, target, mode, next string, score int64) bool {
	n, err := settleScript.Run(ctx, q.rdb,
		[]string{q.processing, q.claimed, target},
		raw, id, mode, next, score,
	).Int()
	if err != nil {
		q.log.Error("settling message failed",
			zap.String("message_id", id),
			zap.String("mode", mode),
			zap.Error(err),
		)
		return false
	}
	return n == 1
}

// Maintain promotes due delayed messages and hands out again messages whose
// claim is older than the visibility timeout.
func (q *RedisQueue) Maintain(ctx context.Context) (promoted, requeued int, err error) {
	now := q.now().UTC()

	due, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 500,
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read delayed: %w", err)
	}
	for _, raw := range due {
		n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.ready}, raw).Int()
		if err != nil {
			return promoted, 0, fmt.Errorf("promote delayed: %w", err)
		}
		promoted += n
	}

	items, err := q.rdb.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return promoted, 0, fmt.Errorf("read processing: %w", err)
	}
	if len(items) == 0 {
		return promoted, 0, nil
	}
	claims, err := q.rdb.HGetAll(ctx, q.claimed).Result()
	if err != nil {
		return promoted, 0, fmt.Errorf("read claims: %w", err)
	}

	for _, raw := range items {
		env, err := decodeEnvelope(raw)
		if err != nil {
			q.settleDead(ctx, raw, "", DeadLetter{Raw: raw, Reason: "malformed"})
			continue
		}

		at, ok := claims[env.ID]
		if !ok {
			// Claimed by a worker that died before recording the claim.
			if err := q.rdb.HSetNX(ctx, q.claimed, env.ID, now.UnixMilli()).Err(); err != nil {
				return promoted, requeued, fmt.Errorf("record claim: %w", err)
			}
			continue
		}
		ms, err := strconv.ParseInt(at, 10, 64)
		if err != nil || now.Sub(time.UnixMilli(ms)) <= q.opts.Visibility {
			continue
		}

		env.Deliveries++
		if env.Deliveries >= q.opts.MaxDeliveries {
			q.settleDead(ctx, raw, env.ID, deadFrom(env, "max_deliveries"))
			continue
		}
		next, err := env.encode()
		if err != nil {
			continue
		}
		if q.settleTo(ctx, raw, env.ID, q.ready, "list", next, 0) {
			requeued++
			q.log.Info("requeued unacknowledged message",
				zap.String("message_id", env.ID),
				zap.Int("deliveries", env.Deliveries),
			)
		}
	}
	return promoted, requeued, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var ready, processing, delayed, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.ready)
		processing = p.LLen(ctx, q.processing)
		delayed = p.ZCard(ctx, q.delayed)
		dead = p.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters returns up to limit of the most recent dead letters.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := q.rdb.LRange(ctx, q.dead, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(items))
	for _, raw := range items {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			dl = DeadLetter{Raw: raw, Reason: "unreadable"}
		}
		out = append(out, dl)
	}
	return out, nil
}

func deadFrom(env envelope, reason string) DeadLetter {
	return DeadLetter{
		ID:         env.ID,
		Body:       env.Body,
		Deliveries: env.Deliveries,
		Reason:     reason,
	}
}

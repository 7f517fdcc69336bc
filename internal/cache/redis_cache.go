package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type deliveredValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func deliveredKey(scheduledID string) string {
	return "delivered:" + scheduledID
}

func (c *RedisCache) MarkDelivered(ctx context.Context, scheduledID, messageID string, sentAt time.Time) error {
	val := deliveredValue{
		MessageID: messageID,
		SentAt:    sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, deliveredKey(scheduledID), b, c.ttl).Err()
}

func (c *RedisCache) Delivered(ctx context.Context, scheduledID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, deliveredKey(scheduledID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MemoryCache is a DeliveredCache without expiry.
type MemoryCache struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{seen: make(map[string]string)}
}

func (c *MemoryCache) MarkDelivered(_ context.Context, scheduledID, messageID string, _ time.Time) error {
	c.mu.Lock()
	c.seen[scheduledID] = messageID
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delivered(_ context.Context, scheduledID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[scheduledID]
	return ok, nil
}

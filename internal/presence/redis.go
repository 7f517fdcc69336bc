package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGateway publishes notifications on a per-user pub/sub channel that the
// session layer subscribes to.
type RedisGateway struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisGateway(rdb *redis.Client, prefix string) *RedisGateway {
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisGateway{rdb: rdb, prefix: prefix}
}

func (g *RedisGateway) Channel(userID string) string {
	return g.prefix + ":" + userID
}

func (g *RedisGateway) Notify(ctx context.Context, userID, event string, payload any) error {
	b, err := encode(userID, event, payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := g.rdb.Publish(ctx, g.Channel(userID), b).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

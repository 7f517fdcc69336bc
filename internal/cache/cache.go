package cache

import (
	"context"
	"time"
)

// DeliveredCache remembers scheduled messages that reached the sent state so
// redeliveries can be acknowledged without a store read.
type DeliveredCache interface {
	MarkDelivered(ctx context.Context, scheduledID, messageID string, sentAt time.Time) error
	Delivered(ctx context.Context, scheduledID string) (bool, error)
}

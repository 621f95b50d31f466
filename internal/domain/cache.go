package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest observed prices.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// StreamMessage represents a single entry read back from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventStream names the replay stream that mirrors a Pub/Sub channel.
// Publishers append every payload there so readers that were offline at
// publish time can still page through recent events.
func EventStream(channel string) string {
	return "events:" + channel
}

// SignalBus provides pub/sub fan-out plus a durable stream for events
// that must survive subscriber downtime.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Package bus fans swarm and bot events out over Redis so dashboards and
// other processes can follow the fleet without polling the HTTP API.
// Pub/Sub carries the ephemeral feeds; streams keep a trimmed durable
// mirror for consumers that join late.
package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Channel and stream names. Per-bot channels come from BotChannel.
const (
	SwarmChannel = "swarm.events"
	EventStream  = "swarm.stream"
	TurnStream   = "telemetry.turns"
	RollupStream = "telemetry.rollups"
)

// BotChannel returns the Pub/Sub channel carrying one bot's events.
func BotChannel(botID string) string {
	return "bot." + botID + ".events"
}

// streamMaxLen is the approximate maximum stream length, enforced via
// XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// Config holds connection parameters for the Redis client.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Bus wraps a go-redis client with the publish and stream helpers the
// manager uses. The zero value is not usable; call New.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis, pings it to verify connectivity, and returns the
// bus. It returns an error if the connection cannot be established.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bus: ping: %w", err)
	}

	return &Bus{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "bus")),
	}, nil
}

// Ping checks the Redis connection.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Publish sends a raw payload to a Pub/Sub channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription and returns a read-only channel
// of raw payloads. Glob-style channels (bot.*.events) become pattern
// subscriptions. The subscription closes with the context, closing the
// returned channel as well.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}

	// Receive the confirmation so a broken subscription fails here, not
	// silently on first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern reports whether the channel uses glob wildcards, requiring
// PSubscribe instead of Subscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend appends a payload to a stream using XADD with approximate
// MAXLEN trimming.
func (b *Bus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("bus: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamMessage is one entry read back from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// StreamRead reads up to count messages from a stream starting after
// lastID. Use "0" to read from the beginning or "$" for new messages
// only. No pending messages is an empty result, not an error.
func (b *Bus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
	}

	results, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: stream read %s: %w", stream, err)
	}

	var messages []StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}

			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}

			messages = append(messages, StreamMessage{
				ID:      msg.ID,
				Payload: data,
			})
		}
	}

	return messages, nil
}

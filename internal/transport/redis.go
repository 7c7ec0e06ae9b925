package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis configuration errors.
var (
	ErrEmptyAddr    = errors.New("redis address cannot be empty")
	ErrEmptyChannel = errors.New("redis channel cannot be empty")
)

// RedisConfig holds configuration for the Redis pub/sub transport.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password authenticates against the server. Optional.
	Password string

	// DB selects the logical database.
	DB int

	// Channel is the pub/sub channel all participants share. Frames
	// published here fan out to every subscriber, including the sender.
	Channel string
}

// Validate checks that the configuration is valid.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return ErrEmptyAddr
	}
	if c.Channel == "" {
		return ErrEmptyChannel
	}
	return nil
}

// RedisTransport fans broadcasts out over a shared Redis pub/sub
// channel. The go-redis client owns reconnection; the state hook fires
// on subscription establishment and loss.
type RedisTransport struct {
	config    RedisConfig
	client    *redis.Client
	handler   Handler
	stateHook StateHook
	logger    *slog.Logger
}

// NewRedisTransport creates a Redis pub/sub transport. The handler is
// called for each frame received on the channel; the state hook
// (optional) is called on connectivity transitions.
func NewRedisTransport(config RedisConfig, handler Handler, stateHook StateHook, logger *slog.Logger) (*RedisTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisTransport{
		config:    config,
		client:    client,
		handler:   handler,
		stateHook: stateHook,
		logger:    logger,
	}, nil
}

// Run subscribes to the shared channel and blocks until the context is
// cancelled, dispatching every received frame to the handler.
func (t *RedisTransport) Run(ctx context.Context) error {
	pubsub := t.client.Subscribe(ctx, t.config.Channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation before reporting up.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe failed: %w", err)
	}

	t.logger.Info("subscribed to presence channel",
		slog.String("addr", t.config.Addr),
		slog.String("channel", t.config.Channel))
	t.notifyState(true)
	defer t.notifyState(false)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("redis transport stopping due to context cancellation")
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			if t.handler != nil {
				t.handler([]byte(msg.Payload))
			}
		}
	}
}

// Send publishes one frame to the shared channel. The frame comes back
// through the local subscription too; the receiving side discards its
// own sender identity.
func (t *RedisTransport) Send(payload []byte) error {
	return t.client.Publish(context.Background(), t.config.Channel, payload).Err()
}

// Close releases the underlying client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// Client exposes the underlying Redis client for health checks.
func (t *RedisTransport) Client() *redis.Client {
	return t.client
}

func (t *RedisTransport) notifyState(connected bool) {
	if t.stateHook != nil {
		t.stateHook(connected)
	}
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Default values for WebSocket reconnection configuration.
const (
	DefaultBaseDelay        = 100 * time.Millisecond
	DefaultMaxDelay         = 30 * time.Second
	DefaultJitterFactor     = 0.5 // 50% jitter
	DefaultMaxRetryAttempts = 5   // Max retry attempts before alerting
)

// WebSocket configuration errors.
var (
	ErrEmptyURL        = errors.New("websocket URL cannot be empty")
	ErrInvalidDelay    = errors.New("base delay must be positive")
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	ErrInvalidJitter   = errors.New("jitter factor must be between 0 and 1")
)

// WebSocketConfig holds configuration for the WebSocket transport.
type WebSocketConfig struct {
	// URL is the relay WebSocket endpoint URL.
	URL string

	// BaseDelay is the initial delay before first reconnect attempt.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between reconnect attempts.
	MaxDelay time.Duration

	// JitterFactor is the fraction of delay to randomize (0.0 to 1.0).
	// A value of 0.5 means the actual delay will be in [delay*0.75, delay*1.25].
	JitterFactor float64

	// MaxRetryAttempts is the maximum number of consecutive reconnection
	// attempts before logging an alert. Set to 0 to disable the limit.
	MaxRetryAttempts int64
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible default
// values. The URL must be provided by the caller.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		JitterFactor:     DefaultJitterFactor,
		MaxRetryAttempts: DefaultMaxRetryAttempts,
	}
}

// Validate checks that the configuration is valid.
func (c WebSocketConfig) Validate() error {
	if c.URL == "" {
		return ErrEmptyURL
	}
	if c.BaseDelay <= 0 {
		return ErrInvalidDelay
	}
	if c.MaxDelay < c.BaseDelay {
		return ErrInvalidMaxDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// WebSocketTransport is a resilient WebSocket transport for presence
// broadcasts. It automatically reconnects with exponential backoff and
// jitter, and reports connectivity transitions through the state hook.
type WebSocketTransport struct {
	config    WebSocketConfig
	handler   Handler
	stateHook StateHook
	logger    *slog.Logger

	mu          sync.Mutex
	rng         *rand.Rand // protected by mu
	conn        *websocket.Conn
	isConnected bool

	// writeMu serializes writers; gorilla connections support at most
	// one concurrent writer.
	writeMu sync.Mutex

	// reconnectCount tracks consecutive reconnection attempts (atomic)
	reconnectCount int64
}

// NewWebSocketTransport creates a WebSocket transport with the given
// configuration. The handler is called for each incoming frame; the
// state hook (optional) is called on connectivity transitions.
func NewWebSocketTransport(config WebSocketConfig, handler Handler, stateHook StateHook, logger *slog.Logger) (*WebSocketTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		config:    config,
		handler:   handler,
		stateHook: stateHook,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run starts the transport and blocks until the context is cancelled.
// It will automatically reconnect with exponential backoff on connection
// failures.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("websocket transport stopping due to context cancellation")
			t.close()
			return ctx.Err()
		default:
		}

		if err := t.connect(ctx); err != nil {
			attempt := atomic.LoadInt64(&t.reconnectCount) + 1
			t.logger.Warn("relay connection failed",
				slog.String("error", err.Error()),
				slog.Int64("attempt", attempt))

			delay := t.computeBackoff()
			atomic.AddInt64(&t.reconnectCount, 1)

			if t.config.MaxRetryAttempts > 0 && attempt >= t.config.MaxRetryAttempts {
				t.logger.Error("relay unreachable after repeated attempts",
					slog.Int64("attempts", attempt))
			}

			t.logger.Info("scheduling reconnect",
				slog.Duration("delay", delay),
				slog.Int64("attempt", atomic.LoadInt64(&t.reconnectCount)))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		// Reset reconnect count on successful connection
		atomic.StoreInt64(&t.reconnectCount, 0)

		// Read frames until the connection closes
		t.readLoop(ctx)
	}
}

// connect establishes a WebSocket connection to the relay endpoint.
func (t *WebSocketTransport) connect(ctx context.Context) error {
	t.logger.Info("connecting to relay", slog.String("url", t.config.URL))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, t.config.URL, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.isConnected = true
	t.mu.Unlock()

	t.logger.Info("connected to relay")
	t.notifyState(true)
	return nil
}

// readLoop reads frames from the WebSocket connection until it closes.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Get connection under lock to prevent race with close()
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.logger.Warn("relay connection closed",
				slog.String("error", err.Error()))
			t.close()
			return
		}

		if t.handler != nil {
			t.handler(payload)
		}
	}
}

// Send writes one frame to the relay as a binary message.
func (t *WebSocketTransport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// close cleanly closes the WebSocket connection.
func (t *WebSocketTransport) close() {
	t.mu.Lock()
	wasConnected := t.isConnected
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.isConnected = false
	t.mu.Unlock()

	if wasConnected {
		t.notifyState(false)
	}
}

// computeBackoff calculates the next reconnection delay with exponential
// backoff and jitter.
func (t *WebSocketTransport) computeBackoff() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Exponential backoff: baseDelay * 2^attempts using bit shifting
	// Cap the shift at 30 to prevent overflow (2^30 = ~1 billion)
	reconnectCount := atomic.LoadInt64(&t.reconnectCount)
	shift := uint(reconnectCount)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(t.config.BaseDelay) * float64(uint64(1)<<shift)

	// Cap at max delay
	if backoff > float64(t.config.MaxDelay) {
		backoff = float64(t.config.MaxDelay)
	}

	// Apply jitter: delay * (1 - jitter/2 + rand*jitter)
	// This creates a range of [delay*(1-jitter/2), delay*(1+jitter/2)]
	if t.config.JitterFactor > 0 {
		jitter := (t.rng.Float64() - 0.5) * t.config.JitterFactor
		backoff = backoff * (1 + jitter)
	}

	return time.Duration(backoff)
}

// IsConnected returns whether the transport is currently connected.
func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isConnected
}

func (t *WebSocketTransport) notifyState(connected bool) {
	if t.stateHook != nil {
		t.stateHook(connected)
	}
}

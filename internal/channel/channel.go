// Package channel glues a presence manager to a transport: outgoing
// broadcasts flow through the transport's Send, incoming frames feed the
// manager, and transport connectivity drives the manager's lifecycle
// state.
package channel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nearcast/nearcast/internal/presence"
	"github.com/nearcast/nearcast/internal/transport"
)

// Channel binds one manager to one transport for the lifetime of Run.
type Channel struct {
	manager *presence.Manager
	logger  *slog.Logger
}

// New creates a channel around the given manager.
func New(manager *presence.Manager, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{manager: manager, logger: logger}
}

// Manager returns the underlying presence manager.
func (c *Channel) Manager() *presence.Manager {
	return c.manager
}

// HandleFrame ingests one raw frame from the transport. Pass it as the
// transport's Handler.
func (c *Channel) HandleFrame(payload []byte) {
	c.manager.HandleRaw(payload)
}

// HandleState maps transport connectivity onto the manager lifecycle.
// Pass it as the transport's StateHook.
func (c *Channel) HandleState(connected bool) {
	if connected {
		c.manager.MarkConnected()
		return
	}
	c.manager.MarkReconnecting()
}

// Run starts the manager against the transport's Send and blocks until
// the context is cancelled or the transport fails. The manager is
// stopped on the way out, emitting its best-effort leave broadcast.
func (c *Channel) Run(ctx context.Context, tr transport.Transport) error {
	if err := c.manager.Start(tr.Send); err != nil {
		return err
	}
	defer c.manager.Stop()

	err := tr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Package transport carries serialized presence broadcasts between
// participants. A transport is a dumb pipe: it never inspects frames and
// all trust decisions stay on the receiving side.
package transport

import (
	"context"
	"errors"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("transport is not connected")
)

// Handler receives one raw broadcast frame from the wire.
type Handler func(payload []byte)

// StateHook is notified when the transport's connectivity changes.
type StateHook func(connected bool)

// Transport delivers opaque broadcast frames. Send is safe for
// concurrent use; Run blocks until the context is cancelled and owns
// reconnection.
type Transport interface {
	Send(payload []byte) error
	Run(ctx context.Context) error
}

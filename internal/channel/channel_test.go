package channel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nearcast/nearcast/internal/presence"
	"github.com/nearcast/nearcast/internal/trust"
)

var testKey = []byte("channel-test-key")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopTransport is an in-process transport: frames sent on one end are
// recorded, and tests inject inbound frames through the handler the
// channel wired in.
type loopTransport struct {
	handler func(payload []byte)

	mu   sync.Mutex
	sent [][]byte
}

func (t *loopTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, payload)
	return nil
}

func (t *loopTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (t *loopTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func newTestManager(t *testing.T) *presence.Manager {
	t.Helper()
	m, err := presence.NewManager(presence.Config{
		Identity:   "did:key:self",
		SigningKey: testKey,
		Trust:      trust.NewInMemoryStore(),
		Logger:     newTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() unexpected error = %v", err)
	}
	return m
}

func TestChannel_RunStartsManagerAndStopsOnCancel(t *testing.T) {
	m := newTestManager(t)
	c := New(m, newTestLogger())
	tr := &loopTransport{handler: c.HandleFrame}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, tr) }()

	deadline := time.Now().Add(2 * time.Second)
	for tr.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("manager never sent its initial broadcast")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v on context cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if m.State() != presence.StateDisconnected {
		t.Errorf("manager state = %q after Run, want disconnected", m.State())
	}
}

func TestChannel_InboundFramesReachManager(t *testing.T) {
	m := newTestManager(t)
	c := New(m, newTestLogger())
	tr := &loopTransport{handler: c.HandleFrame}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, tr) }()

	deadline := time.Now().Add(2 * time.Second)
	for tr.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("manager never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A peer's status broadcast arriving over the wire.
	frame := encodeStatusFrame(t, "did:key:peer")
	tr.handler(frame)

	if _, ok := m.View("did:key:peer"); !ok {
		t.Error("inbound frame did not reach the manager")
	}
}

func encodeStatusFrame(t *testing.T, sender string) []byte {
	t.Helper()
	// Build the envelope the same way a remote engine would.
	peer, err := presence.NewManager(presence.Config{
		Identity:   sender,
		SigningKey: testKey,
		Trust:      trust.NewInMemoryStore(),
		Logger:     newTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() unexpected error = %v", err)
	}
	var frame []byte
	if err := peer.Start(func(payload []byte) error {
		if frame == nil {
			frame = payload
		}
		return nil
	}); err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}
	peer.Stop()
	if frame == nil {
		t.Fatal("remote engine produced no frame")
	}
	return frame
}

func TestChannel_HandleStateDrivesLifecycle(t *testing.T) {
	m := newTestManager(t)
	c := New(m, newTestLogger())
	tr := &loopTransport{handler: c.HandleFrame}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, tr) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != presence.StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("manager never reached connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.HandleState(false)
	if m.State() != presence.StateReconnecting {
		t.Errorf("state = %q after transport loss, want reconnecting", m.State())
	}
	c.HandleState(true)
	if m.State() != presence.StateConnected {
		t.Errorf("state = %q after transport recovery, want connected", m.State())
	}
}

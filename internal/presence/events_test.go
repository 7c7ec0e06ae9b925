package presence

import (
	"testing"
	"time"
)

func TestEmitter_SubscribeAndEmit(t *testing.T) {
	e := NewEmitter(newTestLogger(), nil)

	var received []Event
	unsubscribe := e.Subscribe(func(ev Event) {
		received = append(received, ev)
	})

	e.Emit(Event{Kind: EventUserJoined, Peer: "alice", Timestamp: time.Now()})
	if len(received) != 1 || received[0].Kind != EventUserJoined {
		t.Fatalf("listener received %v, want one user:joined event", received)
	}

	unsubscribe()
	e.Emit(Event{Kind: EventUserLeft, Peer: "alice", Timestamp: time.Now()})
	if len(received) != 1 {
		t.Errorf("listener received %d events after unsubscribe, want 1", len(received))
	}
}

func TestEmitter_UnsubscribeTwice(t *testing.T) {
	e := NewEmitter(newTestLogger(), nil)
	unsubscribe := e.Subscribe(func(Event) {})
	unsubscribe()
	unsubscribe() // must not panic
	if e.Len() != 0 {
		t.Errorf("Len() = %d, want 0", e.Len())
	}
}

type countingMetrics struct {
	listenerErrors int
}

func (c *countingMetrics) IncListenerErrors() { c.listenerErrors++ }

func TestEmitter_PanickingListenerIsolated(t *testing.T) {
	metrics := &countingMetrics{}
	e := NewEmitter(newTestLogger(), metrics)

	var delivered int
	e.Subscribe(func(Event) { panic("bad subscriber") })
	e.Subscribe(func(Event) { delivered++ })

	e.Emit(Event{Kind: EventStatusChanged, Peer: "alice", Timestamp: time.Now()})

	if delivered != 1 {
		t.Errorf("healthy listener received %d events, want 1", delivered)
	}
	if metrics.listenerErrors != 1 {
		t.Errorf("listener errors counted = %d, want 1", metrics.listenerErrors)
	}
}

func TestEmitter_MultipleListeners(t *testing.T) {
	e := NewEmitter(newTestLogger(), nil)

	counts := make([]int, 3)
	for i := range counts {
		i := i
		e.Subscribe(func(Event) { counts[i]++ })
	}

	e.Emit(Event{Kind: EventLocationUpdated, Peer: "alice", Timestamp: time.Now()})
	for i, c := range counts {
		if c != 1 {
			t.Errorf("listener %d received %d events, want 1", i, c)
		}
	}
}

package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind names the typed events the engine emits.
type EventKind string

// Event kinds.
const (
	EventUserJoined        EventKind = "user:joined"
	EventUserLeft          EventKind = "user:left"
	EventLocationUpdated   EventKind = "location:updated"
	EventStatusChanged     EventKind = "status:changed"
	EventProximityDetected EventKind = "proximity:detected"
	EventError             EventKind = "error"
)

// Event is delivered to every subscribed listener. View is a snapshot
// and safe to retain.
type Event struct {
	Kind      EventKind
	Peer      string
	View      *View
	Proximity *ProximityInfo
	Err       error
	Timestamp time.Time
}

// Listener receives engine events. A listener that panics is isolated:
// its panic is caught and logged at the emission site and never reaches
// other listeners or the emitting flow.
type Listener func(Event)

// listenerErrorCounter lets the emitter report caught listener panics
// without depending on the full metrics type.
type listenerErrorCounter interface {
	IncListenerErrors()
}

// Emitter is a subscriber list with unsubscribe tokens.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[uuid.UUID]Listener
	logger    *slog.Logger
	metrics   listenerErrorCounter
}

// NewEmitter creates an empty emitter. metrics may be nil.
func NewEmitter(logger *slog.Logger, metrics listenerErrorCounter) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		listeners: make(map[uuid.UUID]Listener),
		logger:    logger,
		metrics:   metrics,
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (e *Emitter) Subscribe(l Listener) func() {
	id := uuid.New()

	e.mu.Lock()
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit delivers the event to every listener. Each listener runs under
// its own recover so one faulty subscriber cannot break delivery to the
// others.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.RUnlock()

	for _, l := range listeners {
		e.deliver(l, ev)
	}
}

// deliver invokes one listener with panic isolation.
func (e *Emitter) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("presence listener panicked",
				slog.String("event", string(ev.Kind)),
				slog.Any("panic", r))
			if e.metrics != nil {
				e.metrics.IncListenerErrors()
			}
		}
	}()
	l(ev)
}

// Len returns the number of subscribed listeners.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

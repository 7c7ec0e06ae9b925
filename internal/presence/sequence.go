package presence

import (
	"log/slog"
	"sync"
)

// SequenceTracker records the highest sequence number applied per sender
// and rejects anything not strictly greater. Entries survive a peer's
// leave so stale pre-leave broadcasts arriving out of order are still
// rejected deterministically.
type SequenceTracker struct {
	mu     sync.Mutex
	last   map[string]int64
	logger *slog.Logger
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker(logger *slog.Logger) *SequenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequenceTracker{
		last:   make(map[string]int64),
		logger: logger,
	}
}

// Valid reports whether seq is strictly greater than the last committed
// sequence for sender. The first broadcast from a sender is always
// valid. Valid never records anything: a broadcast that later fails to
// decode must not consume its sequence number.
func (t *SequenceTracker) Valid(sender string, seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.last[sender]
	if seen && seq <= last {
		t.logger.Debug("rejected stale sequence",
			slog.String("sender", sender),
			slog.Int64("sequence", seq),
			slog.Int64("last", last))
		return false
	}
	return true
}

// Commit records seq as the last applied sequence for sender. Callers
// commit only after the broadcast carrying seq was fully applied.
func (t *SequenceTracker) Commit(sender string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[sender] = seq
}

// Last returns the last committed sequence for a sender, or 0 if none.
func (t *SequenceTracker) Last(sender string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[sender]
}

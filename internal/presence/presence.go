package presence

import (
	"time"

	"github.com/nearcast/nearcast/internal/commit"
)

// Status is a peer's coarse availability.
type Status string

// Statuses.
const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// UserPresence is the manager-owned mutable record for one peer. It is
// created on first broadcast, updated on each subsequent broadcast, and
// removed on leave or TTL expiry. External callers only ever see copies.
type UserPresence struct {
	Identity      string
	DisplayName   string
	Color         string
	Location      *ReceivedLocation
	Status        Status
	StatusMessage string
	LastSeen      time.Time
	IsMoving      bool
	DeviceType    string
}

// ReceivedLocation is the location material retained for a peer: the
// per-tier precision fan-out and commitment from their last location
// broadcast. Raw coordinates are never stored for a peer; views decode
// geohash cells on demand.
type ReceivedLocation struct {
	Levels        []PrecisionLevel
	Commitment    commit.Commitment
	ReceivedAt    time.Time
	BroadcastTime time.Time
	IsMoving      bool
	Heading       *float64
	SpeedCategory string

	// Verified records whether the commitment token checked out against
	// the sender identity at ingestion time.
	Verified bool
}

package presence

import (
	"time"

	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/policy"
	"github.com/nearcast/nearcast/internal/trust"
)

// View is the precision-bounded projection of one peer, derived from the
// peer's UserPresence and the locally held trust tier. It is never
// persisted and is recomputed whenever either input changes.
type View struct {
	Peer          string
	DisplayName   string
	Color         string
	Location      *ViewableLocation
	Status        Status
	StatusMessage string
	LastSeen      time.Time
	Tier          trust.Tier
	IsVerified    bool
	Proximity     ProximityInfo
}

// ViewableLocation is the location a viewer at a given tier is entitled
// to see: a geohash cell, its decoded center and bounds, and an
// uncertainty radius that is a function of precision only. No real
// accuracy figure ever feeds it.
type ViewableLocation struct {
	Geohash                 string
	Precision               uint8
	Center                  geo.Point
	Bounds                  geo.Bounds
	UncertaintyRadiusMeters float64
	AgeSeconds              float64
	IsMoving                bool
	Heading                 *float64
	SpeedCategory           string
}

// projectView derives the view of a peer for the given tier. It is a
// pure function of (UserPresence, tier, selfFix, now); the manager calls
// it after every ingestion and after every local trust change.
//
// The resulting precision never exceeds the precision the local policy
// dictates for the tier, regardless of what the sender broadcast.
func projectView(p *UserPresence, tier trust.Tier, selfFix *Fix, now time.Time) *View {
	view := &View{
		Peer:          p.Identity,
		DisplayName:   p.DisplayName,
		Color:         p.Color,
		Status:        p.Status,
		StatusMessage: p.StatusMessage,
		LastSeen:      p.LastSeen,
		Tier:          tier,
		Proximity:     ProximityInfo{Category: ProximityFar, Verified: false},
	}

	if p.Location != nil {
		view.IsVerified = p.Location.Verified
		view.Location = viewableLocation(p.Location, tier, now)
	}

	view.Proximity = computeProximity(selfFix, view.Location)
	return view
}

// viewableLocation selects and bounds the precision level for a tier.
// Returns nil when the broadcast carried no entry for the tier or the
// entry does not decode, which degrades to "no location shared".
func viewableLocation(loc *ReceivedLocation, tier trust.Tier, now time.Time) *ViewableLocation {
	payload := LocationPayload{Levels: loc.Levels}
	level, ok := payload.LevelFor(tier)
	if !ok {
		return nil
	}

	// Bound by the local policy: the sender cannot grant more precision
	// than the locally configured tier allows.
	precision := policy.PrecisionFor(tier)
	if level.Precision < precision {
		precision = level.Precision
	}

	hash := geo.RoundGeohash(level.Geohash, int(precision))
	if hash == "" {
		return nil
	}
	if len(hash) < int(precision) {
		// The broadcast carried fewer characters than the tier allows;
		// report the cell actually disclosed.
		precision = uint8(len(hash))
	}

	bounds, err := geo.BoundsOf(hash)
	if err != nil {
		return nil
	}

	return &ViewableLocation{
		Geohash:                 hash,
		Precision:               precision,
		Center:                  bounds.Center(),
		Bounds:                  bounds,
		UncertaintyRadiusMeters: policy.RadiusFor(precision),
		AgeSeconds:              now.Sub(loc.BroadcastTime).Seconds(),
		IsMoving:                loc.IsMoving,
		Heading:                 loc.Heading,
		SpeedCategory:           loc.SpeedCategory,
	}
}

// clone returns a deep copy safe to hand to external callers.
func (v *View) clone() View {
	out := *v
	if v.Location != nil {
		loc := *v.Location
		if v.Location.Heading != nil {
			h := *v.Location.Heading
			loc.Heading = &h
		}
		out.Location = &loc
	}
	return out
}

package presence

import "github.com/nearcast/nearcast/internal/geo"

// ProximityCategory is a coarse distance bucket derived from decoded
// geohash cell centers, never from raw coordinates.
type ProximityCategory string

// Proximity categories in increasing distance order.
const (
	ProximityHere     ProximityCategory = "here"      // < 50 m
	ProximityNearby   ProximityCategory = "nearby"    // < 500 m
	ProximitySameArea ProximityCategory = "same-area" // < 5 km
	ProximitySameCity ProximityCategory = "same-city" // < 50 km
	ProximityFar      ProximityCategory = "far"
)

// Category boundaries in meters. A distance equal to a boundary falls
// into the next category out.
const (
	hereBoundaryMeters     = 50.0
	nearbyBoundaryMeters   = 500.0
	sameAreaBoundaryMeters = 5000.0
	sameCityBoundaryMeters = 50000.0
)

// ProximityInfo is the computed spatial relationship between the local
// user and a peer. Without a local fix there is no reference point, so
// proximity is far and unverified by definition.
type ProximityInfo struct {
	Category ProximityCategory `json:"category"`

	// MutuallyVisible is true when the cell-center distance is inside
	// twice the peer's uncertainty radius, making visibility itself a
	// function of disclosed precision rather than raw distance.
	MutuallyVisible bool `json:"mutually_visible"`

	// Verified is false when the category was defaulted for lack of a
	// local fix.
	Verified bool `json:"verified"`
}

// categorize buckets a distance in meters.
func categorize(distanceMeters float64) ProximityCategory {
	switch {
	case distanceMeters < hereBoundaryMeters:
		return ProximityHere
	case distanceMeters < nearbyBoundaryMeters:
		return ProximityNearby
	case distanceMeters < sameAreaBoundaryMeters:
		return ProximitySameArea
	case distanceMeters < sameCityBoundaryMeters:
		return ProximitySameCity
	default:
		return ProximityFar
	}
}

// computeProximity derives the proximity between the local fix and a
// peer's viewable location. A nil selfFix or peer location yields the
// unverified far default.
func computeProximity(selfFix *Fix, peerLoc *ViewableLocation) ProximityInfo {
	if selfFix == nil || peerLoc == nil {
		return ProximityInfo{Category: ProximityFar, Verified: false}
	}

	distance := geo.Distance(
		geo.Point{Lat: selfFix.Lat, Lng: selfFix.Lng},
		peerLoc.Center,
	)

	return ProximityInfo{
		Category:        categorize(distance),
		MutuallyVisible: distance < 2*peerLoc.UncertaintyRadiusMeters,
		Verified:        true,
	}
}

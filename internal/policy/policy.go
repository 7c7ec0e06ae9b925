// Package policy maps trust tiers to geohash precision and precision to
// display uncertainty. Both mappings are fixed lookup tables: the
// uncertainty radius is a function of precision alone, never of any real
// accuracy figure, so a viewer learns nothing beyond their tier's cell.
package policy

import "github.com/nearcast/nearcast/internal/trust"

// tierPrecision is the fixed tier to geohash character count table.
var tierPrecision = map[trust.Tier]uint8{
	trust.TierIntimate: 9,
	trust.TierClose:    7,
	trust.TierFriends:  5,
	trust.TierNetwork:  4,
	trust.TierPublic:   2,
}

// uncertaintyRadius is the display radius in meters for each geohash
// precision, indexed by precision minus one. Values approximate the
// half-diagonal of a geohash cell at that length.
var uncertaintyRadius = [12]float64{
	2500000, // 1: country scale
	630000,  // 2
	78000,   // 3
	20000,   // 4
	2400,    // 5
	610,     // 6
	76,      // 7
	19,      // 8
	2.4,     // 9
	0.6,     // 10
	0.074,   // 11
	0.019,   // 12: sub-meter
}

// PrecisionFor returns the geohash character precision a viewer at the
// given tier is entitled to. Unknown tiers resolve to the public
// precision, never a broader one.
func PrecisionFor(tier trust.Tier) uint8 {
	if p, ok := tierPrecision[tier]; ok {
		return p
	}
	return tierPrecision[trust.TierPublic]
}

// RadiusFor returns the uncertainty radius in meters for a geohash
// precision. Precision is clamped to [1, 12].
func RadiusFor(precision uint8) float64 {
	if precision < 1 {
		precision = 1
	}
	if precision > 12 {
		precision = 12
	}
	return uncertaintyRadius[precision-1]
}

// Package trust models per-relationship trust tiers and the local trust
// circle store. Tiers are ordered by disclosure strength and are the only
// input that controls how much location precision a viewer is granted.
package trust

import "errors"

// Tier is the relationship strength the local user assigns to a peer.
// Higher tiers disclose more location precision. The zero value is
// TierPublic, so an uninitialized tier always fails closed.
type Tier uint8

// Tiers in ascending disclosure order.
const (
	TierPublic Tier = iota
	TierNetwork
	TierFriends
	TierClose
	TierIntimate
)

// AllTiers lists every tier in ascending disclosure order. Broadcast
// construction fans one precision level out per entry.
var AllTiers = []Tier{TierPublic, TierNetwork, TierFriends, TierClose, TierIntimate}

// tierNames maps tiers to their wire representation.
var tierNames = map[Tier]string{
	TierPublic:   "public",
	TierNetwork:  "network",
	TierFriends:  "friends",
	TierClose:    "close",
	TierIntimate: "intimate",
}

// tierValues is the inverse of tierNames.
var tierValues = map[string]Tier{
	"public":   TierPublic,
	"network":  TierNetwork,
	"friends":  TierFriends,
	"close":    TierClose,
	"intimate": TierIntimate,
}

// ErrInvalidTier is returned when parsing an unrecognized tier name.
var ErrInvalidTier = errors.New("invalid trust tier: must be public, network, friends, close, or intimate")

// String returns the wire name of the tier. Unknown values render as "public".
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "public"
}

// Valid reports whether the tier is one of the five defined tiers.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ParseTier converts a wire name into a Tier.
// Returns ErrInvalidTier for unrecognized names.
func ParseTier(name string) (Tier, error) {
	if tier, ok := tierValues[name]; ok {
		return tier, nil
	}
	return TierPublic, ErrInvalidTier
}

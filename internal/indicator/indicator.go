// Package indicator flattens peer views into render-ready records for a
// map or roster UI. An indicator never carries more precision than the
// view it came from: the center and radius describe the disclosed cell,
// not the peer's position.
package indicator

import (
	"github.com/nearcast/nearcast/internal/presence"
)

// Indicator is one peer's marker. Lat/Lng is the center of the disclosed
// geohash cell and RadiusMeters the uncertainty to draw around it; both
// are zero when HasLocation is false.
type Indicator struct {
	Peer          string  `json:"peer"`
	DisplayName   string  `json:"display_name,omitempty"`
	Color         string  `json:"color,omitempty"`
	HasLocation   bool    `json:"has_location"`
	Lat           float64 `json:"lat,omitempty"`
	Lng           float64 `json:"lng,omitempty"`
	Geohash       string  `json:"geohash,omitempty"`
	Precision     uint8   `json:"precision,omitempty"`
	RadiusMeters  float64 `json:"radius_meters,omitempty"`
	AgeSeconds    float64 `json:"age_seconds,omitempty"`
	IsMoving      bool    `json:"is_moving,omitempty"`
	SpeedCategory string  `json:"speed_category,omitempty"`

	Status        presence.Status            `json:"status"`
	StatusMessage string                     `json:"status_message,omitempty"`
	Tier          string                     `json:"tier"`
	Verified      bool                       `json:"verified"`
	Proximity     presence.ProximityCategory `json:"proximity"`
	MutualRange   bool                       `json:"mutual_range"`
}

// FromView flattens one view.
func FromView(v presence.View) Indicator {
	ind := Indicator{
		Peer:          v.Peer,
		DisplayName:   v.DisplayName,
		Color:         v.Color,
		Status:        v.Status,
		StatusMessage: v.StatusMessage,
		Tier:          v.Tier.String(),
		Verified:      v.IsVerified,
		Proximity:     v.Proximity.Category,
		MutualRange:   v.Proximity.MutuallyVisible,
	}

	if v.Location != nil {
		ind.HasLocation = true
		ind.Lat = v.Location.Center.Lat
		ind.Lng = v.Location.Center.Lng
		ind.Geohash = v.Location.Geohash
		ind.Precision = v.Location.Precision
		ind.RadiusMeters = v.Location.UncertaintyRadiusMeters
		ind.AgeSeconds = v.Location.AgeSeconds
		ind.IsMoving = v.Location.IsMoving
		ind.SpeedCategory = v.Location.SpeedCategory
	}
	return ind
}

// FromViews flattens a view slice, preserving its order.
func FromViews(views []presence.View) []Indicator {
	out := make([]Indicator, 0, len(views))
	for _, v := range views {
		out = append(out, FromView(v))
	}
	return out
}

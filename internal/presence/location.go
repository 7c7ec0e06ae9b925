package presence

import "time"

// FixSource identifies how a location fix was produced.
type FixSource string

// Fix sources.
const (
	SourceGPS    FixSource = "gps"
	SourceManual FixSource = "manual"
)

// movingSpeedThreshold is the speed in m/s at or above which a fix is
// considered moving.
const movingSpeedThreshold = 0.5

// Fix is a raw location sample for the local user. It exists only
// locally and is never serialized at full precision to peers.
type Fix struct {
	Lat       float64
	Lng       float64
	Altitude  *float64
	Accuracy  *float64
	Heading   *float64
	Speed     *float64
	Source    FixSource
	Timestamp time.Time
	IsLive    bool
}

// Moving reports whether the fix's speed meets the moving threshold.
func (f *Fix) Moving() bool {
	return f.Speed != nil && *f.Speed >= movingSpeedThreshold
}

// speedCategory buckets the fix's speed for coarse disclosure.
// Exact speed never crosses the network.
func (f *Fix) speedCategory() string {
	if f.Speed == nil {
		return ""
	}
	switch s := *f.Speed; {
	case s < movingSpeedThreshold:
		return "stationary"
	case s < 2.5:
		return "walking"
	case s < 8:
		return "running"
	default:
		return "driving"
	}
}

// GeolocationSource is the platform location collaborator. Watch starts a
// continuous stream and returns a stop function; starting may fail if the
// platform denies permission, which is a reported, non-fatal error.
type GeolocationSource interface {
	// Watch subscribes to continuous fixes. onFix receives each sample;
	// onErr receives platform errors. The returned function cancels the
	// watch; after it returns no further callbacks fire.
	Watch(onFix func(Fix), onErr func(error)) (stop func(), err error)

	// Current requests a one-shot fix.
	Current(onFix func(Fix), onErr func(error))
}

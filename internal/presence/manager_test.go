package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nearcast/nearcast/internal/commit"
	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/trust"
)

var spaceKey = []byte("shared-space-key")

// fakeTransport records every frame handed to the manager's send func.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

// sent decodes all captured frames of the given type.
func (f *fakeTransport) sent(t *testing.T, typ BroadcastType) []*Broadcast {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Broadcast
	for _, frame := range f.frames {
		b, err := DecodeBroadcast(frame)
		if err != nil {
			t.Fatalf("captured frame failed to decode: %v", err)
		}
		if b.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

// fakeGeoSource is a controllable GeolocationSource. Callbacks are
// retained even after stop so tests can simulate late platform
// callbacks.
type fakeGeoSource struct {
	mu       sync.Mutex
	onFix    func(Fix)
	onErr    func(error)
	watchErr error
	stopped  bool
}

func (s *fakeGeoSource) Watch(onFix func(Fix), onErr func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchErr != nil {
		return nil, s.watchErr
	}
	s.onFix = onFix
	s.onErr = onErr
	return func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}, nil
}

func (s *fakeGeoSource) Current(onFix func(Fix), onErr func(error)) {}

func (s *fakeGeoSource) fire(fix Fix) {
	s.mu.Lock()
	onFix := s.onFix
	s.mu.Unlock()
	if onFix != nil {
		onFix(fix)
	}
}

// fakeClock is an adjustable clock for throttle and expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeTransport) {
	t.Helper()
	cfg := Config{
		Identity:    "did:key:self",
		DisplayName: "self",
		SigningKey:  spaceKey,
		Trust:       trust.NewInMemoryStore(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() unexpected error = %v", err)
	}

	transport := &fakeTransport{}
	if err := m.Start(transport.send); err != nil {
		t.Fatalf("Start() unexpected error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m, transport
}

// peerBroadcast builds a signed envelope as a peer would.
func peerBroadcast(t *testing.T, sender string, typ BroadcastType, payload any, seq int64, timestamp time.Time, ttlSeconds int) *Broadcast {
	t.Helper()
	raw, err := encodePayload(payload)
	if err != nil {
		t.Fatalf("encodePayload() unexpected error = %v", err)
	}
	signer := commit.NewHMACSigner(spaceKey)
	return &Broadcast{
		Sender:     sender,
		Type:       typ,
		Payload:    raw,
		Signature:  signer.Sign(raw),
		Timestamp:  timestamp.UnixMilli(),
		Sequence:   seq,
		TTLSeconds: ttlSeconds,
	}
}

// peerLocationPayload builds the five-tier fan-out a peer would emit for
// the given full-precision geohash.
func peerLocationPayload(t *testing.T, sender, fullGeohash string) LocationPayload {
	t.Helper()
	pt, err := geo.Decode(fullGeohash)
	if err != nil {
		t.Fatalf("Decode(%q) unexpected error = %v", fullGeohash, err)
	}
	// Encoding the decoded cell midpoint at equal precision lands back in
	// the same cell, so the commitment matches the fan-out prefixes.
	c, err := commit.Create(pt.Lat, pt.Lng, len(fullGeohash), sender, spaceKey)
	if err != nil {
		t.Fatalf("Create() unexpected error = %v", err)
	}

	return LocationPayload{
		Levels: []PrecisionLevel{
			{Tier: "public", Geohash: truncate(fullGeohash, 2), Precision: 2},
			{Tier: "network", Geohash: truncate(fullGeohash, 4), Precision: 4},
			{Tier: "friends", Geohash: truncate(fullGeohash, 5), Precision: 5},
			{Tier: "close", Geohash: truncate(fullGeohash, 7), Precision: 7},
			{Tier: "intimate", Geohash: truncate(fullGeohash, 9), Precision: 9},
		},
		Commitment:  c,
		DisplayName: "peer",
	}
}

func TestManager_StartEmitsImmediateBroadcast(t *testing.T) {
	m, transport := newTestManager(t, nil)

	if m.State() != StateConnected {
		t.Errorf("State() = %q, want connected", m.State())
	}
	if got := transport.sent(t, BroadcastStatus); len(got) != 1 {
		t.Errorf("sent %d status broadcasts on start, want 1", len(got))
	}
}

func TestManager_StopIsTerminal(t *testing.T) {
	m, transport := newTestManager(t, nil)

	m.Stop()
	if m.State() != StateDisconnected {
		t.Errorf("State() after Stop = %q, want disconnected", m.State())
	}
	if got := transport.sent(t, BroadcastLeave); len(got) != 1 {
		t.Errorf("sent %d leave broadcasts on stop, want 1", len(got))
	}

	if err := m.Start(transport.send); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrManagerStopped", err)
	}

	m.Stop() // idempotent
	if got := transport.sent(t, BroadcastLeave); len(got) != 1 {
		t.Errorf("second Stop sent another leave; got %d, want 1", len(got))
	}
}

func TestManager_IngestLocationCreatesView(t *testing.T) {
	m, _ := newTestManager(t, nil)

	var kinds []EventKind
	m.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	view, ok := m.View("did:key:p")
	if !ok {
		t.Fatal("View() not found after location broadcast")
	}
	if view.Location == nil {
		t.Fatal("view location is nil")
	}
	// Unknown peer fails closed to public precision.
	if view.Tier != trust.TierPublic {
		t.Errorf("Tier = %v, want public", view.Tier)
	}
	if view.Location.Geohash != "9q" || view.Location.Precision != 2 {
		t.Errorf("location = %q/%d, want 9q/2", view.Location.Geohash, view.Location.Precision)
	}
	if !view.IsVerified {
		t.Error("IsVerified = false for a valid commitment")
	}

	if len(kinds) != 2 || kinds[0] != EventUserJoined || kinds[1] != EventLocationUpdated {
		t.Errorf("events = %v, want [user:joined location:updated]", kinds)
	}
}

func TestManager_FriendsTierScenario(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if err := m.SetTrustLevel("did:key:p", trust.TierFriends); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	view, ok := m.View("did:key:p")
	if !ok || view.Location == nil {
		t.Fatal("view with location not found")
	}
	if view.Location.Geohash != "9q8yy" {
		t.Errorf("Geohash = %q, want %q", view.Location.Geohash, "9q8yy")
	}
	if view.Location.Precision != 5 {
		t.Errorf("Precision = %d, want 5", view.Location.Precision)
	}
}

func TestManager_TrustChangeReprojectsWithoutNewBroadcast(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	if view, _ := m.View("did:key:p"); view.Location.Precision != 2 {
		t.Fatalf("initial precision = %d, want 2 (public)", view.Location.Precision)
	}

	// No new broadcast: the stored fan-out re-projects locally.
	if err := m.SetTrustLevel("did:key:p", trust.TierClose); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}
	view, _ := m.View("did:key:p")
	if view.Location.Precision != 7 || view.Location.Geohash != "9q8yyk8" {
		t.Errorf("after trust change location = %q/%d, want 9q8yyk8/7",
			view.Location.Geohash, view.Location.Precision)
	}

	// Downgrade also applies immediately.
	if err := m.SetTrustLevel("did:key:p", trust.TierNetwork); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}
	view, _ = m.View("did:key:p")
	if view.Location.Precision != 4 || view.Location.Geohash != "9q8y" {
		t.Errorf("after downgrade location = %q/%d, want 9q8y/4",
			view.Location.Geohash, view.Location.Precision)
	}
}

func TestManager_TrustRemovalFailsClosed(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if err := m.SetTrustLevel("did:key:p", trust.TierIntimate); err != nil {
		t.Fatalf("SetTrustLevel() unexpected error = %v", err)
	}
	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	if err := m.RemoveTrustLevel("did:key:p"); err != nil {
		t.Fatalf("RemoveTrustLevel() unexpected error = %v", err)
	}

	view, _ := m.View("did:key:p")
	if view.Location.Precision != 2 {
		t.Errorf("precision after removal = %d, want 2 (public)", view.Location.Precision)
	}
}

func TestManager_TTLExpiry(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")

	// One second past its own TTL: rejected before any state mutation.
	expired := peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1,
		time.Now().Add(-61*time.Second), 60)
	m.HandleBroadcast(expired)
	if _, ok := m.View("did:key:p"); ok {
		t.Fatal("expired broadcast mutated state")
	}

	// One second inside its TTL: accepted.
	fresh := peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 2,
		time.Now().Add(-59*time.Second), 60)
	m.HandleBroadcast(fresh)
	if _, ok := m.View("did:key:p"); !ok {
		t.Fatal("in-TTL broadcast was not applied")
	}
}

func TestManager_ReplayIdempotent(t *testing.T) {
	m, _ := newTestManager(t, nil)

	var updates int
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventLocationUpdated {
			updates++
		}
	})

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	b := peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 5, time.Now(), 60)

	m.HandleBroadcast(b)
	first, _ := m.View("did:key:p")

	m.HandleBroadcast(b) // replay
	second, _ := m.View("did:key:p")

	if updates != 1 {
		t.Errorf("location:updated emitted %d times, want 1", updates)
	}
	if first.Location.Geohash != second.Location.Geohash ||
		first.Location.Precision != second.Location.Precision ||
		!first.LastSeen.Equal(second.LastSeen) {
		t.Error("replay changed derived state")
	}
}

func TestManager_SelfLoopRejected(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:self", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:self", BroadcastLocation, payload, 1, time.Now(), 60))

	if len(m.Views()) != 0 {
		t.Error("manager tracked its own broadcast")
	}
}

func TestManager_BadSignatureDropped(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	b := peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60)
	b.Signature = "forged"
	m.HandleBroadcast(b)

	if _, ok := m.View("did:key:p"); ok {
		t.Error("broadcast with bad signature was applied")
	}
}

func TestManager_MalformedRawDroppedSilently(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.HandleRaw([]byte("noise"))
	m.HandleRaw(nil)
	if len(m.Views()) != 0 {
		t.Error("malformed frames mutated state")
	}
}

func TestManager_LeaveRemovesPeerAndStaleLocationStaysOut(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	var left int
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventUserLeft {
			left++
		}
	})

	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLeave, LeavePayload{}, 3, time.Now(), 60))
	if _, ok := m.View("did:key:p"); ok {
		t.Fatal("peer still visible after leave")
	}
	if left != 1 {
		t.Errorf("user:left emitted %d times, want 1", left)
	}

	// A stale pre-leave location (lower sequence, still within TTL)
	// arriving out of order must not resurrect the peer.
	stale := peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 2, time.Now(), 60)
	m.HandleBroadcast(stale)
	if _, ok := m.View("did:key:p"); ok {
		t.Error("stale pre-leave broadcast resurrected the peer")
	}
}

func TestManager_StatusBroadcast(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := StatusPayload{
		Status:        StatusAway,
		StatusMessage: "afk",
		DisplayName:   "pat",
		DeviceType:    "mobile",
	}
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastStatus, payload, 1, time.Now(), 60))

	view, ok := m.View("did:key:p")
	if !ok {
		t.Fatal("view not found after status broadcast")
	}
	if view.Status != StatusAway || view.StatusMessage != "afk" {
		t.Errorf("status = %q/%q, want away/afk", view.Status, view.StatusMessage)
	}
	if view.DisplayName != "pat" {
		t.Errorf("DisplayName = %q, want pat", view.DisplayName)
	}
}

func TestManager_StatusWithoutSharingClearsLocation(t *testing.T) {
	m, _ := newTestManager(t, nil)

	loc := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, loc, 1, time.Now(), 60))

	status := StatusPayload{Status: StatusOnline, SharesLocation: false}
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastStatus, status, 2, time.Now(), 60))

	view, _ := m.View("did:key:p")
	if view.Location != nil {
		t.Error("location survived a not-sharing status; last known location must never show")
	}
}

func TestManager_ProximityOnlyForLocalTarget(t *testing.T) {
	m, _ := newTestManager(t, nil)

	loc := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, loc, 1, time.Now(), 60))

	var detected int
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventProximityDetected {
			detected++
		}
	})

	other := ProximityPayload{Target: "did:key:someone-else", Category: "here"}
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastProximity, other, 2, time.Now(), 60))
	if detected != 0 {
		t.Error("proximity naming another target was processed")
	}

	mine := ProximityPayload{Target: "did:key:self", Category: "nearby", MutuallyVisible: true}
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastProximity, mine, 3, time.Now(), 60))
	if detected != 1 {
		t.Errorf("proximity:detected emitted %d times, want 1", detected)
	}

	view, _ := m.View("did:key:p")
	if view.Proximity.Category != ProximityNearby || !view.Proximity.MutuallyVisible {
		t.Errorf("Proximity = %+v, want nearby and mutually visible", view.Proximity)
	}
}

func TestManager_SetLocationBroadcastsFanOut(t *testing.T) {
	m, transport := newTestManager(t, nil)

	if err := m.SetLocation(47.6062, -122.3321, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}

	sent := transport.sent(t, BroadcastLocation)
	if len(sent) != 1 {
		t.Fatalf("sent %d location broadcasts, want 1", len(sent))
	}

	var payload LocationPayload
	if err := decodePayload(sent[0], &payload); err != nil {
		t.Fatalf("decodePayload() unexpected error = %v", err)
	}
	if len(payload.Levels) != 5 {
		t.Fatalf("fan-out carries %d levels, want 5", len(payload.Levels))
	}

	wantPrecision := map[string]uint8{"public": 2, "network": 4, "friends": 5, "close": 7, "intimate": 9}
	full := payload.Commitment.Geohash
	if len(full) != geo.MaxPrecision {
		t.Errorf("commitment geohash length = %d, want %d", len(full), geo.MaxPrecision)
	}
	for _, level := range payload.Levels {
		want, ok := wantPrecision[level.Tier]
		if !ok {
			t.Errorf("unexpected tier %q in fan-out", level.Tier)
			continue
		}
		if level.Precision != want {
			t.Errorf("tier %s precision = %d, want %d", level.Tier, level.Precision, want)
		}
		if level.Geohash != full[:want] {
			t.Errorf("tier %s geohash = %q, want prefix %q", level.Tier, level.Geohash, full[:want])
		}
	}

	if self := m.Self(); self.Location == nil {
		t.Error("Self().Location is nil after SetLocation")
	}
}

func TestManager_LocationThrottle(t *testing.T) {
	clock := newFakeClock()
	m, transport := newTestManager(t, func(cfg *Config) {
		cfg.Clock = clock.Now
		cfg.LocationThrottle = time.Second
	})

	if err := m.SetLocation(47.60, -122.33, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}
	if err := m.SetLocation(47.61, -122.33, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}

	if got := transport.sent(t, BroadcastLocation); len(got) != 1 {
		t.Fatalf("sent %d location broadcasts inside throttle window, want 1", len(got))
	}
	// Self state still tracked the second sample.
	if self := m.Self(); self.Location == nil || self.Location.Lat != 47.61 {
		t.Error("throttled sample did not update self state")
	}

	clock.Advance(1100 * time.Millisecond)
	if err := m.SetLocation(47.62, -122.33, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}
	if got := transport.sent(t, BroadcastLocation); len(got) != 2 {
		t.Errorf("sent %d location broadcasts after window elapsed, want 2", len(got))
	}
}

func TestManager_ClearLocationForcesStatus(t *testing.T) {
	m, transport := newTestManager(t, nil)

	if err := m.SetLocation(47.6062, -122.3321, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}
	before := len(transport.sent(t, BroadcastStatus))

	m.ClearLocation()

	if self := m.Self(); self.Location != nil {
		t.Error("Self().Location survived ClearLocation")
	}
	after := transport.sent(t, BroadcastStatus)
	if len(after) != before+1 {
		t.Errorf("sent %d status broadcasts after clear, want %d", len(after), before+1)
	}
	var payload StatusPayload
	if err := decodePayload(after[len(after)-1], &payload); err != nil {
		t.Fatalf("decodePayload() unexpected error = %v", err)
	}
	if payload.SharesLocation {
		t.Error("status after clear still claims location sharing")
	}
}

func TestManager_StopSharingCancelsWatch(t *testing.T) {
	source := &fakeGeoSource{}
	m, transport := newTestManager(t, func(cfg *Config) {
		cfg.Geolocation = source
	})

	if err := m.StartSharing(); err != nil {
		t.Fatalf("StartSharing() unexpected error = %v", err)
	}
	source.fire(Fix{Lat: 47.6062, Lng: -122.3321, Timestamp: time.Now()})

	if got := transport.sent(t, BroadcastLocation); len(got) != 1 {
		t.Fatalf("sent %d location broadcasts after watch fix, want 1", len(got))
	}

	m.StopSharing()
	if !source.stopped {
		t.Error("StopSharing did not cancel the platform watch")
	}
	if self := m.Self(); self.Location != nil {
		t.Error("Self().Location survived StopSharing")
	}

	// A late platform callback after cancellation must be ignored.
	source.fire(Fix{Lat: 47.6063, Lng: -122.3321, Timestamp: time.Now()})
	if got := transport.sent(t, BroadcastLocation); len(got) != 1 {
		t.Errorf("late watch callback triggered a broadcast; sent %d, want 1", len(got))
	}
	if self := m.Self(); self.Location != nil {
		t.Error("late watch callback restored a location")
	}
}

func TestManager_WatchDenialIsReportedNotFatal(t *testing.T) {
	source := &fakeGeoSource{watchErr: ErrPermissionDenied}
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Geolocation = source
	})

	var errs []error
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventError {
			errs = append(errs, ev.Err)
		}
	})

	err := m.StartSharing()
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("StartSharing() error = %v, want ErrPermissionDenied", err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrPermissionDenied) {
		t.Errorf("error events = %v, want one permission error", errs)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %q after denial, want connected", m.State())
	}
	if m.Self().Sharing {
		t.Error("Sharing = true after denied watch")
	}
}

func TestManager_StartSharingWithoutSource(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if err := m.StartSharing(); !errors.Is(err, ErrNoGeolocation) {
		t.Errorf("StartSharing() error = %v, want ErrNoGeolocation", err)
	}
}

func TestManager_AnnounceProximity(t *testing.T) {
	m, transport := newTestManager(t, nil)

	if err := m.SetLocation(47.6062, -122.3321, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}
	// Peer in the same 8-char cell as the local fix.
	full := geo.Encode(47.6062, -122.3321, 9)
	loc := peerLocationPayload(t, "did:key:p", full)
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, loc, 1, time.Now(), 60))

	if err := m.AnnounceProximity("did:key:p"); err != nil {
		t.Fatalf("AnnounceProximity() unexpected error = %v", err)
	}

	sent := transport.sent(t, BroadcastProximity)
	if len(sent) != 1 {
		t.Fatalf("sent %d proximity broadcasts, want 1", len(sent))
	}
	var payload ProximityPayload
	if err := decodePayload(sent[0], &payload); err != nil {
		t.Fatalf("decodePayload() unexpected error = %v", err)
	}
	if payload.Target != "did:key:p" {
		t.Errorf("Target = %q, want did:key:p", payload.Target)
	}

	if err := m.AnnounceProximity("did:key:stranger"); err == nil {
		t.Error("AnnounceProximity() for unknown peer expected error")
	}
}

func TestManager_SweepMarksAwayThenRemoves(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Clock = clock.Now
		cfg.PresenceTTL = 60 * time.Second
	})

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, clock.Now(), 60))

	// Silent past the TTL: away.
	clock.Advance(61 * time.Second)
	m.mu.Lock()
	events := m.sweepPeersLocked()
	m.mu.Unlock()
	if len(events) != 1 || events[0].Kind != EventStatusChanged {
		t.Fatalf("sweep events = %v, want one status:changed", events)
	}
	if view, _ := m.View("did:key:p"); view.Status != StatusAway {
		t.Errorf("Status = %q after TTL, want away", view.Status)
	}

	// Silent past twice the TTL: removed.
	clock.Advance(61 * time.Second)
	m.mu.Lock()
	events = m.sweepPeersLocked()
	m.mu.Unlock()
	if len(events) != 1 || events[0].Kind != EventUserLeft {
		t.Fatalf("sweep events = %v, want one user:left", events)
	}
	if _, ok := m.View("did:key:p"); ok {
		t.Error("peer still tracked after expiry")
	}
}

func TestManager_ViewsSnapshotsAreCopies(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	views := m.Views()
	if len(views) != 1 {
		t.Fatalf("Views() len = %d, want 1", len(views))
	}
	views[0].DisplayName = "mutated"
	views[0].Location.Geohash = "zzzzz"

	fresh, _ := m.View("did:key:p")
	if fresh.DisplayName == "mutated" || fresh.Location.Geohash == "zzzzz" {
		t.Error("mutating a snapshot leaked into manager state")
	}
}

func TestManager_SequenceIncreasesPerBroadcast(t *testing.T) {
	m, transport := newTestManager(t, nil)

	if err := m.SetLocation(47.60, -122.33, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}
	m.Stop()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var last int64
	for i, frame := range transport.frames {
		b, err := DecodeBroadcast(frame)
		if err != nil {
			t.Fatalf("frame %d failed to decode: %v", i, err)
		}
		if b.Sequence <= last {
			t.Errorf("frame %d sequence %d not greater than %d", i, b.Sequence, last)
		}
		last = b.Sequence
	}
}

func TestManager_SetStatusBroadcastsMessage(t *testing.T) {
	m, transport := newTestManager(t, nil)

	if err := m.SetStatus("at the gallery til 9"); err != nil {
		t.Fatalf("SetStatus() unexpected error = %v", err)
	}
	if got := m.Self().StatusMessage; got != "at the gallery til 9" {
		t.Errorf("Self().StatusMessage = %q, want at the gallery til 9", got)
	}

	statuses := transport.sent(t, BroadcastStatus)
	if len(statuses) < 2 {
		t.Fatalf("sent %d status broadcasts, want at least 2 (start + SetStatus)", len(statuses))
	}
	var payload StatusPayload
	if err := decodePayload(statuses[len(statuses)-1], &payload); err != nil {
		t.Fatalf("decodePayload() unexpected error = %v", err)
	}
	if payload.StatusMessage != "at the gallery til 9" {
		t.Errorf("broadcast StatusMessage = %q, want at the gallery til 9", payload.StatusMessage)
	}

	m.Stop()
	if err := m.SetStatus("too late"); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("SetStatus() after Stop error = %v, want ErrManagerStopped", err)
	}
}

func TestManager_PeerProfileSanitized(t *testing.T) {
	m, _ := newTestManager(t, nil)

	payload := StatusPayload{
		Status:        StatusOnline,
		StatusMessage: "<script>hi</script>",
		DisplayName:   "<b>peer</b>",
		Color:         "javascript:alert(1)",
	}
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastStatus, payload, 1, time.Now(), 60))

	view, ok := m.View("did:key:p")
	if !ok {
		t.Fatal("View() not found after status broadcast")
	}
	if strings.Contains(view.DisplayName, "<") {
		t.Errorf("DisplayName = %q, want HTML escaped", view.DisplayName)
	}
	if strings.Contains(view.StatusMessage, "<") {
		t.Errorf("StatusMessage = %q, want HTML escaped", view.StatusMessage)
	}
	if view.Color != "" {
		t.Errorf("Color = %q, want rejected to empty", view.Color)
	}
}

func TestManager_CrossWiredManagersDoNotDeadlock(t *testing.T) {
	newPeer := func(identity string) *Manager {
		m, err := NewManager(Config{
			Identity:         identity,
			SigningKey:       spaceKey,
			Trust:            trust.NewInMemoryStore(),
			LocationThrottle: time.Nanosecond,
		})
		if err != nil {
			t.Fatalf("NewManager() unexpected error = %v", err)
		}
		return m
	}
	alice := newPeer("did:key:alice")
	bob := newPeer("did:key:bob")

	// Each manager's transport delivers straight into the other's
	// ingestion path, as the loopback example wires them. Delivery runs
	// outside the state lock, so neither side can hold its own lock
	// while waiting on the other's.
	if err := alice.Start(func(p []byte) error { bob.HandleRaw(p); return nil }); err != nil {
		t.Fatalf("Start(alice) unexpected error = %v", err)
	}
	if err := bob.Start(func(p []byte) error { alice.HandleRaw(p); return nil }); err != nil {
		t.Fatalf("Start(bob) unexpected error = %v", err)
	}
	t.Cleanup(alice.Stop)
	t.Cleanup(bob.Stop)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, m := range []*Manager{alice, bob} {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					if err := m.SetLocation(47.6062, -122.3321, SourceManual); err != nil {
						t.Errorf("SetLocation() unexpected error = %v", err)
						return
					}
				}
			}(m)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cross-wired managers deadlocked: SetLocation never returned")
	}
}

func TestManager_UndecodablePayloadDoesNotConsumeSequence(t *testing.T) {
	m, _ := newTestManager(t, nil)

	signer := commit.NewHMACSigner(spaceKey)
	raw := []byte("not-cbor")
	m.HandleBroadcast(&Broadcast{
		Sender:     "did:key:p",
		Type:       BroadcastLocation,
		Payload:    raw,
		Signature:  signer.Sign(raw),
		Timestamp:  time.Now().UnixMilli(),
		Sequence:   1,
		TTLSeconds: 60,
	})
	if _, ok := m.View("did:key:p"); ok {
		t.Fatal("undecodable broadcast produced a view")
	}

	// A retransmit of the same sequence with a decodable payload must be
	// applied: the failed frame never committed its sequence number.
	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	view, ok := m.View("did:key:p")
	if !ok || view.Location == nil {
		t.Fatal("retransmitted sequence was rejected as a replay")
	}
}

func TestManager_PublicPrecisionOverride(t *testing.T) {
	m, transport := newTestManager(t, func(cfg *Config) {
		cfg.PublicPrecision = 4
	})

	if err := m.SetLocation(47.6062, -122.3321, SourceManual); err != nil {
		t.Fatalf("SetLocation() unexpected error = %v", err)
	}

	locations := transport.sent(t, BroadcastLocation)
	if len(locations) == 0 {
		t.Fatal("no location broadcast sent")
	}
	var payload LocationPayload
	if err := decodePayload(locations[len(locations)-1], &payload); err != nil {
		t.Fatalf("decodePayload() unexpected error = %v", err)
	}

	byTier := make(map[string]PrecisionLevel, len(payload.Levels))
	for _, level := range payload.Levels {
		byTier[level.Tier] = level
	}
	if got := byTier["public"]; got.Precision != 4 || len(got.Geohash) != 4 {
		t.Errorf("public level = %q/%d, want 4-char geohash at precision 4", got.Geohash, got.Precision)
	}
	// Only the public tier widens; the rest of the fan-out keeps the
	// policy table.
	if got := byTier["intimate"]; got.Precision != 9 {
		t.Errorf("intimate precision = %d, want 9", got.Precision)
	}
	if got := byTier["friends"]; got.Precision != 5 {
		t.Errorf("friends precision = %d, want 5", got.Precision)
	}
}

func TestManager_IngestionRecordsSpan(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	m, _ := newTestManager(t, nil)

	payload := peerLocationPayload(t, "did:key:p", "9q8yyk8y")
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))
	// Same sequence again: dropped as a replay, recorded on its span.
	m.HandleBroadcast(peerBroadcast(t, "did:key:p", BroadcastLocation, payload, 1, time.Now(), 60))

	var ingestion []sdktrace.ReadOnlySpan
	for _, span := range spanRecorder.Ended() {
		if span.Name() == "presence.handle_broadcast" {
			ingestion = append(ingestion, span)
		}
	}
	if len(ingestion) != 2 {
		t.Fatalf("recorded %d ingestion spans, want 2", len(ingestion))
	}

	hasSender := false
	for _, attr := range ingestion[0].Attributes() {
		if attr.Key == "broadcast.sender" && attr.Value.AsString() == "did:key:p" {
			hasSender = true
		}
	}
	if !hasSender {
		t.Error("first span missing broadcast.sender attribute")
	}

	events := ingestion[1].Events()
	if len(events) != 1 || events[0].Name != "broadcast.dropped" {
		t.Fatalf("replay span events = %v, want one broadcast.dropped", events)
	}
	reason := ""
	for _, attr := range events[0].Attributes {
		if attr.Key == "reason" {
			reason = attr.Value.AsString()
		}
	}
	if reason != DropReasonReplay {
		t.Errorf("drop reason = %q, want %q", reason, DropReasonReplay)
	}
}

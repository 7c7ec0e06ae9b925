package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nearcast/nearcast/internal/color"
	"github.com/nearcast/nearcast/internal/commit"
	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/policy"
	"github.com/nearcast/nearcast/internal/tracing"
	"github.com/nearcast/nearcast/internal/trust"
	"github.com/nearcast/nearcast/internal/validate"
)

// Manager lifecycle and operation errors.
var (
	ErrManagerStopped    = errors.New("presence manager is stopped; create a new manager to restart")
	ErrManagerNotStarted = errors.New("presence manager is not started")
	ErrNoSendFunc        = errors.New("send function is required")
	ErrNoGeolocation     = errors.New("no geolocation source configured")
	ErrMissingIdentity   = errors.New("identity is required")
	ErrMissingKey        = errors.New("signing key is required")

	// ErrPermissionDenied and ErrLocationUnavailable classify platform
	// location failures surfaced through error events. Neither is fatal
	// and the manager never retries in a loop on its own.
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrLocationUnavailable = errors.New("geolocation temporarily unavailable")
)

// LifecycleState is the manager's connection lifecycle.
// Disconnected is terminal.
type LifecycleState string

// Lifecycle states.
const (
	StateConnecting   LifecycleState = "connecting"
	StateConnected    LifecycleState = "connected"
	StateReconnecting LifecycleState = "reconnecting"
	StateDisconnected LifecycleState = "disconnected"
)

// SendFunc hands a serialized broadcast to the transport. Delivery is
// fire-and-forget from the manager's point of view.
type SendFunc func(payload []byte) error

// Default timing configuration.
const (
	DefaultUpdateInterval   = 15 * time.Second
	DefaultLocationThrottle = 1 * time.Second
	DefaultPresenceTTL      = 60 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Identity is the local participant's opaque identity key.
	Identity string

	// DisplayName and Color are profile fields carried on broadcasts.
	DisplayName string
	Color       string
	DeviceType  string

	// SigningKey signs commitments and broadcast envelopes.
	SigningKey []byte

	// UpdateInterval is the periodic self-broadcast cadence.
	UpdateInterval time.Duration

	// LocationThrottle is the minimum gap between location-driven
	// broadcasts. Samples arriving earlier update self state only.
	LocationThrottle time.Duration

	// PresenceTTL is stamped on outgoing broadcasts and drives the
	// away/expiry sweep for peers.
	PresenceTTL time.Duration

	// ShareLocationByDefault starts the location watch on Start.
	ShareLocationByDefault bool

	// PublicPrecision overrides the public-tier geohash precision on
	// outgoing location broadcasts. Zero keeps the policy default.
	// Received broadcasts are unaffected: the sender's own fan-out
	// already bounds what any tier can see.
	PublicPrecision uint8

	// Trust is the local trust circle. Required.
	Trust trust.Store

	// Geolocation is the platform location source. Optional; without it
	// only manual fixes are possible.
	Geolocation GeolocationSource

	// Logger for engine activity.
	Logger *slog.Logger

	// Metrics for engine counters. Optional.
	Metrics *Metrics

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// SelfPresence is the snapshot of the local user returned by Self().
type SelfPresence struct {
	Identity      string
	DisplayName   string
	Color         string
	DeviceType    string
	Status        Status
	StatusMessage string
	Location      *Fix
	Sharing       bool
}

// Manager owns all presence state: the local fix, per-peer records, and
// the derived per-peer views. All mutation happens under one mutex and
// external readers only ever receive copies.
type Manager struct {
	cfg    Config
	signer *commit.HMACSigner
	logger *slog.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            LifecycleState
	send             SendFunc
	selfFix          *Fix
	statusMessage    string
	sharing          bool
	stopWatch        func()
	sequence         int64
	lastLocBroadcast time.Time
	peers            map[string]*UserPresence
	views            map[string]*View

	stopCh chan struct{}
	doneCh chan struct{}

	// outbox holds signed frames staged under mu; delivery happens in
	// flushOutbox after mu is released. sendMu serializes delivery so
	// frames reach the transport in sequence order. sendMu is never
	// acquired while holding mu.
	outbox []outFrame
	sendMu sync.Mutex

	tracker *SequenceTracker
	emitter *Emitter
}

// outFrame is one staged outbound frame.
type outFrame struct {
	typ  BroadcastType
	data []byte
}

// NewManager creates a Manager in the Connecting state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Identity == "" {
		return nil, ErrMissingIdentity
	}
	if len(cfg.SigningKey) == 0 {
		return nil, ErrMissingKey
	}
	if cfg.Trust == nil {
		cfg.Trust = trust.NewInMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.LocationThrottle <= 0 {
		cfg.LocationThrottle = DefaultLocationThrottle
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PublicPrecision > geo.MaxPrecision {
		cfg.PublicPrecision = geo.MaxPrecision
	}

	return &Manager{
		cfg:     cfg,
		signer:  commit.NewHMACSigner(cfg.SigningKey),
		logger:  cfg.Logger,
		now:     cfg.Clock,
		state:   StateConnecting,
		peers:   make(map[string]*UserPresence),
		views:   make(map[string]*View),
		tracker: NewSequenceTracker(cfg.Logger),
		emitter: NewEmitter(cfg.Logger, cfg.Metrics),
	}, nil
}

// Start transitions Connecting to Connected, begins the periodic
// self-broadcast loop, and immediately emits one broadcast. Calling
// Start on a stopped manager returns ErrManagerStopped.
func (m *Manager) Start(send SendFunc) error {
	if send == nil {
		return ErrNoSendFunc
	}

	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.stopCh != nil {
		m.mu.Unlock()
		return nil
	}
	m.send = send
	m.state = StateConnected
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.broadcastPresenceLocked()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.flushOutbox()
	go m.run(stopCh, doneCh)

	m.logger.Info("presence manager started",
		slog.String("identity", m.cfg.Identity),
		slog.Duration("update_interval", m.cfg.UpdateInterval))

	if m.cfg.ShareLocationByDefault && m.cfg.Geolocation != nil {
		if err := m.StartSharing(); err != nil {
			m.logger.Warn("default location sharing failed to start",
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Stop halts the broadcast loop and any location watch, emits a
// best-effort leave broadcast, and transitions to Disconnected. It is
// safe to call from any lifecycle state and is idempotent; after it
// returns no timers or watch callbacks remain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	stopWatch := m.stopWatch
	m.stopWatch = nil
	m.sharing = false
	m.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	m.mu.Lock()
	m.broadcastLeaveLocked()
	m.state = StateDisconnected
	m.selfFix = nil
	m.mu.Unlock()

	m.flushOutbox()
	m.logger.Info("presence manager stopped", slog.String("identity", m.cfg.Identity))
}

// run is the periodic self-broadcast and peer-sweep loop.
func (m *Manager) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.broadcastPresenceLocked()
			events := m.sweepPeersLocked()
			m.mu.Unlock()
			m.flushOutbox()
			m.emitAll(events)
		}
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MarkReconnecting flags the transport as down. No-op once stopped.
func (m *Manager) MarkReconnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		m.state = StateReconnecting
	}
}

// MarkConnected flags the transport as back up. No-op once stopped.
func (m *Manager) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateReconnecting || m.state == StateConnecting {
		m.state = StateConnected
	}
}

// Subscribe registers an event listener and returns its unsubscribe
// function.
func (m *Manager) Subscribe(l Listener) func() {
	return m.emitter.Subscribe(l)
}

// StartSharing subscribes to the continuous device-location stream.
// A platform denial is reported through an error event and returned;
// sharing stays off and is never retried in a loop.
func (m *Manager) StartSharing() error {
	if m.cfg.Geolocation == nil {
		return ErrNoGeolocation
	}

	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	stop, err := m.cfg.Geolocation.Watch(m.onWatchFix, m.onWatchError)
	if err != nil {
		err = fmt.Errorf("location watch failed to start: %w", err)
		m.emitAll([]Event{{Kind: EventError, Err: err, Timestamp: m.now()}})
		return err
	}

	m.mu.Lock()
	m.sharing = true
	m.stopWatch = stop
	m.mu.Unlock()

	m.logger.Info("location sharing started")
	return nil
}

// StopSharing cancels the location watch, drops the self fix, and forces
// a status-only broadcast. Watch callbacks firing after cancellation are
// ignored; precision degrades to "no location shared", never to "last
// known location".
func (m *Manager) StopSharing() {
	m.mu.Lock()
	stopWatch := m.stopWatch
	m.stopWatch = nil
	m.sharing = false
	m.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	m.ClearLocation()
	m.logger.Info("location sharing stopped")
}

// onWatchFix receives continuous platform fixes.
func (m *Manager) onWatchFix(fix Fix) {
	m.mu.Lock()
	if !m.sharing || m.state == StateDisconnected {
		// Late callback after StopSharing/Stop.
		m.mu.Unlock()
		return
	}
	fix.Source = SourceGPS
	fix.IsLive = true
	m.updateSelfLocationLocked(fix)
	m.mu.Unlock()
	m.flushOutbox()
}

// onWatchError surfaces platform location errors as error events.
func (m *Manager) onWatchError(err error) {
	m.logger.Warn("location watch error", slog.String("error", err.Error()))
	m.emitAll([]Event{{Kind: EventError, Err: err, Timestamp: m.now()}})
}

// SetLocation accepts a one-shot manual fix. It runs through the same
// pipeline as watch fixes, including the broadcast throttle.
func (m *Manager) SetLocation(lat, lng float64, source FixSource) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if source == "" {
		source = SourceManual
	}
	m.updateSelfLocationLocked(Fix{
		Lat:       lat,
		Lng:       lng,
		Source:    source,
		Timestamp: m.now(),
	})
	m.mu.Unlock()
	m.flushOutbox()
	return nil
}

// SetStatus updates the local status message and broadcasts it to the
// space. An empty message clears the status.
func (m *Manager) SetStatus(message string) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	m.statusMessage = message
	if m.state == StateConnected || m.state == StateReconnecting {
		m.broadcastStatusLocked()
	}
	m.mu.Unlock()
	m.flushOutbox()
	return nil
}

// ClearLocation drops the self fix and broadcasts a status-only update.
func (m *Manager) ClearLocation() {
	m.mu.Lock()
	m.selfFix = nil
	if m.state == StateConnected || m.state == StateReconnecting {
		m.broadcastStatusLocked()
	}
	m.mu.Unlock()
	m.flushOutbox()
}

// updateSelfLocationLocked is the single mutation entry point both the
// watch callback and manual sets converge on. It stores the fix and
// triggers a throttled location broadcast.
func (m *Manager) updateSelfLocationLocked(fix Fix) {
	m.selfFix = &fix

	if m.send == nil || m.state == StateDisconnected {
		return
	}
	if m.now().Sub(m.lastLocBroadcast) < m.cfg.LocationThrottle {
		// Inside the throttle window: self state updated, no broadcast.
		return
	}
	m.broadcastLocationLocked()
}

// Self returns a snapshot of the local user's presence.
func (m *Manager) Self() SelfPresence {
	m.mu.Lock()
	defer m.mu.Unlock()

	self := SelfPresence{
		Identity:      m.cfg.Identity,
		DisplayName:   m.cfg.DisplayName,
		Color:         m.cfg.Color,
		DeviceType:    m.cfg.DeviceType,
		Status:        StatusOnline,
		StatusMessage: m.statusMessage,
		Sharing:       m.sharing,
	}
	if m.state == StateDisconnected {
		self.Status = StatusOffline
	}
	if m.selfFix != nil {
		fix := *m.selfFix
		self.Location = &fix
	}
	return self
}

// Views returns snapshots of every peer view, ordered by peer identity.
func (m *Manager) Views() []View {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]View, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, v.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// View returns a snapshot of one peer's view.
func (m *Manager) View(peer string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.views[peer]
	if !ok {
		return View{}, false
	}
	return v.clone(), true
}

// SetTrustLevel writes through to the trust circle store and immediately
// re-projects the affected peer's view from already-received material.
// No new broadcast from the peer is needed: the re-projection is bounded
// by whatever precision the peer's last broadcast actually contained.
func (m *Manager) SetTrustLevel(peer string, tier trust.Tier) error {
	if err := m.cfg.Trust.SetTrustLevel(peer, tier); err != nil {
		return err
	}

	m.mu.Lock()
	events := m.reprojectLocked(peer)
	m.mu.Unlock()
	m.emitAll(events)
	return nil
}

// RemoveTrustLevel deletes the peer's tier; the peer immediately
// re-projects at public precision (fail-closed).
func (m *Manager) RemoveTrustLevel(peer string) error {
	if err := m.cfg.Trust.RemoveTrustLevel(peer); err != nil {
		return err
	}

	m.mu.Lock()
	events := m.reprojectLocked(peer)
	m.mu.Unlock()
	m.emitAll(events)
	return nil
}

// reprojectLocked recomputes one peer's view after a local trust change.
func (m *Manager) reprojectLocked(peer string) []Event {
	p, ok := m.peers[peer]
	if !ok {
		return nil
	}
	view := projectView(p, m.tierForLocked(peer), m.selfFix, m.now())
	m.views[peer] = view
	snapshot := view.clone()
	return []Event{{Kind: EventLocationUpdated, Peer: peer, View: &snapshot, Timestamp: m.now()}}
}

// tierForLocked resolves the locally held tier for a peer. Unknown and
// removed peers resolve to public, never to a broader tier.
func (m *Manager) tierForLocked(peer string) trust.Tier {
	tier, ok := m.cfg.Trust.TrustLevel(peer)
	if !ok {
		return trust.TierPublic
	}
	return tier
}

// AnnounceProximity computes the proximity between the local fix and the
// target peer's view and sends a targeted proximity broadcast.
func (m *Manager) AnnounceProximity(target string) error {
	m.mu.Lock()

	if m.state == StateDisconnected {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.send == nil {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}

	view, ok := m.views[target]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown peer %q", target)
	}

	info := computeProximity(m.selfFix, view.Location)
	err := m.stageEnvelopeLocked(BroadcastProximity, ProximityPayload{
		Target:          target,
		Category:        string(info.Category),
		MutuallyVisible: info.MutuallyVisible,
	})
	m.mu.Unlock()

	m.flushOutbox()
	return err
}

// broadcastPresenceLocked emits the periodic self-broadcast: a location
// broadcast while a fix is held, a status broadcast otherwise.
func (m *Manager) broadcastPresenceLocked() {
	if m.send == nil {
		return
	}
	if m.selfFix != nil {
		m.broadcastLocationLocked()
		return
	}
	m.broadcastStatusLocked()
}

// broadcastLocationLocked constructs the five-tier precision fan-out from
// the current fix and sends it. The full-precision geohash appears only
// inside the commitment and the intimate-tier truncation chain; exact
// coordinates never leave the process.
func (m *Manager) broadcastLocationLocked() {
	fix := m.selfFix
	if fix == nil || m.send == nil {
		return
	}

	c, err := commit.Create(fix.Lat, fix.Lng, geo.MaxPrecision, m.cfg.Identity, m.cfg.SigningKey)
	if err != nil {
		m.logger.Error("failed to create location commitment", slog.String("error", err.Error()))
		return
	}

	levels := make([]PrecisionLevel, 0, len(trust.AllTiers))
	for _, tier := range trust.AllTiers {
		precision := policy.PrecisionFor(tier)
		if tier == trust.TierPublic && m.cfg.PublicPrecision > 0 {
			precision = m.cfg.PublicPrecision
		}
		levels = append(levels, PrecisionLevel{
			Tier:      tier.String(),
			Geohash:   geo.RoundGeohash(c.Geohash, int(precision)),
			Precision: precision,
		})
	}

	payload := LocationPayload{
		Levels:        levels,
		Commitment:    c,
		IsMoving:      fix.Moving(),
		Heading:       fix.Heading,
		SpeedCategory: fix.speedCategory(),
		DisplayName:   m.cfg.DisplayName,
		Color:         m.cfg.Color,
		DeviceType:    m.cfg.DeviceType,
	}

	if err := m.stageEnvelopeLocked(BroadcastLocation, payload); err != nil {
		m.logger.Warn("location broadcast failed", slog.String("error", err.Error()))
		return
	}
	m.lastLocBroadcast = m.now()
}

// broadcastStatusLocked sends a status-only broadcast.
func (m *Manager) broadcastStatusLocked() {
	if m.send == nil {
		return
	}
	payload := StatusPayload{
		Status:         StatusOnline,
		StatusMessage:  m.statusMessage,
		DisplayName:    m.cfg.DisplayName,
		Color:          m.cfg.Color,
		DeviceType:     m.cfg.DeviceType,
		SharesLocation: m.selfFix != nil,
	}
	if err := m.stageEnvelopeLocked(BroadcastStatus, payload); err != nil {
		m.logger.Warn("status broadcast failed", slog.String("error", err.Error()))
	}
}

// broadcastLeaveLocked sends the best-effort leave broadcast.
func (m *Manager) broadcastLeaveLocked() {
	if m.send == nil {
		return
	}
	if err := m.stageEnvelopeLocked(BroadcastLeave, LeavePayload{}); err != nil {
		m.logger.Debug("leave broadcast failed", slog.String("error", err.Error()))
	}
}

// stageEnvelopeLocked signs and serializes a payload into the next
// envelope and stages it on the outbox. The transport is never invoked
// under mu: a blocking Send must not stall accessors or ingestion, and
// two cross-wired managers must not deadlock on each other's locks.
func (m *Manager) stageEnvelopeLocked(t BroadcastType, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	m.sequence++
	b := &Broadcast{
		Sender:     m.cfg.Identity,
		Type:       t,
		Payload:    raw,
		Signature:  m.signer.Sign(raw),
		Timestamp:  m.now().UnixMilli(),
		Sequence:   m.sequence,
		TTLSeconds: int(m.cfg.PresenceTTL.Seconds()),
	}

	data, err := EncodeBroadcast(b)
	if err != nil {
		return err
	}
	m.outbox = append(m.outbox, outFrame{typ: t, data: data})
	return nil
}

// flushOutbox delivers staged frames to the transport. Callers must not
// hold mu. When another flush is already draining, staged frames are
// left for it; anything it misses in the handover window goes out on
// the next flush, at the latest the periodic broadcast tick.
func (m *Manager) flushOutbox() {
	if !m.sendMu.TryLock() {
		return
	}
	defer m.sendMu.Unlock()

	for {
		m.mu.Lock()
		frames := m.outbox
		m.outbox = nil
		send := m.send
		m.mu.Unlock()

		if len(frames) == 0 || send == nil {
			return
		}
		for _, f := range frames {
			if err := send(f.data); err != nil {
				m.logger.Warn("broadcast delivery failed",
					slog.String("type", string(f.typ)),
					slog.String("error", err.Error()))
				continue
			}
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.IncBroadcastsSent(f.typ)
			}
		}
	}
}

// HandleRaw decodes transport bytes and ingests the broadcast. Malformed
// input is dropped silently, counted but never escalated.
func (m *Manager) HandleRaw(data []byte) {
	b, err := DecodeBroadcast(data)
	if err != nil {
		m.drop(DropReasonMalformed)
		m.logger.Debug("dropped malformed broadcast", slog.String("error", err.Error()))
		return
	}
	m.HandleBroadcast(b)
}

// HandleBroadcast ingests one peer broadcast. Rejections happen before
// any state mutation; application is atomic with respect to accessor
// snapshots, and replayed sequence numbers make it idempotent.
func (m *Manager) HandleBroadcast(b *Broadcast) {
	ctx, endSpan := tracing.StartSpan(context.Background(), "presence.handle_broadcast")
	tracing.SetAttributes(ctx,
		attribute.String("broadcast.sender", b.Sender),
		attribute.String("broadcast.type", string(b.Type)),
		attribute.Int64("broadcast.sequence", b.Sequence))
	endSpan(m.handleBroadcast(ctx, b))
}

func (m *Manager) handleBroadcast(ctx context.Context, b *Broadcast) error {
	if b.Sender == m.cfg.Identity {
		m.dropTraced(ctx, DropReasonSelf)
		return nil
	}

	now := m.now()
	if now.UnixMilli()-b.Timestamp > int64(b.TTLSeconds)*1000 {
		m.dropTraced(ctx, DropReasonExpired)
		return nil
	}

	if !m.signer.Verify(b.Payload, b.Signature) {
		m.dropTraced(ctx, DropReasonUnverified)
		return nil
	}

	m.mu.Lock()
	if !m.tracker.Valid(b.Sender, b.Sequence) {
		m.mu.Unlock()
		m.dropTraced(ctx, DropReasonReplay)
		return nil
	}

	var events []Event
	var applyErr error
	switch b.Type {
	case BroadcastLocation:
		events, applyErr = m.applyLocationLocked(b, now)
	case BroadcastStatus:
		events, applyErr = m.applyStatusLocked(b, now)
	case BroadcastProximity:
		events, applyErr = m.applyProximityLocked(b, now)
	case BroadcastLeave:
		events = m.applyLeaveLocked(b, now)
	default:
		applyErr = fmt.Errorf("%w: %q", ErrUnknownType, b.Type)
	}
	if applyErr == nil {
		// Commit only after successful application: an undecodable
		// payload must not burn its sequence number, or a retransmit
		// of the same frame would be rejected as a replay.
		m.tracker.Commit(b.Sender, b.Sequence)
	}
	m.updatePeerGaugeLocked()
	m.mu.Unlock()

	if applyErr != nil {
		m.dropTraced(ctx, DropReasonMalformed)
		m.logger.Debug("dropped unparseable broadcast",
			slog.String("sender", b.Sender),
			slog.String("type", string(b.Type)),
			slog.String("error", applyErr.Error()))
		return applyErr
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncBroadcastsReceived(b.Type)
	}
	m.emitAll(events)
	return nil
}

// dropTraced counts a drop and records the reason on the ingestion span.
func (m *Manager) dropTraced(ctx context.Context, reason string) {
	tracing.AddEvent(ctx, "broadcast.dropped", attribute.String("reason", reason))
	m.drop(reason)
}

// applyLocationLocked upserts the sender and re-projects their view.
func (m *Manager) applyLocationLocked(b *Broadcast, now time.Time) ([]Event, error) {
	var payload LocationPayload
	if err := decodePayload(b, &payload); err != nil {
		return nil, err
	}

	p, seen := m.peers[b.Sender]
	if !seen {
		p = &UserPresence{Identity: b.Sender}
		m.peers[b.Sender] = p
	}

	if name := validate.PeerDisplayName(payload.DisplayName); name != "" {
		p.DisplayName = name
	}
	if c := color.Sanitize(payload.Color); c != "" {
		p.Color = c
	}
	if payload.DeviceType != "" {
		p.DeviceType = payload.DeviceType
	}
	p.Status = StatusOnline
	p.LastSeen = now
	p.IsMoving = payload.IsMoving
	p.Location = &ReceivedLocation{
		Levels:        payload.Levels,
		Commitment:    payload.Commitment,
		ReceivedAt:    now,
		BroadcastTime: time.UnixMilli(b.Timestamp),
		IsMoving:      payload.IsMoving,
		Heading:       payload.Heading,
		SpeedCategory: payload.SpeedCategory,
		Verified:      commit.Verify(payload.Commitment, b.Sender, m.cfg.SigningKey) == nil,
	}

	view := projectView(p, m.tierForLocked(b.Sender), m.selfFix, now)
	m.views[b.Sender] = view
	snapshot := view.clone()

	var events []Event
	if !seen {
		joined := snapshot
		events = append(events, Event{Kind: EventUserJoined, Peer: b.Sender, View: &joined, Timestamp: now})
	}
	events = append(events, Event{Kind: EventLocationUpdated, Peer: b.Sender, View: &snapshot, Timestamp: now})
	return events, nil
}

// applyStatusLocked upserts the sender's status and profile.
func (m *Manager) applyStatusLocked(b *Broadcast, now time.Time) ([]Event, error) {
	var payload StatusPayload
	if err := decodePayload(b, &payload); err != nil {
		return nil, err
	}

	p, seen := m.peers[b.Sender]
	if !seen {
		p = &UserPresence{Identity: b.Sender}
		m.peers[b.Sender] = p
	}

	if payload.Status != "" {
		p.Status = payload.Status
	} else {
		p.Status = StatusOnline
	}
	p.StatusMessage = validate.PeerStatusMessage(payload.StatusMessage)
	if name := validate.PeerDisplayName(payload.DisplayName); name != "" {
		p.DisplayName = name
	}
	if c := color.Sanitize(payload.Color); c != "" {
		p.Color = c
	}
	if payload.DeviceType != "" {
		p.DeviceType = payload.DeviceType
	}
	p.LastSeen = now
	if !payload.SharesLocation {
		// Sender stopped sharing: never show a last known location.
		p.Location = nil
	}

	view := projectView(p, m.tierForLocked(b.Sender), m.selfFix, now)
	m.views[b.Sender] = view
	snapshot := view.clone()

	var events []Event
	if !seen {
		joined := snapshot
		events = append(events, Event{Kind: EventUserJoined, Peer: b.Sender, View: &joined, Timestamp: now})
	}
	events = append(events, Event{Kind: EventStatusChanged, Peer: b.Sender, View: &snapshot, Timestamp: now})
	return events, nil
}

// applyProximityLocked attaches a peer-announced proximity to the
// existing view. Broadcasts naming another target are ignored.
func (m *Manager) applyProximityLocked(b *Broadcast, now time.Time) ([]Event, error) {
	var payload ProximityPayload
	if err := decodePayload(b, &payload); err != nil {
		return nil, err
	}

	if payload.Target != m.cfg.Identity {
		return nil, nil
	}

	view, ok := m.views[b.Sender]
	if !ok {
		return nil, nil
	}

	info := ProximityInfo{
		Category:        ProximityCategory(payload.Category),
		MutuallyVisible: payload.MutuallyVisible,
		Verified:        true,
	}
	view.Proximity = info
	snapshot := view.clone()
	return []Event{{Kind: EventProximityDetected, Peer: b.Sender, View: &snapshot, Proximity: &info, Timestamp: now}}, nil
}

// applyLeaveLocked removes the peer entirely. The sequence tracker entry
// is retained, so a stale pre-leave broadcast arriving afterwards is
// rejected and the peer stays removed.
func (m *Manager) applyLeaveLocked(b *Broadcast, now time.Time) []Event {
	if _, ok := m.peers[b.Sender]; !ok {
		return nil
	}
	delete(m.peers, b.Sender)
	delete(m.views, b.Sender)
	return []Event{{Kind: EventUserLeft, Peer: b.Sender, Timestamp: now}}
}

// sweepPeersLocked applies TTL-based expiry: peers silent past the TTL
// go away, peers silent past twice the TTL are removed.
func (m *Manager) sweepPeersLocked() []Event {
	now := m.now()
	var events []Event

	for identity, p := range m.peers {
		silence := now.Sub(p.LastSeen)
		switch {
		case silence > 2*m.cfg.PresenceTTL:
			delete(m.peers, identity)
			delete(m.views, identity)
			events = append(events, Event{Kind: EventUserLeft, Peer: identity, Timestamp: now})
		case silence > m.cfg.PresenceTTL && p.Status == StatusOnline:
			p.Status = StatusAway
			view := projectView(p, m.tierForLocked(identity), m.selfFix, now)
			m.views[identity] = view
			snapshot := view.clone()
			events = append(events, Event{Kind: EventStatusChanged, Peer: identity, View: &snapshot, Timestamp: now})
		}
	}
	m.updatePeerGaugeLocked()
	return events
}

// drop counts a rejected broadcast.
func (m *Manager) drop(reason string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncBroadcastsDropped(reason)
	}
}

// updatePeerGaugeLocked refreshes the tracked-peers gauge.
func (m *Manager) updatePeerGaugeLocked() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetTrackedPeers(len(m.peers))
	}
}

// emitAll delivers events outside the state lock so listeners may call
// accessors freely.
func (m *Manager) emitAll(events []Event) {
	for _, e := range events {
		m.emitter.Emit(e)
	}
}

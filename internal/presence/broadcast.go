// Package presence implements the trust-gated presence engine: broadcast
// construction and ingestion, per-peer view derivation, proximity
// computation, and lifecycle management. Peers exchange immutable
// CBOR-encoded broadcasts; everything a viewer sees is derived locally
// from those broadcasts and the locally held trust circle.
package presence

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nearcast/nearcast/internal/commit"
	"github.com/nearcast/nearcast/internal/trust"
)

// Broadcast parsing errors.
var (
	ErrInvalidCBOR      = errors.New("invalid CBOR data")
	ErrMissingSender    = errors.New("missing sender identity in broadcast")
	ErrUnknownType      = errors.New("unknown broadcast type")
	ErrMissingPayload   = errors.New("missing broadcast payload")
	ErrMissingSignature = errors.New("missing broadcast signature")
)

// BroadcastType discriminates the payload carried by a broadcast.
type BroadcastType string

// Broadcast types.
const (
	BroadcastLocation  BroadcastType = "location"
	BroadcastStatus    BroadcastType = "status"
	BroadcastProximity BroadcastType = "proximity"
	BroadcastLeave     BroadcastType = "leave"
)

// Valid reports whether the type is one of the defined broadcast types.
func (t BroadcastType) Valid() bool {
	switch t {
	case BroadcastLocation, BroadcastStatus, BroadcastProximity, BroadcastLeave:
		return true
	}
	return false
}

// Broadcast is the wire envelope exchanged between peers. It is immutable
// once constructed; receivers only derive state from it.
type Broadcast struct {
	// Sender is the broadcasting peer's identity (public key string).
	Sender string `cbor:"sender"`

	// Type selects the payload shape.
	Type BroadcastType `cbor:"type"`

	// Payload is the CBOR-encoded typed payload.
	Payload cbor.RawMessage `cbor:"payload"`

	// Signature covers the raw payload bytes.
	Signature string `cbor:"signature"`

	// Timestamp is the send time in unix milliseconds.
	Timestamp int64 `cbor:"timestamp"`

	// Sequence is a strictly increasing per-sender counter.
	Sequence int64 `cbor:"sequence"`

	// TTLSeconds bounds how long the broadcast may be applied after
	// Timestamp. Expired broadcasts are discarded before any state
	// mutation.
	TTLSeconds int `cbor:"ttl_seconds"`
}

// PrecisionLevel is one entry of the per-tier precision fan-out: the
// full-precision geohash truncated to the character count that tier is
// entitled to.
type PrecisionLevel struct {
	Tier      string `cbor:"tier"`
	Geohash   string `cbor:"geohash"`
	Precision uint8  `cbor:"precision"`
}

// LocationPayload carries one PrecisionLevel per trust tier. The sender
// always emits all five; the receiver's locally held tier selects which
// one it is entitled to read.
type LocationPayload struct {
	Levels        []PrecisionLevel  `cbor:"levels"`
	Commitment    commit.Commitment `cbor:"commitment"`
	IsMoving      bool              `cbor:"is_moving"`
	Heading       *float64          `cbor:"heading,omitempty"`
	SpeedCategory string            `cbor:"speed_category,omitempty"`
	DisplayName   string            `cbor:"display_name,omitempty"`
	Color         string            `cbor:"color,omitempty"`
	DeviceType    string            `cbor:"device_type,omitempty"`
}

// LevelFor returns the precision level matching the given tier, if the
// payload carries one.
func (p *LocationPayload) LevelFor(tier trust.Tier) (PrecisionLevel, bool) {
	for _, level := range p.Levels {
		if level.Tier == tier.String() {
			return level, true
		}
	}
	return PrecisionLevel{}, false
}

// StatusPayload carries presence status and profile fields.
type StatusPayload struct {
	Status         Status `cbor:"status"`
	StatusMessage  string `cbor:"status_message,omitempty"`
	DisplayName    string `cbor:"display_name,omitempty"`
	Color          string `cbor:"color,omitempty"`
	DeviceType     string `cbor:"device_type,omitempty"`
	SharesLocation bool   `cbor:"shares_location"`
}

// ProximityPayload announces a computed proximity category to a single
// target peer. Receivers only process payloads naming their own identity.
type ProximityPayload struct {
	Target          string `cbor:"target"`
	Category        string `cbor:"category"`
	MutuallyVisible bool   `cbor:"mutually_visible"`
}

// LeavePayload is intentionally empty; the envelope carries everything a
// leave needs.
type LeavePayload struct{}

// EncodeBroadcast serializes a broadcast envelope to CBOR bytes.
func EncodeBroadcast(b *Broadcast) ([]byte, error) {
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("failed to encode broadcast: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBroadcast parses CBOR bytes into a broadcast envelope and
// validates required fields. Malformed input is reported with
// ErrInvalidCBOR or a more specific sentinel so callers can drop it
// silently.
func DecodeBroadcast(data []byte) (*Broadcast, error) {
	if len(data) == 0 {
		return nil, ErrInvalidCBOR
	}

	var b Broadcast
	dec := cbor.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCBOR, err)
	}

	if b.Sender == "" {
		return nil, ErrMissingSender
	}
	if !b.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, b.Type)
	}
	if len(b.Payload) == 0 {
		return nil, ErrMissingPayload
	}
	if b.Signature == "" {
		return nil, ErrMissingSignature
	}

	return &b, nil
}

// encodePayload serializes a typed payload for embedding in an envelope.
func encodePayload(v any) (cbor.RawMessage, error) {
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// decodePayload parses the envelope payload into the typed struct for
// the envelope's broadcast type.
func decodePayload(b *Broadcast, out any) error {
	dec := cbor.NewDecoder(bytes.NewReader(b.Payload))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCBOR, err)
	}
	return nil
}

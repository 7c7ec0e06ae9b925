package commit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Signer signs serialized broadcast payloads. The interface exists so a
// real asymmetric scheme can replace the default HMAC signer without
// touching the presence engine.
type Signer interface {
	// Sign returns a signature over the payload bytes.
	Sign(payload []byte) string
}

// Verifier checks payload signatures produced by a peer's Signer.
type Verifier interface {
	// Verify reports whether sig is a valid signature over payload.
	Verify(payload []byte, sig string) bool
}

// HMACSigner signs payloads with HMAC-SHA256 over a shared space key.
// It implements both Signer and Verifier.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates an HMACSigner with the given key.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: key}
}

// Sign returns the hex-encoded HMAC-SHA256 of the payload.
func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the payload. Comparison is
// constant-time.
func (s *HMACSigner) Verify(payload []byte, sig string) bool {
	want := s.Sign(payload)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

// Package commit produces signed, non-reversible location commitments and
// defines the signing boundary for broadcast envelopes. A commitment binds
// a signer identity to a full-precision geohash at a timestamp; the raw
// coordinates never appear in it.
package commit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nearcast/nearcast/internal/geo"
)

// Commitment validation errors.
var (
	ErrInvalidCommitment = errors.New("invalid commitment token")
	ErrIdentityMismatch  = errors.New("commitment identity mismatch")
	ErrEmptyIdentity     = errors.New("signer identity cannot be empty")
	ErrEmptyKey          = errors.New("signing key cannot be empty")
)

// Commitment is the only location artifact ever placed in a broadcast
// payload: the full-precision geohash plus a token binding it to the
// signer identity and a timestamp.
type Commitment struct {
	Geohash   string `cbor:"geohash" json:"geohash"`
	Token     string `cbor:"token" json:"token"`
	Timestamp int64  `cbor:"timestamp" json:"timestamp"` // unix milliseconds
}

// claims are the signed contents of a commitment token.
type claims struct {
	jwt.RegisteredClaims
	Geohash string `json:"geohash"`
}

// Create builds a commitment for the given coordinates at the given
// geohash precision, signed as an HS256 token by the signer's key.
// Given identical inputs the output differs only by timestamp.
func Create(lat, lng float64, precision int, identity string, key []byte) (Commitment, error) {
	if identity == "" {
		return Commitment{}, ErrEmptyIdentity
	}
	if len(key) == 0 {
		return Commitment{}, ErrEmptyKey
	}

	now := time.Now()
	hash := geo.Encode(lat, lng, precision)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Geohash: hash,
	})

	signed, err := token.SignedString(key)
	if err != nil {
		return Commitment{}, fmt.Errorf("failed to sign commitment: %w", err)
	}

	return Commitment{
		Geohash:   hash,
		Token:     signed,
		Timestamp: now.UnixMilli(),
	}, nil
}

// Verify checks that the commitment token was signed by the given key,
// names the expected identity, and commits to the commitment's geohash.
func Verify(c Commitment, identity string, key []byte) error {
	parsed, err := jwt.ParseWithClaims(c.Token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}

	cl, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return ErrInvalidCommitment
	}
	if cl.Subject != identity {
		return ErrIdentityMismatch
	}
	if cl.Geohash != c.Geohash {
		return ErrInvalidCommitment
	}
	return nil
}

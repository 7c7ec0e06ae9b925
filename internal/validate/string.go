// Package validate provides validation and sanitization for profile
// strings that cross the presence channel. Local input is validated and
// rejected; peer input is sanitized and truncated, never rejected.
package validate

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors.
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Profile string limits.
const (
	MaxDisplayNameLength   = 64
	MaxStatusMessageLength = 160
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if
// validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not byte count.
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// SanitizeHTML escapes HTML special characters. Called on every peer
// string before it reaches any UI surface.
func SanitizeHTML(s string) string {
	return html.EscapeString(s)
}

// SanitizeString performs both validation and HTML sanitization.
func SanitizeString(s string, constraints StringConstraints) (string, error) {
	validated, err := String(s, constraints)
	if err != nil {
		return "", err
	}
	return SanitizeHTML(validated), nil
}

// truncateRunes cuts a string to at most max runes.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// DisplayName validates the local display name: 1-64 characters.
func DisplayName(name string) (string, error) {
	return SanitizeString(name, StringConstraints{
		MinLength:  1,
		MaxLength:  MaxDisplayNameLength,
		AllowEmpty: false,
		TrimSpace:  true,
	})
}

// StatusMessage validates a local status message: optional, up to 160
// characters.
func StatusMessage(msg string) (string, error) {
	return SanitizeString(msg, StringConstraints{
		MaxLength:  MaxStatusMessageLength,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}

// PeerDisplayName cleans a display name received from a broadcast. Peer
// input is never rejected: it is trimmed, escaped, and truncated.
func PeerDisplayName(name string) string {
	// Truncate before escaping so an entity is never cut in half.
	return SanitizeHTML(truncateRunes(strings.TrimSpace(name), MaxDisplayNameLength))
}

// PeerStatusMessage cleans a status message received from a broadcast.
func PeerStatusMessage(msg string) string {
	return SanitizeHTML(truncateRunes(strings.TrimSpace(msg), MaxStatusMessageLength))
}

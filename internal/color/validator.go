// Package color validates the profile accent color carried on broadcasts.
package color

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// hexColorPattern matches valid hex color codes in format #RRGGBB (case insensitive).
var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ErrInvalidHexFormat reports a color that is not #RRGGBB.
var ErrInvalidHexFormat = errors.New("invalid hex color format, expected #RRGGBB")

// IsValidHexColor validates that a color string is in valid #RRGGBB format.
func IsValidHexColor(color string) bool {
	return hexColorPattern.MatchString(color)
}

// ValidateHexColor validates a hex color and returns an error if invalid.
func ValidateHexColor(color string) error {
	if !IsValidHexColor(color) {
		return fmt.Errorf("%w: got %q", ErrInvalidHexFormat, color)
	}
	return nil
}

// Sanitize cleans a color string received from a peer broadcast. Returns
// the color if valid, or empty string if invalid.
func Sanitize(color string) string {
	sanitized := html.EscapeString(strings.TrimSpace(color))
	if !IsValidHexColor(sanitized) {
		return ""
	}
	return sanitized
}

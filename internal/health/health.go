// Package health provides health checks for the daemon's external
// dependencies, reported through the control API.
package health

import "context"

// Checker is a single dependency health check.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

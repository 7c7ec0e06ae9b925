package health

import (
	"context"
	"database/sql"
)

// DBChecker checks the trust circle database.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a health checker around an open database handle.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (c *DBChecker) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

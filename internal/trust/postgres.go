package trust

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nearcast/nearcast/internal/tracing"
)

// PostgresStore persists the trust circle in the trust_circle table so
// tier assignments survive restarts. Lookups fail closed: any query
// error resolves the peer to public rather than surfacing a tier.
type PostgresStore struct {
	db      *sql.DB
	logger  *slog.Logger
	timeout time.Duration
}

// NewPostgresStore creates a PostgresStore backed by the given database.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:      db,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// TrustLevel returns the tier assigned to a peer and whether one is set.
// Query errors are logged and reported as "not set" (fail-closed).
func (s *PostgresStore) TrustLevel(peer string) (Tier, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx, endSpan := tracing.StartDBSpan(ctx, "trust_circle", tracing.DBOperationQuery)

	var name string
	query := `SELECT tier FROM trust_circle WHERE peer_identity = $1`
	err := s.db.QueryRowContext(ctx, query, peer).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			// No row is the normal "untrusted peer" outcome, not a span error.
			endSpan(nil)
		} else {
			endSpan(err)
			s.logger.Warn("trust level lookup failed, resolving to public",
				slog.String("peer", peer),
				slog.String("error", err.Error()))
		}
		return TierPublic, false
	}
	endSpan(nil)

	tier, err := ParseTier(name)
	if err != nil {
		s.logger.Warn("stored trust tier is invalid, resolving to public",
			slog.String("peer", peer),
			slog.String("tier", name))
		return TierPublic, false
	}
	return tier, true
}

// SetTrustLevel upserts the peer's tier.
func (s *PostgresStore) SetTrustLevel(peer string, tier Tier) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx, endSpan := tracing.StartDBSpan(ctx, "trust_circle", tracing.DBOperationUpsert)

	query := `INSERT INTO trust_circle (peer_identity, tier, updated_at)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (peer_identity)
	          DO UPDATE SET tier = EXCLUDED.tier, updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, peer, tier.String())
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to set trust level: %w", err)
	}
	return nil
}

// RemoveTrustLevel deletes the peer's entry.
func (s *PostgresStore) RemoveTrustLevel(peer string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx, endSpan := tracing.StartDBSpan(ctx, "trust_circle", tracing.DBOperationDelete)

	query := `DELETE FROM trust_circle WHERE peer_identity = $1`
	_, err := s.db.ExecContext(ctx, query, peer)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to remove trust level: %w", err)
	}
	return nil
}

package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"scenefit/internal/domain"
)

// UsageRepositoryPG implements domain.UsageRepository using PostgreSQL.
type UsageRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewUsageRepository constructs the repository.
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepositoryPG {
	return &UsageRepositoryPG{pool: pool}
}

// InsertEvent appends one usage event. Events are analytics, not state: the
// caller treats failures as non-fatal.
func (r *UsageRepositoryPG) InsertEvent(ctx context.Context, event domain.UsageEvent) error {
	query := `
INSERT INTO usage_events (owner_id, job_id, event_type, kind, success, latency_ms, country, locale)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, query,
		event.OwnerID,
		event.JobID,
		event.EventType,
		event.Kind,
		event.Success,
		event.LatencyMS,
		event.Country,
		event.Locale,
	)
	return err
}

var _ domain.UsageRepository = (*UsageRepositoryPG)(nil)

// Package quota enforces per-owner daily generation ceilings. Reservation is
// a single atomic increment so concurrent submissions cannot double-spend the
// last unit, and the guard fails closed when the counter store is down: quota
// is a cost-control boundary, so an outage denies rather than allows.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scenefit/internal/domain"
)

// Decision is the outcome of a reservation attempt.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// CounterStore is the atomic counter backend for daily usage.
type CounterStore interface {
	// Increment atomically bumps the counter and returns the new value.
	// The key expires at expireAt so prior-day counters prune themselves.
	Increment(ctx context.Context, key string, expireAt time.Time) (int64, error)
	// Decrement gives back one unit (used when an increment overshot the
	// ceiling or when job creation failed after a reservation).
	Decrement(ctx context.Context, key string) error
	// AddCost accrues fractional cost onto a per-day key.
	AddCost(ctx context.Context, key string, amount float64, expireAt time.Time) error
}

// Guard performs check-and-reserve quota decisions.
type Guard struct {
	counters CounterStore
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGuard builds a guard on top of a counter store.
func NewGuard(counters CounterStore, logger zerolog.Logger) *Guard {
	return &Guard{
		counters: counters,
		logger:   logger.With().Str("component", "quota_guard").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func dayKey(ownerID string, kind domain.JobKind, day string) string {
	return fmt.Sprintf("quota:%s:%s:%s", ownerID, kind, day)
}

func costKey(ownerID, day string) string {
	return fmt.Sprintf("quota:%s:cost:%s", ownerID, day)
}

func (g *Guard) window() (day string, resetAt time.Time) {
	now := g.now().UTC()
	day = now.Format("2006-01-02")
	resetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return day, resetAt
}

// CheckAndReserve consumes one unit of today's quota for the owner/kind pair.
// On Allowed=false no unit is spent and the caller must reject the submission
// before creating a job.
func (g *Guard) CheckAndReserve(ctx context.Context, ownerID string, tier domain.Tier, kind domain.JobKind) (Decision, error) {
	ceiling := tier.DailyCeiling(kind)
	if ceiling <= 0 {
		return Decision{}, domain.ErrUnsupportedTier
	}
	day, resetAt := g.window()
	key := dayKey(ownerID, kind, day)

	count, err := g.counters.Increment(ctx, key, resetAt)
	if err != nil {
		g.logger.Error().Err(err).Str("owner_id", ownerID).Msg("counter store unreachable, denying")
		return Decision{Allowed: false, ResetAt: resetAt}, fmt.Errorf("%w: %w", domain.ErrQuotaStoreDown, err)
	}
	if count > int64(ceiling) {
		if derr := g.counters.Decrement(ctx, key); derr != nil {
			g.logger.Warn().Err(derr).Str("owner_id", ownerID).Msg("overshoot give-back failed")
		}
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: ceiling - int(count), ResetAt: resetAt}, nil
}

// Release refunds a reservation when job creation failed after the quota was
// already spent.
func (g *Guard) Release(ctx context.Context, ownerID string, kind domain.JobKind) {
	day, _ := g.window()
	if err := g.counters.Decrement(ctx, dayKey(ownerID, kind, day)); err != nil {
		g.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("quota release failed")
	}
}

// RecordCost accrues the completed job's cost onto today's counter.
func (g *Guard) RecordCost(ctx context.Context, ownerID string, cost float64) {
	if cost <= 0 {
		return
	}
	day, resetAt := g.window()
	if err := g.counters.AddCost(ctx, costKey(ownerID, day), cost, resetAt.Add(24*time.Hour)); err != nil {
		g.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("cost accrual failed")
	}
}

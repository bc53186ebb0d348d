package engine

import (
	"context"
	"time"

	"weex-arena-bot/internal/database"
)

// PortfolioSource adapts the repository and the snapshot cache to the
// circuit breaker's drawdown inputs: live values from Postgres, historical
// lookups served by Redis first with the database as the durable fallback.
type PortfolioSource struct {
	repo      *database.Repository
	snapshots *database.SnapshotStore
}

// NewPortfolioSource creates the adapter. snapshots may be nil.
func NewPortfolioSource(repo *database.Repository, snapshots *database.SnapshotStore) *PortfolioSource {
	return &PortfolioSource{repo: repo, snapshots: snapshots}
}

// TotalValue returns the current combined portfolio value
func (p *PortfolioSource) TotalValue(ctx context.Context) (float64, error) {
	return p.repo.TotalPortfolioValue(ctx)
}

// ValueAt returns the snapshot nearest to t, preferring the cache
func (p *PortfolioSource) ValueAt(ctx context.Context, t time.Time) (float64, bool, error) {
	if p.snapshots != nil {
		value, ok, err := p.snapshots.ValueAt(ctx, t)
		if err == nil && ok {
			return value, true, nil
		}
	}
	return p.repo.SnapshotAt(ctx, t)
}

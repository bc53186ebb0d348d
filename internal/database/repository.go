package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides the narrow data access contract the trading loop
// depends on: trade inserts, portfolio aggregate updates and value
// snapshots. Any store satisfying these operations would do.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// GetOrCreatePortfolio loads an analyst's portfolio, creating it with the
// given initial balance on first sight.
func (r *Repository) GetOrCreatePortfolio(ctx context.Context, analystID string, initialBalance float64) (*Portfolio, error) {
	p := &Portfolio{}
	query := `
		SELECT id, analyst_id, balance, initial_balance, total_trades, won_trades,
		       total_value, return_pct, created_at, updated_at
		FROM portfolios
		WHERE analyst_id = $1
	`
	err := r.db.Pool.QueryRow(ctx, query, analystID).Scan(
		&p.ID, &p.AnalystID, &p.Balance, &p.InitialBalance, &p.TotalTrades,
		&p.WonTrades, &p.TotalValue, &p.ReturnPct, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load portfolio %s: %w", analystID, err)
	}

	insert := `
		INSERT INTO portfolios (analyst_id, balance, initial_balance, total_value, return_pct)
		VALUES ($1, $2, $2, $2, 0)
		RETURNING id, analyst_id, balance, initial_balance, total_trades, won_trades,
		          total_value, return_pct, created_at, updated_at
	`
	err = r.db.Pool.QueryRow(ctx, insert, analystID, initialBalance).Scan(
		&p.ID, &p.AnalystID, &p.Balance, &p.InitialBalance, &p.TotalTrades,
		&p.WonTrades, &p.TotalValue, &p.ReturnPct, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create portfolio %s: %w", analystID, err)
	}
	return p, nil
}

// InsertTrade records an executed trade
func (r *Repository) InsertTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = TradeStatusExecuted
	}
	query := `
		INSERT INTO trades (portfolio_id, analyst_id, symbol, side, size, price, leverage, order_id, status, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.PortfolioID, trade.AnalystID, trade.Symbol, trade.Side, trade.Size,
		trade.Price, trade.Leverage, trade.OrderID, trade.Status, trade.ExecutedAt,
	).Scan(&trade.ID, &trade.CreatedAt)
}

// UpdatePortfolio persists the rolled-up aggregate fields for one analyst
func (r *Repository) UpdatePortfolio(ctx context.Context, p *Portfolio) error {
	query := `
		UPDATE portfolios
		SET balance = $2, total_trades = $3, won_trades = $4, total_value = $5,
		    return_pct = $6, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query,
		p.ID, p.Balance, p.TotalTrades, p.WonTrades, p.TotalValue, p.ReturnPct)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", p.AnalystID, err)
	}
	return nil
}

// SaveSnapshot records the combined portfolio value
func (r *Repository) SaveSnapshot(ctx context.Context, totalValue float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots (total_value) VALUES ($1)`, totalValue)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// SnapshotAt returns the newest snapshot taken at or before t, ok=false
// when none exists.
func (r *Repository) SnapshotAt(ctx context.Context, t time.Time) (float64, bool, error) {
	var value float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT total_value FROM portfolio_snapshots
		WHERE taken_at <= $1
		ORDER BY taken_at DESC
		LIMIT 1
	`, t).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load snapshot: %w", err)
	}
	return value, true, nil
}

// TotalPortfolioValue sums the persisted total value across all analysts
func (r *Repository) TotalPortfolioValue(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_value), 0) FROM portfolios`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum portfolio values: %w", err)
	}
	return total, nil
}

// LeaderboardRows returns all portfolios ordered by return
func (r *Repository) LeaderboardRows(ctx context.Context) ([]Portfolio, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, analyst_id, balance, initial_balance, total_trades, won_trades,
		       total_value, return_pct, created_at, updated_at
		FROM portfolios
		ORDER BY return_pct DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	defer rows.Close()

	var portfolios []Portfolio
	for rows.Next() {
		var p Portfolio
		if err := rows.Scan(
			&p.ID, &p.AnalystID, &p.Balance, &p.InitialBalance, &p.TotalTrades,
			&p.WonTrades, &p.TotalValue, &p.ReturnPct, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		portfolios = append(portfolios, p)
	}
	return portfolios, rows.Err()
}

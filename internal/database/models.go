package database

import "time"

// Portfolio is the persisted aggregate for one analyst
type Portfolio struct {
	ID             int64     `json:"id"`
	AnalystID      string    `json:"analyst_id"`
	Balance        float64   `json:"balance"`
	InitialBalance float64   `json:"initial_balance"`
	TotalTrades    int       `json:"total_trades"`
	WonTrades      int       `json:"won_trades"`
	TotalValue     float64   `json:"total_value"`
	ReturnPct      float64   `json:"return_pct"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Trade statuses
const (
	TradeStatusExecuted = "EXECUTED"
	TradeStatusClosed   = "CLOSED"
	// TradeStatusReconcile marks an exchange-confirmed action whose
	// persistence failed; it needs manual reconciliation, not a retry.
	TradeStatusReconcile = "NEEDS_RECONCILIATION"
)

// Trade is one executed trade record
type Trade struct {
	ID          int64     `json:"id"`
	PortfolioID int64     `json:"portfolio_id"`
	AnalystID   string    `json:"analyst_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	Leverage    int       `json:"leverage"`
	OrderID     string    `json:"order_id"`
	Status      string    `json:"status"`
	ExecutedAt  time.Time `json:"executed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is one timestamped combined portfolio value
type Snapshot struct {
	ID         int64     `json:"id"`
	TotalValue float64   `json:"total_value"`
	TakenAt    time.Time `json:"taken_at"`
}

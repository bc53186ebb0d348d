package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/events"
)

// emergencyCloseAll closes every open position after a RED alert. Each
// position gets bounded retries with exponential backoff; successes and
// failures are recorded individually and reported in one aggregate event.
func (e *Engine) emergencyCloseAll(ctx context.Context) {
	positions, err := e.exchange.GetAllPositions(ctx)
	if err != nil {
		e.logger.Error("emergency close: could not list positions", "error", err)
		e.bus.PublishError("engine", "emergency close could not list positions", err)
		return
	}
	if len(positions) == 0 {
		e.logger.Info("emergency close: no open positions")
		return
	}

	maxRetries := e.cfg.MaxCloseRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	closed := make([]string, 0, len(positions))
	failed := make([]map[string]interface{}, 0)

	for _, pos := range positions {
		err := e.closeWithRetries(ctx, pos.Symbol, maxRetries)
		if err != nil {
			failed = append(failed, map[string]interface{}{
				"symbol": pos.Symbol,
				"error":  err.Error(),
			})
			e.logger.Error("emergency close failed for position",
				"symbol", pos.Symbol, "attempts", maxRetries, "error", err)
			continue
		}
		closed = append(closed, pos.Symbol)
		e.logger.Info("position closed", "symbol", pos.Symbol, "size", pos.Size)
		e.recordEmergencyClose(ctx, pos.Symbol)
	}

	e.clearClosedPositions(closed)

	e.bus.Emit(events.EventEmergencyClose, map[string]interface{}{
		"closed": closed,
		"failed": failed,
		"total":  len(positions),
	})
	e.logger.Warn("emergency close completed",
		"closed", len(closed), "failed", len(failed), "total", len(positions))
}

// closeWithRetries attempts one symbol's close up to maxAttempts times
func (e *Engine) closeWithRetries(ctx context.Context, symbol string, maxAttempts int) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second

	retryable := backoff.WithMaxRetries(policy, uint64(maxAttempts-1))
	return backoff.Retry(func() error {
		return e.exchange.CloseAllPositions(ctx, symbol)
	}, backoff.WithContext(retryable, ctx))
}

// recordEmergencyClose persists the close for every analyst tracking the
// symbol. The close already happened on the exchange: a persistence
// failure here is flagged for manual reconciliation and never retried as
// if the close itself failed.
func (e *Engine) recordEmergencyClose(ctx context.Context, symbol string) {
	e.mu.Lock()
	states := make([]*AnalystState, 0, len(e.analysts))
	for _, s := range e.analysts {
		states = append(states, s)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, a := range states {
		a.mu.Lock()
		var holds bool
		var pos database.Trade
		for _, p := range a.OpenPositions {
			if p.Symbol == symbol {
				holds = true
				pos = database.Trade{
					PortfolioID: a.PortfolioID,
					AnalystID:   a.ID,
					Symbol:      symbol,
					Side:        fmt.Sprintf("CLOSE_%s", p.Side),
					Size:        p.Size,
					Price:       p.EntryPrice,
					Leverage:    p.Leverage,
					Status:      database.TradeStatusClosed,
					ExecutedAt:  now,
				}
				break
			}
		}
		a.mu.Unlock()

		if !holds {
			continue
		}
		if err := e.store.InsertTrade(ctx, &pos); err != nil {
			e.logger.Error("emergency close not persisted: flagging for reconciliation",
				"analyst", a.ID, "symbol", symbol, "error", err)
			e.bus.Emit(events.EventReconcileNeeded, map[string]interface{}{
				"analyst_id": a.ID,
				"symbol":     symbol,
				"status":     database.TradeStatusReconcile,
				"kind":       "emergency_close",
			})
			e.exchange.UploadAuditLog(ctx, map[string]interface{}{
				"kind":       "emergency_close",
				"analyst_id": a.ID,
				"symbol":     symbol,
				"status":     database.TradeStatusReconcile,
			})
		}
	}
}

// clearClosedPositions drops successfully closed symbols from every
// analyst's optimistic position list, returning the freed margin to the
// local balance.
func (e *Engine) clearClosedPositions(closedSymbols []string) {
	if len(closedSymbols) == 0 {
		return
	}
	closed := make(map[string]bool, len(closedSymbols))
	for _, s := range closedSymbols {
		closed[s] = true
	}

	e.mu.Lock()
	states := make([]*AnalystState, 0, len(e.analysts))
	for _, s := range e.analysts {
		states = append(states, s)
	}
	e.mu.Unlock()

	for _, a := range states {
		a.mu.Lock()
		kept := a.OpenPositions[:0]
		for _, p := range a.OpenPositions {
			if closed[p.Symbol] && p.Leverage > 0 {
				a.Balance += p.Size * p.EntryPrice / float64(p.Leverage)
				continue
			}
			kept = append(kept, p)
		}
		a.OpenPositions = kept
		a.mu.Unlock()
	}
}

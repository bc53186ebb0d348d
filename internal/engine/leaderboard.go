package engine

import (
	"context"
	"math"

	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/weex"
)

// updateLeaderboard recomputes every analyst's total value from live
// market prices and persists the rolled-up figures. Best-effort with
// per-analyst isolation: one failed update never blocks the others.
func (e *Engine) updateLeaderboard(ctx context.Context, market map[string]marketSnapshot) {
	e.mu.Lock()
	states := make([]*AnalystState, 0, len(e.analysts))
	for _, s := range e.analysts {
		states = append(states, s)
	}
	e.mu.Unlock()

	var combined float64
	updated := 0

	for _, a := range states {
		totalValue, ok := e.analystTotalValue(a, market)
		if !ok {
			continue
		}
		combined += totalValue

		a.mu.Lock()
		portfolio := database.Portfolio{
			ID:          a.PortfolioID,
			AnalystID:   a.ID,
			Balance:     a.Balance,
			TotalTrades: a.TotalTrades,
			WonTrades:   a.WonTrades,
			TotalValue:  totalValue,
		}
		a.mu.Unlock()

		if e.cfg.InitialBalance > 0 {
			portfolio.ReturnPct = (totalValue - e.cfg.InitialBalance) / e.cfg.InitialBalance * 100
		}

		if err := e.store.UpdatePortfolio(ctx, &portfolio); err != nil {
			e.logger.Warn("leaderboard update failed for analyst", "analyst", a.ID, "error", err)
			continue
		}
		updated++
	}

	if err := e.store.SaveSnapshot(ctx, combined); err != nil {
		e.logger.Warn("portfolio snapshot not persisted", "error", err)
	}
	if e.snapshots != nil {
		if err := e.snapshots.Save(ctx, combined); err != nil {
			e.logger.Warn("portfolio snapshot not cached", "error", err)
		}
	}

	e.bus.Emit(events.EventLeaderboardUpdated, map[string]interface{}{
		"total_value": combined,
		"analysts":    updated,
	})
}

// analystTotalValue computes balance plus locked margin plus unrealized
// P&L across the analyst's open positions. All arithmetic is guarded
// against non-finite results; a poisoned value skips the analyst rather
// than persisting garbage.
func (e *Engine) analystTotalValue(a *AnalystState, market map[string]marketSnapshot) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.Balance
	for _, pos := range a.OpenPositions {
		if pos.Leverage > 0 {
			total += pos.Size * pos.EntryPrice / float64(pos.Leverage)
		}
		snap, ok := market[pos.Symbol]
		if !ok || snap.Ticker == nil || snap.Ticker.Last <= 0 {
			continue
		}
		total += unrealizedPnL(pos, snap.Ticker.Last)
	}

	if math.IsNaN(total) || math.IsInf(total, 0) {
		e.logger.Error("non-finite portfolio value, skipping analyst",
			"analyst", a.ID, "balance", a.Balance, "positions", len(a.OpenPositions))
		return 0, false
	}
	return total, true
}

// unrealizedPnL returns the mark-to-market P&L of one position, zero when
// the inputs would produce a non-finite result.
func unrealizedPnL(pos weex.Position, lastPrice float64) float64 {
	var pnl float64
	switch pos.Side {
	case weex.PositionLong:
		pnl = (lastPrice - pos.EntryPrice) * pos.Size
	case weex.PositionShort:
		pnl = (pos.EntryPrice - lastPrice) * pos.Size
	}
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return 0
	}
	return pnl
}

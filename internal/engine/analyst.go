package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"weex-arena-bot/internal/circuit"
	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/decision"
	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/weex"
)

// AnalystState is the mutable per-analyst trading state. Mutated only by
// the owning cycle iteration under the advisory lock; read by the
// leaderboard and status API under mu.
type AnalystState struct {
	ID          string
	PortfolioID int64

	mu            sync.Mutex
	Balance       float64
	OpenPositions []weex.Position
	LastTradeTime time.Time
	TotalTrades   int
	WonTrades     int

	// busy is the per-entity advisory lock: two concurrent cycles for the
	// same analyst never both pass it
	busy atomic.Bool
}

func newAnalystState(p *database.Portfolio) *AnalystState {
	return &AnalystState{
		ID:          p.AnalystID,
		PortfolioID: p.ID,
		Balance:     p.Balance,
		TotalTrades: p.TotalTrades,
		WonTrades:   p.WonTrades,
	}
}

// tryLock acquires the advisory lock, false when another cycle holds it
func (a *AnalystState) tryLock() bool {
	return a.busy.CompareAndSwap(false, true)
}

func (a *AnalystState) unlock() {
	a.busy.Store(false)
}

// Summary returns the analyst's state for the status API
func (a *AnalystState) Summary() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	winRate := 0.0
	if a.TotalTrades > 0 {
		winRate = float64(a.WonTrades) / float64(a.TotalTrades) * 100
	}
	return map[string]interface{}{
		"id":             a.ID,
		"balance":        a.Balance,
		"open_positions": len(a.OpenPositions),
		"total_trades":   a.TotalTrades,
		"win_rate":       winRate,
		"last_trade":     a.LastTradeTime,
	}
}

// runAnalystCycle runs one analyst's gated decision flow: advisory lock,
// cooldown, balance floor, external decision, margin check, execution.
func (e *Engine) runAnalystCycle(ctx context.Context, a *AnalystState, market map[string]marketSnapshot, status *circuit.Status, report *CycleReport) {
	if !a.tryLock() {
		e.logger.Debug("analyst cycle already in flight, skipping", "analyst", a.ID)
		return
	}
	defer a.unlock()

	a.mu.Lock()
	balance := a.Balance
	sinceLast := time.Since(a.LastTradeTime)
	lastZero := a.LastTradeTime.IsZero()
	openCount := len(a.OpenPositions)
	a.mu.Unlock()

	if !lastZero && sinceLast < e.cfg.MinTradeInterval() {
		e.logger.Debug("analyst in cooldown", "analyst", a.ID, "since_last", sinceLast)
		return
	}
	if balance < e.cfg.MinBalanceToTrade {
		e.logger.Debug("analyst below balance floor", "analyst", a.ID, "balance", balance)
		return
	}
	if e.provider == nil {
		return
	}

	tradeCtx := decision.TradeContext{
		AnalystID:        a.ID,
		Balance:          balance,
		OpenPositions:    openCount,
		MaxLeverage:      status.MaxLeverage,
		RestrictionLevel: status.LevelName,
		Market:           marketViews(market),
	}

	d, err := e.provider.Decide(ctx, tradeCtx)
	if err != nil {
		report.addError("decision for %s: %v", a.ID, err)
		e.logger.Warn("decision provider failed", "analyst", a.ID, "error", err)
		return
	}
	if !d.ShouldTrade {
		e.logger.Debug("analyst decided not to trade", "analyst", a.ID)
		return
	}
	if !d.Complete() {
		e.logger.Warn("incomplete trade decision ignored", "analyst", a.ID, "symbol", d.Order.Symbol)
		return
	}
	if d.Analysis.Confidence < e.cfg.MinConfidence {
		e.logger.Info("decision below confidence floor",
			"analyst", a.ID, "confidence", d.Analysis.Confidence, "floor", e.cfg.MinConfidence)
		return
	}

	snap, ok := market[d.Order.Symbol]
	if !ok || snap.Ticker == nil || snap.Ticker.Last <= 0 {
		report.addError("no market data for decided symbol %s", d.Order.Symbol)
		return
	}
	price := snap.Ticker.Last

	leverage := d.RiskManagement.Leverage
	if status.MaxLeverage > 0 && leverage > status.MaxLeverage {
		e.logger.Info("leverage capped by risk level",
			"analyst", a.ID, "requested", leverage, "cap", status.MaxLeverage)
		leverage = status.MaxLeverage
	}
	sizePct := d.RiskManagement.PositionSizePercent
	if sizePct > e.cfg.MaxPositionSizePercent {
		sizePct = e.cfg.MaxPositionSizePercent
	}

	requiredMargin := balance * sizePct / 100
	if !e.checkMargin(ctx, a, d.Order.Symbol, requiredMargin) {
		return
	}

	notional := requiredMargin * float64(leverage)
	size := notional / price

	e.executeTrade(ctx, a, d, price, size, requiredMargin, leverage, report)
}

// checkMargin verifies the required margin fits within the safety fraction
// of available balance net of existing positions' estimated margin usage.
// A rejection emits a structured event carrying the exact figures used.
func (e *Engine) checkMargin(ctx context.Context, a *AnalystState, symbol string, requiredMargin float64) bool {
	available, err := e.exchange.GetUSDTAvailable(ctx)
	if err != nil {
		e.logger.Warn("could not read available margin, refusing trade", "analyst", a.ID, "error", err)
		return false
	}

	positions, err := e.exchange.GetAllPositions(ctx)
	if err != nil {
		e.logger.Warn("could not read open positions, refusing trade", "analyst", a.ID, "error", err)
		return false
	}

	existingMargin := estimatedMarginInUse(positions)
	headroom := (available - existingMargin) * e.cfg.MarginSafetyFraction

	if requiredMargin > headroom {
		e.bus.PublishMarginRejection(a.ID, symbol, requiredMargin, available, existingMargin)
		e.logger.Warn("trade rejected: insufficient margin",
			"analyst", a.ID, "symbol", symbol,
			"required", requiredMargin, "available", available, "existing", existingMargin)
		return false
	}
	return true
}

// estimatedMarginInUse sums each position's margin from its own reported
// leverage. Positions carrying the assumed-average fallback are estimates,
// which is why the final check applies a safety fraction on top.
func estimatedMarginInUse(positions []weex.Position) float64 {
	var total float64
	for _, pos := range positions {
		if pos.Leverage <= 0 {
			continue
		}
		total += pos.Size * pos.EntryPrice / float64(pos.Leverage)
	}
	return total
}

// executeTrade places the order and updates bookkeeping optimistically.
// Real settlement reconciliation is a known simplification handled
// downstream, not here.
func (e *Engine) executeTrade(ctx context.Context, a *AnalystState, d *decision.Decision, price, size, margin float64, leverage int, report *CycleReport) {
	var posSide weex.PositionSide
	var orderSide weex.OrderSide
	if d.Order.Side == "LONG" {
		posSide = weex.PositionLong
		orderSide = weex.OrderOpenLong
	} else {
		posSide = weex.PositionShort
		orderSide = weex.OrderOpenShort
	}

	orderID := "dry-run-" + uuid.NewString()
	if e.cfg.DryRun {
		e.logger.Info("dry run: order not sent",
			"analyst", a.ID, "symbol", d.Order.Symbol, "side", d.Order.Side,
			"size", size, "price", price, "leverage", leverage)
	} else {
		result, err := e.exchange.PlaceOrder(ctx, weex.OrderRequest{
			Symbol:   d.Order.Symbol,
			Side:     orderSide,
			Size:     size,
			Leverage: leverage,
		})
		if err != nil {
			report.addError("order for %s on %s: %v", a.ID, d.Order.Symbol, err)
			e.logger.Error("order placement failed",
				"analyst", a.ID, "symbol", d.Order.Symbol, "error", err)
			return
		}
		orderID = result.OrderID
	}

	now := time.Now()
	a.mu.Lock()
	a.Balance -= margin
	a.OpenPositions = append(a.OpenPositions, weex.Position{
		Symbol:     d.Order.Symbol,
		Side:       posSide,
		Size:       size,
		EntryPrice: price,
		Leverage:   leverage,
	})
	a.TotalTrades++
	a.LastTradeTime = now
	a.mu.Unlock()

	trade := &database.Trade{
		PortfolioID: a.PortfolioID,
		AnalystID:   a.ID,
		Symbol:      d.Order.Symbol,
		Side:        d.Order.Side,
		Size:        size,
		Price:       price,
		Leverage:    leverage,
		OrderID:     orderID,
		Status:      database.TradeStatusExecuted,
		ExecutedAt:  now,
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		// The order is live on the exchange; never retry the trade itself.
		// Flag for manual reconciliation and ship an audit record.
		e.logger.Error("trade persisted nowhere: flagging for reconciliation",
			"analyst", a.ID, "symbol", d.Order.Symbol, "order_id", orderID, "error", err)
		e.bus.Emit(events.EventReconcileNeeded, map[string]interface{}{
			"analyst_id": a.ID,
			"symbol":     d.Order.Symbol,
			"order_id":   orderID,
			"status":     database.TradeStatusReconcile,
		})
		e.exchange.UploadAuditLog(ctx, map[string]interface{}{
			"kind":       "trade",
			"analyst_id": a.ID,
			"symbol":     d.Order.Symbol,
			"order_id":   orderID,
			"status":     database.TradeStatusReconcile,
		})
	}

	report.addTrade()
	e.bus.PublishTradeExecuted(a.ID, d.Order.Symbol, d.Order.Side, size, price, leverage)
	e.logger.Info("trade executed",
		"analyst", a.ID, "symbol", d.Order.Symbol, "side", d.Order.Side,
		"size", size, "price", price, "leverage", leverage,
		"confidence", d.Analysis.Confidence, "dry_run", e.cfg.DryRun)
}

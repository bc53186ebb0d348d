// Package engine drives the autonomous trading loop: repeated cycles that
// fetch market data, consult the risk circuit breaker, run every analyst's
// decision flow, and keep the leaderboard current.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"weex-arena-bot/config"
	"weex-arena-bot/internal/circuit"
	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/decision"
	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/logging"
	"weex-arena-bot/internal/weex"
)

// stopGraceTimeout bounds how long Stop waits for an in-flight cycle
// before forcing teardown.
const stopGraceTimeout = 30 * time.Second

// Exchange is the slice of the gateway the engine consumes
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (*weex.Ticker, error)
	GetFundingRate(ctx context.Context, symbol string) (*weex.FundingRate, error)
	GetAllPositions(ctx context.Context) ([]weex.Position, error)
	GetUSDTAvailable(ctx context.Context) (float64, error)
	PlaceOrder(ctx context.Context, req weex.OrderRequest) (*weex.OrderResult, error)
	CloseAllPositions(ctx context.Context, symbol string) error
	UploadAuditLog(ctx context.Context, record map[string]interface{})
}

// RiskGate is consulted before any trading in a cycle
type RiskGate interface {
	Check(ctx context.Context) *circuit.Status
}

// DecisionProvider produces trade decisions and tournament debates
type DecisionProvider interface {
	Decide(ctx context.Context, tradeCtx decision.TradeContext) (*decision.Decision, error)
	Debate(ctx context.Context, analysts []string, market []decision.SymbolView) (*decision.DebateResult, error)
}

// Store is the persistence contract the engine depends on
type Store interface {
	GetOrCreatePortfolio(ctx context.Context, analystID string, initialBalance float64) (*database.Portfolio, error)
	InsertTrade(ctx context.Context, trade *database.Trade) error
	UpdatePortfolio(ctx context.Context, p *database.Portfolio) error
	SaveSnapshot(ctx context.Context, totalValue float64) error
}

// SnapshotSink receives portfolio value snapshots for the risk checks
type SnapshotSink interface {
	Save(ctx context.Context, totalValue float64) error
}

// marketSnapshot is one symbol's per-cycle market view
type marketSnapshot struct {
	Ticker  *weex.Ticker
	Funding *weex.FundingRate
}

// CycleReport is the write-once record of one loop iteration
type CycleReport struct {
	CycleNumber     int       `json:"cycle_number"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	SymbolsAnalyzed []string  `json:"symbols_analyzed"`
	TradesExecuted  int       `json:"trades_executed"`
	DebatesRun      int       `json:"debates_run"`
	Errors          []string  `json:"errors"`

	mu sync.Mutex
}

func (r *CycleReport) addError(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *CycleReport) addTrade() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TradesExecuted++
}

// Engine is the coordinating trading loop process
type Engine struct {
	exchange  Exchange
	risk      RiskGate
	provider  DecisionProvider
	store     Store
	snapshots SnapshotSink
	bus       *events.Bus
	logger    *logging.Logger
	cfg       config.TradingConfig
	policy    SchedulePolicy

	mu         sync.Mutex
	analysts   map[string]*AnalystState
	running    bool
	cycleCount int
	lastReport *CycleReport
	lastStatus *circuit.Status

	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine creates a trading engine
func NewEngine(
	exchange Exchange,
	risk RiskGate,
	provider DecisionProvider,
	store Store,
	snapshots SnapshotSink,
	cfg config.TradingConfig,
	policy SchedulePolicy,
	bus *events.Bus,
	logger *logging.Logger,
) *Engine {
	if policy == nil {
		policy = ActivityPolicy{}
	}
	return &Engine{
		exchange:  exchange,
		risk:      risk,
		provider:  provider,
		store:     store,
		snapshots: snapshots,
		cfg:       cfg,
		policy:    policy,
		bus:       bus,
		logger:    logger.WithComponent("engine"),
		analysts:  make(map[string]*AnalystState),
	}
}

// Start initializes the analysts and launches the trading loop. A partial
// initialization failure skips the failed analyst; only zero initialized
// analysts is fatal.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.initAnalysts(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		return err
	}

	e.wg.Add(1)
	go e.run(ctx)

	e.bus.Emit(events.EventEngineStarted, map[string]interface{}{
		"analysts": len(e.analysts),
		"dry_run":  e.cfg.DryRun,
	})
	e.logger.Info("trading engine started",
		"analysts", len(e.analysts), "symbols", len(e.cfg.Symbols), "dry_run", e.cfg.DryRun)
	return nil
}

// Stop signals the loop to finish. The in-flight cycle gets a bounded
// grace period, then the context is cancelled for forced teardown.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGraceTimeout):
		e.logger.Warn("cycle did not finish within grace period, forcing teardown")
		e.cancel()
		<-done
	}
	e.cancel()

	e.bus.Emit(events.EventEngineStopped, nil)
	e.logger.Info("trading engine stopped")
}

// initAnalysts loads or creates every configured analyst's portfolio and
// seeds its state from the live exchange positions.
func (e *Engine) initAnalysts(ctx context.Context) error {
	positions, err := e.exchange.GetAllPositions(ctx)
	if err != nil {
		// Position seeding is best-effort; analysts start flat and the
		// margin checks always consult the live exchange anyway
		e.logger.Warn("could not fetch open positions at startup", "error", err)
		positions = nil
	}

	initialized := 0
	for _, id := range e.cfg.Analysts {
		portfolio, err := e.store.GetOrCreatePortfolio(ctx, id, e.cfg.InitialBalance)
		if err != nil {
			e.logger.Error("analyst initialization failed, skipping", "analyst", id, "error", err)
			continue
		}
		state := newAnalystState(portfolio)
		e.mu.Lock()
		e.analysts[id] = state
		e.mu.Unlock()
		initialized++
		e.logger.Info("analyst initialized",
			"analyst", id, "balance", state.Balance, "total_trades", state.TotalTrades)
	}

	if initialized == 0 {
		return fmt.Errorf("no analysts could be initialized")
	}
	if len(positions) > 0 {
		e.logger.Info("account has open positions at startup", "count", len(positions))
	}
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		report := e.runCycle(ctx)

		e.mu.Lock()
		e.lastReport = report
		e.mu.Unlock()

		// RED cycles sleep like any other; an emergency close must not
		// turn the loop into a hot spin
		delay := e.policy.NextDelay(time.Now(), e.cfg.CycleInterval())
		if !e.sleep(ctx, delay) {
			return
		}
	}
}

// sleep waits for the given delay, returning false when interrupted by
// shutdown.
func (e *Engine) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// runCycle executes one full decide/execute iteration
func (e *Engine) runCycle(ctx context.Context) *CycleReport {
	e.mu.Lock()
	e.cycleCount++
	cycleNumber := e.cycleCount
	e.mu.Unlock()

	report := &CycleReport{
		CycleNumber: cycleNumber,
		StartedAt:   time.Now(),
	}
	e.bus.Emit(events.EventCycleStarted, map[string]interface{}{"cycle": cycleNumber})
	e.logger.Info("cycle started", "cycle", cycleNumber)

	market := e.fetchMarketData(ctx, report)

	status := e.risk.Check(ctx)
	e.mu.Lock()
	e.lastStatus = status
	e.mu.Unlock()

	if status.Level == circuit.LevelRed {
		report.addError("RED alert: %s", status.Reason)
		e.logger.Error("RED risk level, halting trading for this cycle", "reason", status.Reason)
		e.emergencyCloseAll(ctx)
	} else {
		e.runAnalystCycles(ctx, market, status, report)

		if e.provider != nil && e.cfg.DebateEveryNCycles > 0 && cycleNumber%e.cfg.DebateEveryNCycles == 0 {
			e.runDebate(ctx, market, report)
		}
	}

	e.updateLeaderboard(ctx, market)

	report.FinishedAt = time.Now()
	e.bus.Emit(events.EventCycleCompleted, map[string]interface{}{
		"cycle":           report.CycleNumber,
		"trades_executed": report.TradesExecuted,
		"debates_run":     report.DebatesRun,
		"errors":          len(report.Errors),
		"duration_ms":     report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
	e.logger.Info("cycle completed",
		"cycle", report.CycleNumber,
		"trades", report.TradesExecuted,
		"errors", len(report.Errors),
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	return report
}

// fetchMarketData loads ticker and funding rate for every tracked symbol
// concurrently. One symbol's failure never drops the others.
func (e *Engine) fetchMarketData(ctx context.Context, report *CycleReport) map[string]marketSnapshot {
	type result struct {
		symbol string
		snap   marketSnapshot
		err    error
	}

	results := make(chan result, len(e.cfg.Symbols))
	for _, symbol := range e.cfg.Symbols {
		go func(symbol string) {
			ticker, err := e.exchange.GetTicker(ctx, symbol)
			if err != nil {
				results <- result{symbol: symbol, err: err}
				return
			}
			snap := marketSnapshot{Ticker: ticker}
			if funding, err := e.exchange.GetFundingRate(ctx, symbol); err == nil {
				snap.Funding = funding
			} else {
				e.logger.Warn("funding rate fetch failed", "symbol", symbol, "error", err)
			}
			results <- result{symbol: symbol, snap: snap}
		}(symbol)
	}

	market := make(map[string]marketSnapshot, len(e.cfg.Symbols))
	for range e.cfg.Symbols {
		res := <-results
		if res.err != nil {
			report.addError("market data for %s: %v", res.symbol, res.err)
			e.logger.Warn("market data fetch failed", "symbol", res.symbol, "error", res.err)
			continue
		}
		market[res.symbol] = res.snap
		report.mu.Lock()
		report.SymbolsAnalyzed = append(report.SymbolsAnalyzed, res.symbol)
		report.mu.Unlock()
	}
	return market
}

// runAnalystCycles fans the decision flow out across all analysts.
// Analysts are mutually independent; each one's own flow is serialized by
// its advisory lock.
func (e *Engine) runAnalystCycles(ctx context.Context, market map[string]marketSnapshot, status *circuit.Status, report *CycleReport) {
	e.mu.Lock()
	states := make([]*AnalystState, 0, len(e.analysts))
	for _, s := range e.analysts {
		states = append(states, s)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, state := range states {
		wg.Add(1)
		go func(state *AnalystState) {
			defer wg.Done()
			e.runAnalystCycle(ctx, state, market, status, report)
		}(state)
	}
	wg.Wait()
}

// runDebate requests a tournament ranking across all analysts. Failures
// are recorded, never cycle-fatal.
func (e *Engine) runDebate(ctx context.Context, market map[string]marketSnapshot, report *CycleReport) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.analysts))
	for id := range e.analysts {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	result, err := e.provider.Debate(ctx, ids, marketViews(market))
	if err != nil {
		report.addError("debate: %v", err)
		e.logger.Warn("debate failed", "error", err)
		return
	}

	report.mu.Lock()
	report.DebatesRun++
	report.mu.Unlock()

	e.bus.Emit(events.EventDebateCompleted, map[string]interface{}{
		"champion": result.Champion,
		"rankings": result.Rankings,
	})
	e.logger.Info("debate completed", "champion", result.Champion, "participants", len(ids))
}

// marketViews converts the per-cycle snapshots into the provider payload
func marketViews(market map[string]marketSnapshot) []decision.SymbolView {
	views := make([]decision.SymbolView, 0, len(market))
	for symbol, snap := range market {
		view := decision.SymbolView{Symbol: symbol}
		if snap.Ticker != nil {
			view.LastPrice = snap.Ticker.Last
			view.Volume24h = snap.Ticker.Volume24h
			if snap.Ticker.Low24h > 0 {
				view.Change24h = (snap.Ticker.Last - snap.Ticker.Low24h) / snap.Ticker.Low24h * 100
			}
		}
		if snap.Funding != nil {
			view.FundingRate = snap.Funding.Rate
		}
		views = append(views, view)
	}
	return views
}

// GetStatus returns a snapshot of engine state for the status API
func (e *Engine) GetStatus() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	analysts := make([]map[string]interface{}, 0, len(e.analysts))
	for _, s := range e.analysts {
		analysts = append(analysts, s.Summary())
	}

	status := map[string]interface{}{
		"running":     e.running,
		"cycle_count": e.cycleCount,
		"dry_run":     e.cfg.DryRun,
		"analysts":    analysts,
	}
	if e.lastReport != nil {
		status["last_cycle"] = e.lastReport
	}
	if e.lastStatus != nil {
		status["risk_level"] = e.lastStatus.LevelName
	}
	return status
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"weex-arena-bot/config"
	"weex-arena-bot/internal/circuit"
	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/decision"
	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/logging"
	"weex-arena-bot/internal/weex"
)

type mockExchange struct {
	mu            sync.Mutex
	available     float64
	positions     []weex.Position
	tickers       map[string]float64
	placeCalls    int
	placeErr      error
	closeCalls    map[string]int
	closeFailures map[string]int
	auditRecords  []map[string]interface{}
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		available:     100000,
		tickers:       map[string]float64{"cmt_btcusdt": 50000},
		closeCalls:    make(map[string]int),
		closeFailures: make(map[string]int),
	}
}

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (*weex.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	return &weex.Ticker{Symbol: symbol, Last: last}, nil
}

func (m *mockExchange) GetFundingRate(ctx context.Context, symbol string) (*weex.FundingRate, error) {
	return &weex.FundingRate{Symbol: symbol}, nil
}

func (m *mockExchange) GetAllPositions(ctx context.Context) ([]weex.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]weex.Position(nil), m.positions...), nil
}

func (m *mockExchange) GetUSDTAvailable(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, nil
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req weex.OrderRequest) (*weex.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	return &weex.OrderResult{OrderID: fmt.Sprintf("order-%d", m.placeCalls)}, nil
}

func (m *mockExchange) CloseAllPositions(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls[symbol]++
	if m.closeFailures[symbol] > 0 {
		m.closeFailures[symbol]--
		return fmt.Errorf("close rejected")
	}
	return nil
}

func (m *mockExchange) UploadAuditLog(ctx context.Context, record map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditRecords = append(m.auditRecords, record)
}

type mockStore struct {
	mu        sync.Mutex
	insertErr error
	trades    []*database.Trade
	updates   []*database.Portfolio
	snapshots []float64
}

func (m *mockStore) GetOrCreatePortfolio(ctx context.Context, analystID string, initialBalance float64) (*database.Portfolio, error) {
	return &database.Portfolio{ID: 1, AnalystID: analystID, Balance: initialBalance, InitialBalance: initialBalance}, nil
}

func (m *mockStore) InsertTrade(ctx context.Context, trade *database.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockStore) UpdatePortfolio(ctx context.Context, p *database.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, p)
	return nil
}

func (m *mockStore) SaveSnapshot(ctx context.Context, totalValue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, totalValue)
	return nil
}

type mockProvider struct {
	decideCalls atomic.Int64
	decideDelay time.Duration
	decision    *decision.Decision
	decideErr   error
	debateErr   error
}

func (m *mockProvider) Decide(ctx context.Context, tradeCtx decision.TradeContext) (*decision.Decision, error) {
	m.decideCalls.Add(1)
	if m.decideDelay > 0 {
		time.Sleep(m.decideDelay)
	}
	if m.decideErr != nil {
		return nil, m.decideErr
	}
	return m.decision, nil
}

func (m *mockProvider) Debate(ctx context.Context, analysts []string, market []decision.SymbolView) (*decision.DebateResult, error) {
	if m.debateErr != nil {
		return nil, m.debateErr
	}
	return &decision.DebateResult{Champion: analysts[0]}, nil
}

type mockRisk struct {
	status *circuit.Status
}

func (m *mockRisk) Check(ctx context.Context) *circuit.Status {
	return m.status
}

func noneStatus() *circuit.Status {
	return &circuit.Status{Level: circuit.LevelNone, LevelName: "NONE", MaxLeverage: 20}
}

func redStatus() *circuit.Status {
	return &circuit.Status{Level: circuit.LevelRed, LevelName: "RED", Reason: "benchmark dropped 21.0% in 4h"}
}

func testConfig() config.TradingConfig {
	return config.TradingConfig{
		Analysts:                []string{"momentum"},
		Symbols:                 []string{"cmt_btcusdt"},
		InitialBalance:          10000,
		CycleIntervalSeconds:    300,
		MinTradeIntervalSeconds: 0,
		MaxPositionSizePercent:  10,
		MarginSafetyFraction:    0.8,
		MinBalanceToTrade:       100,
		MinConfidence:           0.6,
		MaxCloseRetries:         3,
	}
}

func tradeDecision() *decision.Decision {
	return &decision.Decision{
		ShouldTrade: true,
		Order:       decision.Order{Symbol: "cmt_btcusdt", Side: "LONG"},
		RiskManagement: decision.RiskManagement{
			PositionSizePercent: 5,
			Leverage:            10,
		},
		Analysis: decision.Analysis{Confidence: 0.8},
	}
}

func newTestEngine(exchange Exchange, risk RiskGate, provider DecisionProvider, store Store, cfg config.TradingConfig, bus *events.Bus) *Engine {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	return NewEngine(exchange, risk, provider, store, nil, cfg, FixedPolicy{}, bus, logger)
}

func testMarket() map[string]marketSnapshot {
	return map[string]marketSnapshot{
		"cmt_btcusdt": {Ticker: &weex.Ticker{Symbol: "cmt_btcusdt", Last: 50000}},
	}
}

func waitForEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestAdvisoryLockSerializesAnalystCycles(t *testing.T) {
	provider := &mockProvider{decideDelay: 100 * time.Millisecond, decision: &decision.Decision{}}
	e := newTestEngine(newMockExchange(), &mockRisk{status: noneStatus()}, provider, &mockStore{}, testConfig(), events.NewBus())

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 10000})
	report := &CycleReport{}
	market := testMarket()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runAnalystCycle(context.Background(), state, market, noneStatus(), report)
		}()
	}
	wg.Wait()

	if calls := provider.decideCalls.Load(); calls != 1 {
		t.Errorf("expected exactly one decision for concurrent cycles, got %d", calls)
	}
}

func TestCooldownBlocksBackToBackTrades(t *testing.T) {
	cfg := testConfig()
	cfg.MinTradeIntervalSeconds = 900
	provider := &mockProvider{decision: &decision.Decision{}}
	e := newTestEngine(newMockExchange(), &mockRisk{status: noneStatus()}, provider, &mockStore{}, cfg, events.NewBus())

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 10000})
	state.LastTradeTime = time.Now().Add(-time.Minute)

	e.runAnalystCycle(context.Background(), state, testMarket(), noneStatus(), &CycleReport{})

	if calls := provider.decideCalls.Load(); calls != 0 {
		t.Errorf("expected no decision during cooldown, got %d calls", calls)
	}
}

func TestBalanceFloorBlocksTrading(t *testing.T) {
	provider := &mockProvider{decision: &decision.Decision{}}
	e := newTestEngine(newMockExchange(), &mockRisk{status: noneStatus()}, provider, &mockStore{}, testConfig(), events.NewBus())

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 50})

	e.runAnalystCycle(context.Background(), state, testMarket(), noneStatus(), &CycleReport{})

	if calls := provider.decideCalls.Load(); calls != 0 {
		t.Errorf("expected no decision below balance floor, got %d calls", calls)
	}
}

func TestMarginRejectionCarriesExactFigures(t *testing.T) {
	exchange := newMockExchange()
	exchange.available = 200
	exchange.positions = []weex.Position{
		{Symbol: "cmt_ethusdt", Side: weex.PositionLong, Size: 1, EntryPrice: 1000, Leverage: 10},
	}

	bus := events.NewBus()
	rejections := make(chan events.Event, 1)
	bus.Subscribe(events.EventMarginRejection, func(ev events.Event) { rejections <- ev })

	provider := &mockProvider{decision: tradeDecision()}
	e := newTestEngine(exchange, &mockRisk{status: noneStatus()}, provider, &mockStore{}, testConfig(), bus)

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 10000})
	e.runAnalystCycle(context.Background(), state, testMarket(), noneStatus(), &CycleReport{})

	ev := waitForEvent(t, rejections)
	// 5% of the 10000 balance is 500 required margin; existing position
	// locks 1000/10 = 100, leaving 0.8*(200-100) = 80 of headroom
	if got := ev.Data["required_margin"].(float64); got != 500 {
		t.Errorf("expected required_margin 500, got %v", got)
	}
	if got := ev.Data["available_margin"].(float64); got != 200 {
		t.Errorf("expected available_margin 200, got %v", got)
	}
	if got := ev.Data["existing_margin"].(float64); got != 100 {
		t.Errorf("expected existing_margin 100, got %v", got)
	}
	if exchange.placeCalls != 0 {
		t.Error("rejected trade still reached the exchange")
	}
}

func TestDryRunSkipsExchangeButKeepsBookkeeping(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	exchange := newMockExchange()
	store := &mockStore{}
	provider := &mockProvider{decision: tradeDecision()}
	e := newTestEngine(exchange, &mockRisk{status: noneStatus()}, provider, store, cfg, events.NewBus())

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 10000})
	report := &CycleReport{}
	e.runAnalystCycle(context.Background(), state, testMarket(), noneStatus(), report)

	if exchange.placeCalls != 0 {
		t.Error("dry run placed a real order")
	}
	if report.TradesExecuted != 1 {
		t.Errorf("expected 1 trade recorded, got %d", report.TradesExecuted)
	}
	if len(store.trades) != 1 {
		t.Fatalf("expected 1 persisted trade, got %d", len(store.trades))
	}
	if state.Balance != 10000-500 {
		t.Errorf("expected balance 9500 after locking margin, got %v", state.Balance)
	}
	if len(state.OpenPositions) != 1 {
		t.Errorf("expected 1 optimistic position, got %d", len(state.OpenPositions))
	}
}

func TestLeverageCappedByRiskLevel(t *testing.T) {
	exchange := newMockExchange()
	store := &mockStore{}
	provider := &mockProvider{decision: tradeDecision()} // wants 10x
	e := newTestEngine(exchange, &mockRisk{status: noneStatus()}, provider, store, testConfig(), events.NewBus())

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 10000})
	orangeStatus := &circuit.Status{Level: circuit.LevelOrange, LevelName: "ORANGE", MaxLeverage: 5}
	e.runAnalystCycle(context.Background(), state, testMarket(), orangeStatus, &CycleReport{})

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	if store.trades[0].Leverage != 5 {
		t.Errorf("expected leverage capped at 5, got %d", store.trades[0].Leverage)
	}
}

func TestPersistenceFailureFlagsReconciliation(t *testing.T) {
	exchange := newMockExchange()
	store := &mockStore{insertErr: fmt.Errorf("db down")}
	bus := events.NewBus()
	reconciles := make(chan events.Event, 1)
	bus.Subscribe(events.EventReconcileNeeded, func(ev events.Event) { reconciles <- ev })

	provider := &mockProvider{decision: tradeDecision()}
	e := newTestEngine(exchange, &mockRisk{status: noneStatus()}, provider, store, testConfig(), bus)

	state := newAnalystState(&database.Portfolio{ID: 1, AnalystID: "momentum", Balance: 10000})
	report := &CycleReport{}
	e.runAnalystCycle(context.Background(), state, testMarket(), noneStatus(), report)

	if exchange.placeCalls != 1 {
		t.Fatalf("expected the order to be placed once, got %d", exchange.placeCalls)
	}

	ev := waitForEvent(t, reconciles)
	if ev.Data["status"] != database.TradeStatusReconcile {
		t.Errorf("expected reconciliation status, got %v", ev.Data["status"])
	}

	exchange.mu.Lock()
	audits := len(exchange.auditRecords)
	exchange.mu.Unlock()
	if audits != 1 {
		t.Errorf("expected an audit record for the orphaned trade, got %d", audits)
	}

	// The trade executed on the exchange, so it still counts as executed
	if report.TradesExecuted != 1 {
		t.Errorf("expected trade counted despite persistence failure, got %d", report.TradesExecuted)
	}
}

func TestEmergencyCloseRetriesAndReportsAggregate(t *testing.T) {
	exchange := newMockExchange()
	exchange.positions = []weex.Position{
		{Symbol: "cmt_btcusdt", Side: weex.PositionLong, Size: 0.5, EntryPrice: 50000, Leverage: 10},
	}
	exchange.closeFailures["cmt_btcusdt"] = 1 // first attempt fails

	bus := events.NewBus()
	closes := make(chan events.Event, 1)
	bus.Subscribe(events.EventEmergencyClose, func(ev events.Event) { closes <- ev })

	e := newTestEngine(exchange, &mockRisk{status: redStatus()}, &mockProvider{}, &mockStore{}, testConfig(), bus)

	e.emergencyCloseAll(context.Background())

	if got := exchange.closeCalls["cmt_btcusdt"]; got != 2 {
		t.Errorf("expected 2 close attempts (1 failure + 1 success), got %d", got)
	}

	ev := waitForEvent(t, closes)
	closed := ev.Data["closed"].([]string)
	if len(closed) != 1 || closed[0] != "cmt_btcusdt" {
		t.Errorf("expected cmt_btcusdt in closed list, got %v", closed)
	}
	if failed := ev.Data["failed"].([]map[string]interface{}); len(failed) != 0 {
		t.Errorf("expected no failures, got %v", failed)
	}
}

func TestRedCycleClosesPositionsAndSkipsTrading(t *testing.T) {
	exchange := newMockExchange()
	exchange.positions = []weex.Position{
		{Symbol: "cmt_btcusdt", Side: weex.PositionLong, Size: 0.5, EntryPrice: 50000, Leverage: 10},
	}
	provider := &mockProvider{decision: tradeDecision()}
	e := newTestEngine(exchange, &mockRisk{status: redStatus()}, provider, &mockStore{}, testConfig(), events.NewBus())

	report := e.runCycle(context.Background())

	if provider.decideCalls.Load() != 0 {
		t.Error("RED cycle consulted the decision provider")
	}
	if report.TradesExecuted != 0 {
		t.Errorf("expected tradesExecuted=0 on RED, got %d", report.TradesExecuted)
	}
	if len(report.Errors) == 0 {
		t.Fatal("expected an error entry noting the RED alert")
	}
	if exchange.closeCalls["cmt_btcusdt"] != 1 {
		t.Errorf("expected emergency close, got %d calls", exchange.closeCalls["cmt_btcusdt"])
	}
}

func TestCycleIsolatesSymbolFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = []string{"cmt_btcusdt", "cmt_unknown"}
	exchange := newMockExchange()
	e := newTestEngine(exchange, &mockRisk{status: noneStatus()}, &mockProvider{decision: &decision.Decision{}}, &mockStore{}, cfg, events.NewBus())

	report := &CycleReport{}
	market := e.fetchMarketData(context.Background(), report)

	if _, ok := market["cmt_btcusdt"]; !ok {
		t.Error("healthy symbol was dropped alongside the failing one")
	}
	if _, ok := market["cmt_unknown"]; ok {
		t.Error("failing symbol produced market data")
	}
	if len(report.Errors) != 1 {
		t.Errorf("expected 1 recorded error, got %d", len(report.Errors))
	}
}

func TestStopInterruptsSleep(t *testing.T) {
	cfg := testConfig()
	cfg.CycleIntervalSeconds = 3600
	exchange := newMockExchange()
	e := newTestEngine(exchange, &mockRisk{status: noneStatus()}, &mockProvider{decision: &decision.Decision{}}, &mockStore{}, cfg, events.NewBus())

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not interrupt the inter-cycle sleep")
	}
}

package circuit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/logging"
	"weex-arena-bot/internal/weex"
)

// Level is the system-wide trading restriction level
type Level int

const (
	LevelNone Level = iota
	LevelYellow
	LevelOrange
	LevelRed
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelYellow:
		return "YELLOW"
	case LevelOrange:
		return "ORANGE"
	case LevelRed:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

// Action returns the recommended action for a level
func (l Level) Action() string {
	switch l {
	case LevelYellow:
		return "reduce leverage and position sizes"
	case LevelOrange:
		return "defensive mode, minimal leverage"
	case LevelRed:
		return "halt trading and close all positions"
	default:
		return "normal trading"
	}
}

// Status is the computed circuit breaker state
type Status struct {
	Level             Level     `json:"-"`
	LevelName         string    `json:"level"`
	Reason            string    `json:"reason"`
	Action            string    `json:"action"`
	MaxLeverage       int       `json:"max_leverage"`
	BTCDrop4hPct      float64   `json:"btc_drop_4h_pct"`
	MaxAbsFundingRate float64   `json:"max_abs_funding_rate"`
	Drawdown24hPct    float64   `json:"drawdown_24h_pct"`
	ExchangeLatencyMs int64     `json:"exchange_latency_ms"`
	Timestamp         time.Time `json:"timestamp"`
}

// Thresholds holds the injectable level bounds
type Thresholds struct {
	BTCDropYellow     float64
	BTCDropOrange     float64
	BTCDropRed        float64
	FundingRateYellow float64
	FundingRateOrange float64
	DrawdownYellow    float64
	DrawdownOrange    float64
	DrawdownRed       float64
	ExchangeLatencyMs int64
	MaxLeverageNone   int
	MaxLeverageYellow int
	MaxLeverageOrange int
	CacheWindow       time.Duration
	BenchmarkSymbol   string
	MajorSymbols      []string
	InitialBalance    float64
}

// DefaultThresholds returns conservative defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		BTCDropYellow:     10,
		BTCDropOrange:     15,
		BTCDropRed:        20,
		FundingRateYellow: 0.001,
		FundingRateOrange: 0.003,
		DrawdownYellow:    10,
		DrawdownOrange:    15,
		DrawdownRed:       20,
		ExchangeLatencyMs: 3000,
		MaxLeverageNone:   20,
		MaxLeverageYellow: 10,
		MaxLeverageOrange: 5,
		CacheWindow:       30 * time.Second,
		BenchmarkSymbol:   "cmt_btcusdt",
		MajorSymbols:      []string{"cmt_btcusdt", "cmt_ethusdt", "cmt_solusdt"},
		InitialBalance:    10000,
	}
}

// MaxLeverage maps a level to the maximum allowed leverage
func (t Thresholds) MaxLeverage(level Level) int {
	switch level {
	case LevelYellow:
		return t.MaxLeverageYellow
	case LevelOrange:
		return t.MaxLeverageOrange
	case LevelRed:
		return 0
	default:
		return t.MaxLeverageNone
	}
}

// MarketData is the slice of the exchange gateway the breaker consumes
type MarketData interface {
	GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]weex.Candle, error)
	GetFundingRate(ctx context.Context, symbol string) (*weex.FundingRate, error)
	GetServerTime(ctx context.Context) (time.Time, error)
}

// PortfolioSource supplies the figures for the drawdown check
type PortfolioSource interface {
	// TotalValue returns the current combined portfolio value
	TotalValue(ctx context.Context) (float64, error)
	// ValueAt returns the portfolio value snapshot nearest to t, ok=false
	// when no snapshot exists yet
	ValueAt(ctx context.Context, t time.Time) (float64, bool, error)
}

// Breaker computes a system-wide risk level from market and portfolio
// signals. Results are cached for a short window; concurrent callers share
// one in-flight computation.
type Breaker struct {
	market    MarketData
	portfolio PortfolioSource
	cfg       Thresholds
	bus       *events.Bus
	logger    *logging.Logger

	mu       sync.Mutex
	cached   *Status
	cachedAt time.Time

	group singleflight.Group
}

// NewBreaker creates a circuit breaker
func NewBreaker(market MarketData, portfolio PortfolioSource, cfg Thresholds, bus *events.Bus, logger *logging.Logger) *Breaker {
	return &Breaker{
		market:    market,
		portfolio: portfolio,
		cfg:       cfg,
		bus:       bus,
		logger:    logger.WithComponent("circuit"),
	}
}

// Check returns the current status, recomputing when the cache window has
// passed. A failure inside the check itself yields YELLOW: trading is
// restricted but not halted when the risk picture is unknown.
func (b *Breaker) Check(ctx context.Context) *Status {
	b.mu.Lock()
	if b.cached != nil && time.Since(b.cachedAt) < b.cfg.CacheWindow {
		status := b.cached
		b.mu.Unlock()
		return status
	}
	b.mu.Unlock()

	v, _, _ := b.group.Do("check", func() (interface{}, error) {
		status := b.compute(ctx)

		b.mu.Lock()
		prev := b.cached
		b.cached = status
		b.cachedAt = time.Now()
		b.mu.Unlock()

		if prev == nil || prev.Level != status.Level {
			b.logger.Info("risk level changed", "level", status.LevelName, "reason", status.Reason)
			b.bus.PublishCircuitBreaker(status.LevelName, status.Reason)
		}
		return status, nil
	})
	return v.(*Status)
}

// Reset discards the cached status so the next Check recomputes
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = nil
}

func newStatus(level Level, reason string, cfg Thresholds) *Status {
	return &Status{
		Level:       level,
		LevelName:   level.String(),
		Reason:      reason,
		Action:      level.Action(),
		MaxLeverage: cfg.MaxLeverage(level),
		Timestamp:   time.Now(),
	}
}

// compute evaluates all checks. The benchmark drop check runs first and
// short-circuits straight to RED; the remaining checks run in parallel and
// the highest severity wins.
func (b *Breaker) compute(ctx context.Context) *Status {
	dropLevel, dropPct, err := b.checkBenchmarkDrop(ctx)
	if err != nil {
		status := newStatus(LevelYellow, fmt.Sprintf("benchmark drop check failed: %v", err), b.cfg)
		return status
	}
	if dropLevel == LevelRed {
		status := newStatus(LevelRed, fmt.Sprintf("%s dropped %.1f%% in 4h", b.cfg.BenchmarkSymbol, dropPct), b.cfg)
		status.BTCDrop4hPct = dropPct
		return status
	}

	type checkResult struct {
		level  Level
		reason string
		metric float64
		err    error
	}

	var wg sync.WaitGroup
	var funding, drawdown, health checkResult

	wg.Add(3)
	go func() {
		defer wg.Done()
		funding.level, funding.reason, funding.metric, funding.err = b.checkFundingRates(ctx)
	}()
	go func() {
		defer wg.Done()
		drawdown.level, drawdown.reason, drawdown.metric, drawdown.err = b.checkDrawdown(ctx)
	}()
	go func() {
		defer wg.Done()
		health.level, health.reason, health.metric, health.err = b.checkExchangeHealth(ctx)
	}()
	wg.Wait()

	level := dropLevel
	reason := ""
	if dropLevel > LevelNone {
		reason = fmt.Sprintf("%s dropped %.1f%% in 4h", b.cfg.BenchmarkSymbol, dropPct)
	}

	for _, res := range []checkResult{funding, drawdown, health} {
		if res.err != nil {
			// Fail-cautious: an unknown signal restricts but does not halt
			if LevelYellow > level {
				level = LevelYellow
				reason = res.reason + ": " + res.err.Error()
			}
			continue
		}
		if res.level > level {
			level = res.level
			reason = res.reason
		}
	}

	status := newStatus(level, reason, b.cfg)
	status.BTCDrop4hPct = dropPct
	status.MaxAbsFundingRate = funding.metric
	status.Drawdown24hPct = drawdown.metric
	status.ExchangeLatencyMs = int64(health.metric)
	return status
}

// checkBenchmarkDrop measures the benchmark asset's decline over the last
// 4 hours of hourly candles. Boundary-inclusive: a drop exactly at a
// threshold selects that threshold's level.
func (b *Breaker) checkBenchmarkDrop(ctx context.Context) (Level, float64, error) {
	candles, err := b.market.GetCandles(ctx, b.cfg.BenchmarkSymbol, "3600", 5)
	if err != nil {
		return LevelNone, 0, err
	}
	if len(candles) < 2 {
		return LevelNone, 0, fmt.Errorf("need at least 2 candles, got %d", len(candles))
	}

	start := candles[0].Open
	last := candles[len(candles)-1].Close
	if start <= 0 {
		return LevelNone, 0, fmt.Errorf("benchmark start price is zero")
	}

	dropPct := (start - last) / start * 100
	switch {
	case dropPct >= b.cfg.BTCDropRed:
		return LevelRed, dropPct, nil
	case dropPct >= b.cfg.BTCDropOrange:
		return LevelOrange, dropPct, nil
	case dropPct >= b.cfg.BTCDropYellow:
		return LevelYellow, dropPct, nil
	default:
		return LevelNone, dropPct, nil
	}
}

// checkFundingRates looks for extreme funding across the major symbols.
// A failure for one symbol does not hide extremity seen on another.
func (b *Breaker) checkFundingRates(ctx context.Context) (Level, string, float64, error) {
	var maxAbs float64
	var worstSymbol string
	var lastErr error

	for _, symbol := range b.cfg.MajorSymbols {
		fr, err := b.market.GetFundingRate(ctx, symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if abs := math.Abs(fr.Rate); abs > maxAbs {
			maxAbs = abs
			worstSymbol = symbol
		}
	}
	if worstSymbol == "" && lastErr != nil {
		return LevelNone, "funding rate check", 0, lastErr
	}

	switch {
	case maxAbs >= b.cfg.FundingRateOrange:
		return LevelOrange, fmt.Sprintf("extreme funding rate %.4f%% on %s", maxAbs*100, worstSymbol), maxAbs, nil
	case maxAbs >= b.cfg.FundingRateYellow:
		return LevelYellow, fmt.Sprintf("elevated funding rate %.4f%% on %s", maxAbs*100, worstSymbol), maxAbs, nil
	default:
		return LevelNone, "", maxAbs, nil
	}
}

// checkDrawdown compares the current portfolio value against the snapshot
// from 24h ago, falling back to the configured initial balance when no
// snapshot exists yet.
func (b *Breaker) checkDrawdown(ctx context.Context) (Level, string, float64, error) {
	current, err := b.portfolio.TotalValue(ctx)
	if err != nil {
		return LevelNone, "drawdown check", 0, err
	}

	reference, ok, err := b.portfolio.ValueAt(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return LevelNone, "drawdown check", 0, err
	}
	if !ok || reference <= 0 {
		reference = b.cfg.InitialBalance
	}
	if reference <= 0 {
		return LevelNone, "", 0, nil
	}

	drawdownPct := (reference - current) / reference * 100
	switch {
	case drawdownPct >= b.cfg.DrawdownRed:
		return LevelRed, fmt.Sprintf("portfolio drawdown %.1f%% in 24h", drawdownPct), drawdownPct, nil
	case drawdownPct >= b.cfg.DrawdownOrange:
		return LevelOrange, fmt.Sprintf("portfolio drawdown %.1f%% in 24h", drawdownPct), drawdownPct, nil
	case drawdownPct >= b.cfg.DrawdownYellow:
		return LevelYellow, fmt.Sprintf("portfolio drawdown %.1f%% in 24h", drawdownPct), drawdownPct, nil
	default:
		return LevelNone, "", drawdownPct, nil
	}
}

// checkExchangeHealth measures the latency of a lightweight public call
func (b *Breaker) checkExchangeHealth(ctx context.Context) (Level, string, float64, error) {
	start := time.Now()
	if _, err := b.market.GetServerTime(ctx); err != nil {
		return LevelNone, "exchange health check", 0, err
	}
	latencyMs := float64(time.Since(start).Milliseconds())

	if latencyMs >= float64(b.cfg.ExchangeLatencyMs) {
		return LevelYellow, fmt.Sprintf("exchange latency %.0fms", latencyMs), latencyMs, nil
	}
	return LevelNone, "", latencyMs, nil
}

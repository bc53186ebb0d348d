package circuit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"weex-arena-bot/internal/events"
	"weex-arena-bot/internal/logging"
	"weex-arena-bot/internal/weex"
)

type mockMarket struct {
	candles     []weex.Candle
	candlesErr  error
	candleCalls atomic.Int64
	candleDelay time.Duration

	fundingRates map[string]float64
	fundingErr   error

	serverTimeErr   error
	serverTimeDelay time.Duration
}

func (m *mockMarket) GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]weex.Candle, error) {
	m.candleCalls.Add(1)
	if m.candleDelay > 0 {
		time.Sleep(m.candleDelay)
	}
	return m.candles, m.candlesErr
}

func (m *mockMarket) GetFundingRate(ctx context.Context, symbol string) (*weex.FundingRate, error) {
	if m.fundingErr != nil {
		return nil, m.fundingErr
	}
	return &weex.FundingRate{Symbol: symbol, Rate: m.fundingRates[symbol]}, nil
}

func (m *mockMarket) GetServerTime(ctx context.Context) (time.Time, error) {
	if m.serverTimeDelay > 0 {
		time.Sleep(m.serverTimeDelay)
	}
	if m.serverTimeErr != nil {
		return time.Time{}, m.serverTimeErr
	}
	return time.Now(), nil
}

type mockPortfolio struct {
	current     float64
	currentErr  error
	reference   float64
	referenceOK bool
}

func (m *mockPortfolio) TotalValue(ctx context.Context) (float64, error) {
	return m.current, m.currentErr
}

func (m *mockPortfolio) ValueAt(ctx context.Context, t time.Time) (float64, bool, error) {
	return m.reference, m.referenceOK, nil
}

// candlesWithDrop builds 5 hourly candles declining by dropPct
func candlesWithDrop(dropPct float64) []weex.Candle {
	start := 100.0
	end := start * (1 - dropPct/100)
	return []weex.Candle{
		{Open: start, Close: start - 1},
		{Open: start - 1, Close: start - 2},
		{Open: start - 2, Close: start - 3},
		{Open: start - 3, Close: end + 1},
		{Open: end + 1, Close: end},
	}
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func healthyMarket() *mockMarket {
	return &mockMarket{
		candles:      candlesWithDrop(1),
		fundingRates: map[string]float64{},
	}
}

func healthyPortfolio() *mockPortfolio {
	return &mockPortfolio{current: 10000, reference: 10000, referenceOK: true}
}

func newTestBreaker(market MarketData, portfolio PortfolioSource) *Breaker {
	return NewBreaker(market, portfolio, DefaultThresholds(), events.NewBus(), testLogger())
}

func TestCheckNoneWhenHealthy(t *testing.T) {
	b := newTestBreaker(healthyMarket(), healthyPortfolio())

	status := b.Check(context.Background())
	if status.Level != LevelNone {
		t.Errorf("expected NONE, got %s (%s)", status.LevelName, status.Reason)
	}
	if status.MaxLeverage != 20 {
		t.Errorf("expected max leverage 20 at NONE, got %d", status.MaxLeverage)
	}
}

func TestBenchmarkDropBoundariesInclusive(t *testing.T) {
	cases := []struct {
		drop float64
		want Level
	}{
		{9.9, LevelNone},
		{10, LevelYellow},
		{15, LevelOrange},
		{19.9, LevelOrange},
		{20, LevelRed},
		{21, LevelRed},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("drop %.1f%%", tc.drop), func(t *testing.T) {
			market := healthyMarket()
			market.candles = candlesWithDrop(tc.drop)
			b := newTestBreaker(market, healthyPortfolio())

			status := b.Check(context.Background())
			if status.Level != tc.want {
				t.Errorf("drop %.1f%%: expected %s, got %s (%s)",
					tc.drop, tc.want, status.LevelName, status.Reason)
			}
		})
	}
}

func TestRedShortCircuitsRemainingChecks(t *testing.T) {
	market := healthyMarket()
	market.candles = candlesWithDrop(25)
	// A funding failure must not matter once RED is decided
	market.fundingErr = fmt.Errorf("exchange down")
	b := newTestBreaker(market, &mockPortfolio{currentErr: fmt.Errorf("db down")})

	status := b.Check(context.Background())
	if status.Level != LevelRed {
		t.Fatalf("expected RED, got %s", status.LevelName)
	}
	if status.MaxLeverage != 0 {
		t.Errorf("expected max leverage 0 at RED, got %d", status.MaxLeverage)
	}
}

func TestBenchmarkCheckFailureYieldsYellow(t *testing.T) {
	market := healthyMarket()
	market.candlesErr = fmt.Errorf("candles unavailable")
	b := newTestBreaker(market, healthyPortfolio())

	status := b.Check(context.Background())
	if status.Level != LevelYellow {
		t.Errorf("expected YELLOW on internal failure, got %s", status.LevelName)
	}
}

func TestSubCheckFailureFloorsAtYellow(t *testing.T) {
	b := newTestBreaker(healthyMarket(), &mockPortfolio{currentErr: fmt.Errorf("db down")})

	status := b.Check(context.Background())
	if status.Level != LevelYellow {
		t.Errorf("expected YELLOW when a check fails, got %s", status.LevelName)
	}
}

func TestExtremeFundingRates(t *testing.T) {
	market := healthyMarket()
	market.fundingRates = map[string]float64{"cmt_ethusdt": -0.004}
	b := newTestBreaker(market, healthyPortfolio())

	status := b.Check(context.Background())
	if status.Level != LevelOrange {
		t.Errorf("expected ORANGE for |funding| 0.4%%, got %s (%s)", status.LevelName, status.Reason)
	}
	if status.MaxAbsFundingRate != 0.004 {
		t.Errorf("expected recorded funding metric 0.004, got %v", status.MaxAbsFundingRate)
	}
}

func TestDrawdownUsesInitialBalanceWithoutSnapshot(t *testing.T) {
	// No snapshot yet: 10000 initial, 8300 current is a 17% drawdown
	b := newTestBreaker(healthyMarket(), &mockPortfolio{current: 8300, referenceOK: false})

	status := b.Check(context.Background())
	if status.Level != LevelOrange {
		t.Errorf("expected ORANGE for 17%% drawdown, got %s (%s)", status.LevelName, status.Reason)
	}
}

func TestCheckCachesWithinWindow(t *testing.T) {
	market := healthyMarket()
	b := newTestBreaker(market, healthyPortfolio())

	b.Check(context.Background())
	calls := market.candleCalls.Load()
	b.Check(context.Background())

	if market.candleCalls.Load() != calls {
		t.Error("second Check within the cache window recomputed")
	}
}

func TestResetForcesRecompute(t *testing.T) {
	market := healthyMarket()
	b := newTestBreaker(market, healthyPortfolio())

	b.Check(context.Background())
	b.Reset()
	b.Check(context.Background())

	if market.candleCalls.Load() < 2 {
		t.Error("Check after Reset served the stale cache")
	}
}

func TestConcurrentChecksSingleFlight(t *testing.T) {
	market := healthyMarket()
	market.candleDelay = 50 * time.Millisecond
	b := newTestBreaker(market, healthyPortfolio())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Check(context.Background())
		}()
	}
	wg.Wait()

	if calls := market.candleCalls.Load(); calls != 1 {
		t.Errorf("expected exactly one computation across concurrent callers, got %d", calls)
	}
}

package weex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// GetServerTime returns the exchange clock as reported by the public time
// endpoint.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	ms, err := c.fetchServerTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

type rawTicker struct {
	Symbol    string      `json:"symbol"`
	Last      flexFloat   `json:"last"`
	BestBid   flexFloat   `json:"best_bid"`
	BestAsk   flexFloat   `json:"best_ask"`
	High24h   flexFloat   `json:"high_24h"`
	Low24h    flexFloat   `json:"low_24h"`
	Volume24h flexFloat   `json:"volume_24h"`
	Timestamp json.Number `json:"timestamp"`
}

// GetTicker fetches the current ticker for one symbol
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"symbol": symbol}
	payload, err := c.request(ctx, http.MethodGet, endpointTicker, params, nil, false, false)
	if err != nil {
		return nil, fmt.Errorf("get ticker %s: %w", symbol, err)
	}

	var raw rawTicker
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse ticker %s: %w", symbol, err)
	}
	if raw.Last.value() <= 0 {
		return nil, fmt.Errorf("ticker %s has no last price", symbol)
	}

	ts := time.Now()
	if ms, err := raw.Timestamp.Int64(); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return &Ticker{
		Symbol:    symbol,
		Last:      raw.Last.value(),
		BestBid:   raw.BestBid.value(),
		BestAsk:   raw.BestAsk.value(),
		High24h:   raw.High24h.value(),
		Low24h:    raw.Low24h.value(),
		Volume24h: raw.Volume24h.value(),
		Timestamp: ts,
	}, nil
}

// GetCandles fetches OHLCV bars. granularity is in seconds, most recent bar
// last. Candles arrive as arrays: [timestamp, open, high, low, close, volume].
func (c *Client) GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]Candle, error) {
	params := map[string]string{
		"symbol":      symbol,
		"granularity": granularity,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	payload, err := c.request(ctx, http.MethodGet, endpointCandles, params, nil, false, false)
	if err != nil {
		return nil, fmt.Errorf("get candles %s: %w", symbol, err)
	}

	var rows [][]json.Number
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("parse candles %s: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			c.logger.Warn("discarding malformed candle row", "symbol", symbol, "fields", len(row))
			continue
		}
		ms, err := row[0].Int64()
		if err != nil {
			c.logger.Warn("discarding candle with bad timestamp", "symbol", symbol)
			continue
		}
		open, e1 := row[1].Float64()
		high, e2 := row[2].Float64()
		low, e3 := row[3].Float64()
		closeP, e4 := row[4].Float64()
		volume, e5 := row[5].Float64()
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil {
			c.logger.Warn("discarding candle with non-numeric field", "symbol", symbol)
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(ms),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    volume,
		})
	}
	return candles, nil
}

// GetFundingRate fetches the current funding rate for a symbol
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	params := map[string]string{"symbol": symbol}
	payload, err := c.request(ctx, http.MethodGet, endpointFundingRate, params, nil, false, false)
	if err != nil {
		return nil, fmt.Errorf("get funding rate %s: %w", symbol, err)
	}

	var raw struct {
		Symbol      string      `json:"symbol"`
		FundingRate flexFloat   `json:"funding_rate"`
		Timestamp   json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse funding rate %s: %w", symbol, err)
	}

	ts := time.Now()
	if ms, err := raw.Timestamp.Int64(); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return &FundingRate{Symbol: symbol, Rate: raw.FundingRate.value(), Timestamp: ts}, nil
}

package weex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type rawAsset struct {
	Currency  string    `json:"currency"`
	Available flexFloat `json:"available"`
	Frozen    flexFloat `json:"frozen"`
	Equity    flexFloat `json:"equity"`
}

// GetAccountAssets fetches the futures account asset balances
func (c *Client) GetAccountAssets(ctx context.Context) ([]AccountAsset, error) {
	payload, err := c.request(ctx, http.MethodGet, endpointAssets, nil, nil, true, false)
	if err != nil {
		return nil, fmt.Errorf("get account assets: %w", err)
	}

	var raw []rawAsset
	if err := json.Unmarshal(payload, &raw); err != nil {
		// Some deployments wrap the list one level deeper
		var wrapped struct {
			Assets []rawAsset `json:"assets"`
		}
		if err2 := json.Unmarshal(payload, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse account assets: %w", err)
		}
		raw = wrapped.Assets
	}

	assets := make([]AccountAsset, 0, len(raw))
	for _, a := range raw {
		if a.Currency == "" {
			c.logger.Warn("discarding asset record without currency")
			continue
		}
		assets = append(assets, AccountAsset{
			Currency:  strings.ToUpper(a.Currency),
			Available: a.Available.value(),
			Frozen:    a.Frozen.value(),
			Equity:    a.Equity.value(),
		})
	}
	return assets, nil
}

// GetUSDTAvailable returns the available USDT balance, zero when the account
// holds none.
func (c *Client) GetUSDTAvailable(ctx context.Context) (float64, error) {
	assets, err := c.GetAccountAssets(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range assets {
		if a.Currency == "USDT" {
			return a.Available, nil
		}
	}
	return 0, nil
}

type rawPosition struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" / "short", some payloads use "1"/"2"
	Size          flexFloat `json:"size"`
	EntryPrice    flexFloat `json:"avg_entry_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnL flexFloat `json:"unrealized_pnl"`
}

// assumedAverageLeverage is the documented fallback when the exchange omits
// a position's leverage. It is an approximation, flagged on the Position and
// logged, never silently treated as exact.
const assumedAverageLeverage = 10

func (c *Client) normalizePosition(raw rawPosition) (Position, bool) {
	if raw.Symbol == "" || raw.Size.value() <= 0 || raw.EntryPrice.value() <= 0 {
		return Position{}, false
	}

	var side PositionSide
	switch strings.ToLower(raw.Side) {
	case "long", "1":
		side = PositionLong
	case "short", "2":
		side = PositionShort
	default:
		return Position{}, false
	}

	pos := Position{
		Symbol:        raw.Symbol,
		Side:          side,
		Size:          raw.Size.value(),
		EntryPrice:    raw.EntryPrice.value(),
		Leverage:      raw.Leverage,
		UnrealizedPnL: raw.UnrealizedPnL.value(),
	}
	if pos.Leverage <= 0 {
		pos.Leverage = assumedAverageLeverage
		pos.LeverageAssumed = true
		c.logger.Warn("position missing leverage, using assumed average",
			"symbol", pos.Symbol, "assumed_leverage", assumedAverageLeverage)
	}
	return pos, true
}

// GetAllPositions fetches every open position. A malformed record is dropped
// and logged rather than failing the whole batch.
func (c *Client) GetAllPositions(ctx context.Context) ([]Position, error) {
	payload, err := c.request(ctx, http.MethodGet, endpointAllPositions, nil, nil, true, false)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	var raw []rawPosition
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, rp := range raw {
		pos, ok := c.normalizePosition(rp)
		if !ok {
			if rp.Symbol != "" || rp.Size.value() != 0 {
				c.logger.Warn("discarding malformed position record", "symbol", rp.Symbol)
			}
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetPosition fetches the open position for one symbol, nil when flat
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	params := map[string]string{"symbol": symbol}
	payload, err := c.request(ctx, http.MethodGet, endpointSinglePos, params, nil, true, false)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}

	// Single-position responses come back as an object or a one-element array
	var raw rawPosition
	if err := json.Unmarshal(payload, &raw); err != nil {
		var list []rawPosition
		if err2 := json.Unmarshal(payload, &list); err2 != nil || len(list) == 0 {
			return nil, fmt.Errorf("parse position %s: %w", symbol, err)
		}
		raw = list[0]
	}

	pos, ok := c.normalizePosition(raw)
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

// Package decision wraps the external analysis service that produces
// trade decisions and tournament debates. The service is consumed as an
// opaque provider: this package owns the HTTP plumbing and tolerant
// response decoding, never the analysis itself.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"weex-arena-bot/internal/logging"
)

// ClientConfig holds decision provider configuration
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Model:   "default",
		Timeout: 60 * time.Second,
	}
}

// Client calls the decision provider over HTTP
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a new decision client
func NewClient(config *ClientConfig, logger *logging.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.WithComponent("decision"),
	}
}

// SymbolView is one symbol's market context handed to the provider
type SymbolView struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"last_price"`
	Change24h   float64 `json:"change_24h"`
	Volume24h   float64 `json:"volume_24h"`
	FundingRate float64 `json:"funding_rate"`
}

// TradeContext is the request payload for one analyst's decision
type TradeContext struct {
	AnalystID        string       `json:"analyst_id"`
	Balance          float64      `json:"balance"`
	OpenPositions    int          `json:"open_positions"`
	MaxLeverage      int          `json:"max_leverage"`
	RestrictionLevel string       `json:"restriction_level"`
	Market           []SymbolView `json:"market"`
}

// Order carries the provider's requested order parameters
type Order struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"` // "LONG" or "SHORT"
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price,omitempty"`
}

// RiskManagement carries sizing constraints chosen by the provider
type RiskManagement struct {
	PositionSizePercent float64 `json:"position_size_percent"`
	Leverage            int     `json:"leverage"`
}

// Analysis carries the provider's self-reported quality signals
type Analysis struct {
	Confidence float64 `json:"confidence"`
	Champion   string  `json:"champion,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Decision is the provider's answer for one analyst. Providers are free
// to omit sections; absent fields decode to zero values and the engine
// treats incomplete decisions as "do not trade".
type Decision struct {
	ShouldTrade    bool           `json:"should_trade"`
	Order          Order          `json:"order"`
	RiskManagement RiskManagement `json:"risk_management"`
	Analysis       Analysis       `json:"analysis"`
}

// Complete reports whether the decision carries everything needed to
// actually place an order.
func (d *Decision) Complete() bool {
	return d.ShouldTrade &&
		d.Order.Symbol != "" &&
		(d.Order.Side == "LONG" || d.Order.Side == "SHORT") &&
		d.RiskManagement.PositionSizePercent > 0 &&
		d.RiskManagement.Leverage > 0
}

// Ranking is one analyst's standing in a debate tournament
type Ranking struct {
	AnalystID string  `json:"analyst_id"`
	Rank      int     `json:"rank"`
	Score     float64 `json:"score"`
}

// DebateResult is the outcome of a tournament-style debate
type DebateResult struct {
	Champion string    `json:"champion"`
	Rankings []Ranking `json:"rankings"`
	Summary  string    `json:"summary,omitempty"`
}

type decideRequest struct {
	Model   string       `json:"model"`
	Context TradeContext `json:"context"`
}

type debateRequest struct {
	Model    string       `json:"model"`
	Analysts []string     `json:"analysts"`
	Market   []SymbolView `json:"market"`
}

// Decide asks the provider whether the analyst should trade now
func (c *Client) Decide(ctx context.Context, tradeCtx TradeContext) (*Decision, error) {
	var decision Decision
	err := c.post(ctx, "/v1/decide", decideRequest{Model: c.config.Model, Context: tradeCtx}, &decision)
	if err != nil {
		return nil, err
	}
	return &decision, nil
}

// Debate runs a tournament ranking across all analysts
func (c *Client) Debate(ctx context.Context, analysts []string, market []SymbolView) (*DebateResult, error) {
	var result DebateResult
	err := c.post(ctx, "/v1/debate", debateRequest{Model: c.config.Model, Analysts: analysts, Market: market}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	if c.config.BaseURL == "" {
		return fmt.Errorf("decision provider base URL not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("decision provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("decision provider returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse provider response: %w", err)
	}

	c.logger.Debug("decision provider call completed",
		"path", path, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package weex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PlaceOrder submits an order, rounding price and size to the contract's
// tick/step first. Executed exactly once: a transport failure here is
// surfaced, never retried, since a duplicate order is worse than a missed
// one.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	spec, err := c.GetContractSpec(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	size, err := RoundSize(spec, req.Size)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"symbol": req.Symbol,
		"type":   string(req.Side),
		"size":   strconv.FormatFloat(size, 'f', spec.SizeDecimals, 64),
	}

	if req.Price > 0 {
		price, err := RoundPrice(spec, req.Price)
		if err != nil {
			return nil, err
		}
		body["order_type"] = "0" // limit
		body["price"] = strconv.FormatFloat(price, 'f', spec.PriceDecimals, 64)
	} else {
		body["order_type"] = "1" // market
	}

	if req.Leverage > 0 {
		body["leverage"] = strconv.Itoa(req.Leverage)
	}

	clientOID := req.ClientOrderID
	if clientOID == "" {
		clientOID = "arena-" + uuid.NewString()
	}
	body["client_oid"] = clientOID

	payload, err := c.request(ctx, http.MethodPost, endpointPlaceOrder, nil, body, true, true)
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}

	var raw struct {
		OrderID   json.Number `json:"order_id"`
		ClientOID string      `json:"client_oid"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse place order response: %w", err)
	}
	return &OrderResult{OrderID: raw.OrderID.String(), ClientOrderID: clientOID}, nil
}

// CancelOrder cancels a single order. Executed exactly once per call.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{
		"symbol":   symbol,
		"order_id": orderID,
	}
	if _, err := c.request(ctx, http.MethodPost, endpointCancelOrder, nil, body, true, true); err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

type rawOrder struct {
	OrderID    json.Number `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Type       string      `json:"type"`
	Price      flexFloat   `json:"price"`
	Size       flexFloat   `json:"size"`
	FilledQty  flexFloat   `json:"filled_qty"`
	PriceAvg   flexFloat   `json:"price_avg"`
	Status     string      `json:"status"`
	CreateTime json.Number `json:"create_time"`
}

func normalizeOrder(raw rawOrder) OrderDetail {
	detail := OrderDetail{
		OrderID:    raw.OrderID.String(),
		Symbol:     raw.Symbol,
		Side:       OrderSide(raw.Type),
		Price:      raw.Price.value(),
		Size:       raw.Size.value(),
		FilledSize: raw.FilledQty.value(),
		AvgPrice:   raw.PriceAvg.value(),
		Status:     raw.Status,
	}
	if ms, err := raw.CreateTime.Int64(); err == nil && ms > 0 {
		detail.CreatedAt = time.UnixMilli(ms)
	}
	return detail
}

// GetOrderDetail fetches the state of one order
func (c *Client) GetOrderDetail(ctx context.Context, symbol, orderID string) (*OrderDetail, error) {
	params := map[string]string{
		"symbol":   symbol,
		"order_id": orderID,
	}
	payload, err := c.request(ctx, http.MethodGet, endpointOrderDetail, params, nil, true, false)
	if err != nil {
		return nil, fmt.Errorf("get order detail %s/%s: %w", symbol, orderID, err)
	}

	var raw rawOrder
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse order detail: %w", err)
	}
	detail := normalizeOrder(raw)
	return &detail, nil
}

// GetOrderHistory fetches recent orders for a symbol
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]OrderDetail, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	payload, err := c.request(ctx, http.MethodGet, endpointOrderHistory, params, nil, true, false)
	if err != nil {
		return nil, fmt.Errorf("get order history %s: %w", symbol, err)
	}

	var raw []rawOrder
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse order history: %w", err)
	}

	orders := make([]OrderDetail, 0, len(raw))
	for _, ro := range raw {
		if ro.OrderID.String() == "" {
			c.logger.Warn("discarding order record without id", "symbol", symbol)
			continue
		}
		orders = append(orders, normalizeOrder(ro))
	}
	return orders, nil
}

// GetOrderFills fetches the executions of one order
func (c *Client) GetOrderFills(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	params := map[string]string{
		"symbol":   symbol,
		"order_id": orderID,
	}
	payload, err := c.request(ctx, http.MethodGet, endpointOrderFills, params, nil, true, false)
	if err != nil {
		return nil, fmt.Errorf("get order fills %s/%s: %w", symbol, orderID, err)
	}

	var raw []struct {
		TradeID   json.Number `json:"trade_id"`
		OrderID   json.Number `json:"order_id"`
		Symbol    string      `json:"symbol"`
		Price     flexFloat   `json:"price"`
		Size      flexFloat   `json:"size"`
		Fee       flexFloat   `json:"fee"`
		Timestamp json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse order fills: %w", err)
	}

	fills := make([]Fill, 0, len(raw))
	for _, rf := range raw {
		fill := Fill{
			TradeID: rf.TradeID.String(),
			OrderID: rf.OrderID.String(),
			Symbol:  rf.Symbol,
			Price:   rf.Price.value(),
			Size:    rf.Size.value(),
			Fee:     rf.Fee.value(),
		}
		if ms, err := rf.Timestamp.Int64(); err == nil && ms > 0 {
			fill.Timestamp = time.UnixMilli(ms)
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

// CloseAllPositions closes every open position on a symbol at market.
// Executed exactly once per call; the emergency-close path owns retries.
func (c *Client) CloseAllPositions(ctx context.Context, symbol string) error {
	body := map[string]string{"symbol": symbol}
	if _, err := c.request(ctx, http.MethodPost, endpointClosePos, nil, body, true, true); err != nil {
		return fmt.Errorf("close positions %s: %w", symbol, err)
	}
	return nil
}

// UploadAuditLog ships a trade audit record to the exchange's compliance
// sink. Fire-and-forget: failures are logged, never propagated.
func (c *Client) UploadAuditLog(ctx context.Context, record map[string]interface{}) {
	if _, err := c.request(ctx, http.MethodPost, endpointUploadAudit, nil, record, true, false); err != nil {
		c.logger.Warn("audit log upload failed", "error", err)
	}
}

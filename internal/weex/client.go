package weex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"weex-arena-bot/internal/logging"
)

// Contract API endpoints
const (
	endpointServerTime   = "/capi/v2/market/time"
	endpointTicker       = "/capi/v2/market/ticker"
	endpointCandles      = "/capi/v2/market/candles"
	endpointFundingRate  = "/capi/v2/market/currentFundRate"
	endpointContracts    = "/capi/v2/market/contracts"
	endpointAssets       = "/capi/v2/account/assets"
	endpointAllPositions = "/capi/v2/position/allPosition"
	endpointSinglePos    = "/capi/v2/position/singlePosition"
	endpointPlaceOrder   = "/capi/v2/order/placeOrder"
	endpointCancelOrder  = "/capi/v2/order/cancelOrder"
	endpointOrderDetail  = "/capi/v2/order/detail"
	endpointOrderHistory = "/capi/v2/order/history"
	endpointOrderFills   = "/capi/v2/order/fills"
	endpointClosePos     = "/capi/v2/order/closePositions"
	endpointUploadAudit  = "/capi/v2/order/uploadTradeLog"
)

const (
	requestTimeout = 15 * time.Second
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second

	clockSyncInterval = 10 * time.Second
	maxClockOffset    = 30 * time.Second
)

// Client is the WEEX contract API gateway. All exchange traffic in the
// process goes through one Client so the shared rate limiter sees every call.
type Client struct {
	creds   Credentials
	baseURL string

	httpClient *http.Client
	limiter    *RateLimiter
	logger     *logging.Logger

	// Clock sync state. The signed timestamp must be exchange time, not
	// local time.
	clockMu          sync.Mutex
	clockOffset      time.Duration
	lastClockSync    time.Time
	clockSyncCoolOff time.Time
	syncBackoff      *backoff.ExponentialBackOff

	specs *specCache
}

// NewClient creates a gateway client
func NewClient(creds Credentials, baseURL string, limits RateLimits, logger *logging.Logger) *Client {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // cooldown schedule never expires

	return &Client{
		creds: Credentials{
			APIKey:     strings.TrimSpace(creds.APIKey),
			SecretKey:  strings.TrimSpace(creds.SecretKey),
			Passphrase: strings.TrimSpace(creds.Passphrase),
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: requestTimeout},
		limiter:     NewRateLimiter(limits),
		logger:      logger.WithComponent("weex"),
		syncBackoff: b,
		specs:       newSpecCache(contractSpecTTL),
	}
}

// RateLimiter exposes the shared limiter for observability
func (c *Client) RateLimiter() *RateLimiter {
	return c.limiter
}

// sign computes base64(HMAC-SHA256(secret, timestamp+METHOD+path+query+body)).
// Deterministic: identical inputs always produce the identical signature.
func sign(secret, timestamp, method, path, query, body string) string {
	payload := timestamp + strings.ToUpper(method) + path
	if query != "" {
		payload += "?" + query
	}
	payload += body

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// encodeQuery builds a deterministic query string (sorted keys) so the
// signed string always matches the URL actually sent.
func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// exchangeNow returns the exchange-synchronized timestamp in milliseconds,
// refreshing the clock offset when the last sync is stale.
func (c *Client) exchangeNow(ctx context.Context) int64 {
	c.clockMu.Lock()
	needSync := time.Since(c.lastClockSync) > clockSyncInterval && time.Now().After(c.clockSyncCoolOff)
	c.clockMu.Unlock()

	if needSync {
		c.syncClock(ctx)
	}

	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	return time.Now().Add(c.clockOffset).UnixMilli()
}

// syncClock fetches server time and computes the offset, compensating for
// half the round-trip latency. Implausible offsets are rejected and the
// previous offset kept; failed syncs back off so a misbehaving endpoint is
// not hammered.
func (c *Client) syncClock(ctx context.Context) {
	start := time.Now()
	serverMs, err := c.fetchServerTime(ctx)
	latency := time.Since(start)

	c.clockMu.Lock()
	defer c.clockMu.Unlock()

	if err != nil {
		c.clockSyncCoolOff = time.Now().Add(c.syncBackoff.NextBackOff())
		c.logger.Warn("clock sync failed, keeping previous offset", "error", err)
		return
	}

	serverTime := time.UnixMilli(serverMs)
	offset := serverTime.Sub(start.Add(latency / 2))
	if offset > maxClockOffset || offset < -maxClockOffset {
		c.clockSyncCoolOff = time.Now().Add(c.syncBackoff.NextBackOff())
		c.logger.Warn("clock sync rejected implausible offset",
			"offset", offset.String(), "latency", latency.String())
		return
	}

	c.clockOffset = offset
	c.lastClockSync = time.Now()
	c.clockSyncCoolOff = time.Time{}
	c.syncBackoff.Reset()
}

// fetchServerTime goes through request like every other exchange call, so
// the time endpoint draws from the shared IP bucket too.
func (c *Client) fetchServerTime(ctx context.Context) (int64, error) {
	payload, err := c.request(ctx, http.MethodGet, endpointServerTime, nil, nil, false, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Timestamp json.Number `json:"timestamp"`
		Epoch     json.Number `json:"epoch"`
	}
	if err := json.Unmarshal(payload, &resp); err == nil {
		if ms, convErr := resp.Timestamp.Int64(); convErr == nil && ms > 0 {
			return ms, nil
		}
		if ms, convErr := resp.Epoch.Int64(); convErr == nil && ms > 0 {
			return ms, nil
		}
	}
	// Some deployments return the bare millisecond value
	var bare json.Number
	if err := json.Unmarshal(payload, &bare); err == nil {
		if ms, convErr := bare.Int64(); convErr == nil && ms > 0 {
			return ms, nil
		}
	}
	return 0, fmt.Errorf("unrecognized server time payload: %s", string(payload))
}

// request performs a rate-limited exchange call and returns the unwrapped
// payload. Idempotent GETs retry transport failures; order mutations are
// executed exactly once per call.
func (c *Client) request(ctx context.Context, method, endpoint string, params map[string]string, reqBody interface{}, isPrivate, isOrder bool) (json.RawMessage, error) {
	if err := c.limiter.Acquire(ctx, endpoint, isPrivate, isOrder); err != nil {
		return nil, err
	}

	retryable := method == http.MethodGet && !isOrder
	attempts := 1
	if retryable {
		attempts = maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.logger.Debug("retrying request", "endpoint", endpoint, "attempt", attempt, "delay", delay.String())
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		body, err := c.doOnce(ctx, method, endpoint, params, reqBody, isPrivate)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				// Business rejection, never retried
				return nil, err
			}
			lastErr = err
			continue
		}
		return unwrap(body)
	}
	return nil, fmt.Errorf("%s %s failed: %w", method, endpoint, lastErr)
}

// doOnce performs exactly one HTTP exchange
func (c *Client) doOnce(ctx context.Context, method, endpoint string, params map[string]string, reqBody interface{}, isPrivate bool) ([]byte, error) {
	query := encodeQuery(params)

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if isPrivate {
		timestamp := strconv.FormatInt(c.exchangeNow(ctx), 10)
		req.Header.Set("ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-PASSPHRASE", c.creds.Passphrase)
		req.Header.Set("ACCESS-SIGN", sign(c.creds.SecretKey, timestamp, method, endpoint, query, string(bodyBytes)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Endpoint: endpoint, Attempts: 1}
	}
	if resp.StatusCode != http.StatusOK {
		var env apiEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Code != "" {
			return nil, &APIError{Code: string(env.Code), Message: env.Msg}
		}
		return nil, fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, truncate(respBody, 256))
	}

	return respBody, nil
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Jitter avoids retry stampedes across concurrent workers
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

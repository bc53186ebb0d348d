package weex

import (
	"context"
	"sync"
	"time"
)

// Bucket classes. Public calls consume IP only; private calls consume IP and
// account; order placement/cancel additionally consumes the order bucket.
const (
	bucketIP      = "ip"
	bucketAccount = "account"
	bucketOrder   = "order"
)

const (
	rateLimitMaxAttempts = 5
	rateLimitMaxWait     = 10 * time.Second
	// A refill gap beyond this (or a negative one) means the clock jumped;
	// reset the bucket to full instead of accruing a bogus refill.
	refillSanityWindow = time.Hour
)

// tokenBucket is one refilling weight budget
type tokenBucket struct {
	tokens     float64
	limit      float64
	window     time.Duration // time for a full refill
	lastRefill time.Time
}

func newTokenBucket(limit float64, window time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:     limit,
		limit:      limit,
		window:     window,
		lastRefill: time.Now(),
	}
}

// refill adds tokens proportional to elapsed time, clamped to the limit.
// Clock regressions and absurd gaps reset the bucket to full.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 || elapsed > refillSanityWindow {
		b.tokens = b.limit
		b.lastRefill = now
		return
	}
	b.tokens += b.limit * elapsed.Seconds() / b.window.Seconds()
	if b.tokens > b.limit {
		b.tokens = b.limit
	}
	b.lastRefill = now
}

// waitFor returns how long until the bucket holds at least weight tokens
func (b *tokenBucket) waitFor(weight float64) time.Duration {
	deficit := weight - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.limit * float64(b.window))
}

// endpointWeights is the static per-endpoint weight table; unlisted
// endpoints cost 1.
var endpointWeights = map[string]float64{
	endpointContracts:    5,
	endpointCandles:      4,
	endpointAllPositions: 2,
	endpointAssets:       2,
	endpointOrderHistory: 2,
}

func endpointWeight(endpoint string) float64 {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// RateLimiter guards the three exchange budgets shared by every concurrent
// caller in the process. Check-and-consume is atomic under one mutex, so two
// goroutines can never overdraw the same bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// RateLimits configures bucket sizes per refill window
type RateLimits struct {
	IPLimit       float64
	IPWindow      time.Duration
	AccountLimit  float64
	AccountWindow time.Duration
	OrderLimit    float64
	OrderWindow   time.Duration
}

// DefaultRateLimits matches the exchange's published contract API limits
func DefaultRateLimits() RateLimits {
	return RateLimits{
		IPLimit:       120,
		IPWindow:      time.Minute,
		AccountLimit:  60,
		AccountWindow: time.Minute,
		OrderLimit:    20,
		OrderWindow:   time.Minute,
	}
}

// NewRateLimiter creates a rate limiter with the given bucket limits
func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{
		buckets: map[string]*tokenBucket{
			bucketIP:      newTokenBucket(limits.IPLimit, limits.IPWindow),
			bucketAccount: newTokenBucket(limits.AccountLimit, limits.AccountWindow),
			bucketOrder:   newTokenBucket(limits.OrderLimit, limits.OrderWindow),
		},
	}
}

func bucketsFor(isPrivate, isOrder bool) []string {
	classes := []string{bucketIP}
	if isPrivate {
		classes = append(classes, bucketAccount)
	}
	if isOrder {
		classes = append(classes, bucketOrder)
	}
	return classes
}

// tryConsume atomically checks every applicable bucket and consumes from all
// of them, or consumes nothing and reports the longest wait.
func (r *RateLimiter) tryConsume(classes []string, weight float64) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var maxWait time.Duration
	for _, class := range classes {
		b := r.buckets[class]
		b.refill(now)
		if wait := b.waitFor(weight); wait > maxWait {
			maxWait = wait
		}
	}
	if maxWait > 0 {
		return false, maxWait
	}
	for _, class := range classes {
		r.buckets[class].tokens -= weight
	}
	return true, 0
}

// Acquire blocks until the required weight is available in every applicable
// bucket, or fails with RateLimitError after a bounded number of waits. The
// wait time is scaled by an exponential backoff factor, capped.
func (r *RateLimiter) Acquire(ctx context.Context, endpoint string, isPrivate, isOrder bool) error {
	weight := endpointWeight(endpoint)
	classes := bucketsFor(isPrivate, isOrder)

	backoff := 1.0
	for attempt := 0; attempt < rateLimitMaxAttempts; attempt++ {
		ok, wait := r.tryConsume(classes, weight)
		if ok {
			return nil
		}

		wait = time.Duration(float64(wait) * backoff)
		if wait > rateLimitMaxWait {
			wait = rateLimitMaxWait
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		backoff *= 2

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &RateLimitError{Endpoint: endpoint, Attempts: rateLimitMaxAttempts}
}

// Usage reports the remaining tokens per bucket for observability
func (r *RateLimiter) Usage() map[string]map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	usage := make(map[string]map[string]float64, len(r.buckets))
	for class, b := range r.buckets {
		b.refill(now)
		usage[class] = map[string]float64{
			"tokens": b.tokens,
			"limit":  b.limit,
		}
	}
	return usage
}

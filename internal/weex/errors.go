package weex

import "fmt"

// RateLimitError means the local retry budget for a rate-limited call is
// exhausted. Callers must back off further upstream; trade-submission paths
// treat it as a hard rejection.
type RateLimitError struct {
	Endpoint string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit budget exhausted for %s after %d attempts", e.Endpoint, e.Attempts)
}

// APIError is a business-level rejection from the exchange. It is never
// retried automatically.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("weex api error %s: %s", e.Code, e.Message)
}

// RoundingError means a price or size could not be safely rounded to the
// contract's tick/step. Submitting anyway would place a wrong order, so
// these fail loudly.
type RoundingError struct {
	Symbol string
	Field  string
	Value  float64
	Reason string
}

func (e *RoundingError) Error() string {
	return fmt.Sprintf("cannot round %s %s=%v: %s", e.Symbol, e.Field, e.Value, e.Reason)
}

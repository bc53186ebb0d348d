package weex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const contractSpecTTL = 10 * time.Minute

// specCache holds contract specs with a TTL. An entry past its TTL is
// treated as absent: stale constraints must never shape a live order.
type specCache struct {
	mu        sync.RWMutex
	specs     map[string]ContractSpec
	fetchedAt time.Time
	ttl       time.Duration
}

func newSpecCache(ttl time.Duration) *specCache {
	return &specCache{
		specs: make(map[string]ContractSpec),
		ttl:   ttl,
	}
}

func (s *specCache) get(symbol string) (ContractSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if time.Since(s.fetchedAt) > s.ttl {
		return ContractSpec{}, false
	}
	spec, ok := s.specs[symbol]
	return spec, ok
}

func (s *specCache) put(specs map[string]ContractSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = specs
	s.fetchedAt = time.Now()
}

type rawContract struct {
	Symbol        string    `json:"symbol"`
	TickSize      flexFloat `json:"tick_size"`
	PricePlaces   int       `json:"price_end_step"`
	SizeIncrement flexFloat `json:"size_increment"`
	SizePlaces    int       `json:"size_end_step"`
	MinSize       flexFloat `json:"min_order_size"`
	MaxSize       flexFloat `json:"max_order_size"`
	MinLeverage   int       `json:"min_leverage"`
	MaxLeverage   int       `json:"max_leverage"`
}

// GetContractSpec returns the spec for one symbol, refetching the contract
// list when the cached copy has expired.
func (c *Client) GetContractSpec(ctx context.Context, symbol string) (ContractSpec, error) {
	if spec, ok := c.specs.get(symbol); ok {
		return spec, nil
	}

	payload, err := c.request(ctx, http.MethodGet, endpointContracts, nil, nil, false, false)
	if err != nil {
		return ContractSpec{}, fmt.Errorf("fetch contracts: %w", err)
	}

	var raw []rawContract
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ContractSpec{}, fmt.Errorf("parse contracts: %w", err)
	}

	specs := make(map[string]ContractSpec, len(raw))
	for _, rc := range raw {
		if rc.Symbol == "" || rc.TickSize.value() <= 0 || rc.SizeIncrement.value() <= 0 {
			c.logger.Warn("discarding malformed contract record", "symbol", rc.Symbol)
			continue
		}
		specs[rc.Symbol] = ContractSpec{
			Symbol:        rc.Symbol,
			TickSize:      rc.TickSize.value(),
			PriceDecimals: rc.PricePlaces,
			SizeStepSize:  rc.SizeIncrement.value(),
			SizeDecimals:  rc.SizePlaces,
			MinOrderSize:  rc.MinSize.value(),
			MaxOrderSize:  rc.MaxSize.value(),
			MinLeverage:   rc.MinLeverage,
			MaxLeverage:   rc.MaxLeverage,
		}
	}
	if len(specs) == 0 {
		return ContractSpec{}, fmt.Errorf("contracts response held no usable records")
	}
	c.specs.put(specs)

	spec, ok := specs[symbol]
	if !ok {
		return ContractSpec{}, fmt.Errorf("no contract spec for symbol %s", symbol)
	}
	return spec, nil
}

package weex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpecCacheExpiredEntryReportsAbsent(t *testing.T) {
	cache := newSpecCache(10 * time.Minute)
	cache.put(map[string]ContractSpec{
		"cmt_btcusdt": {Symbol: "cmt_btcusdt", TickSize: 0.5},
	})

	if _, ok := cache.get("cmt_btcusdt"); !ok {
		t.Fatal("fresh entry was not served")
	}

	cache.mu.Lock()
	cache.fetchedAt = time.Now().Add(-11 * time.Minute)
	cache.mu.Unlock()

	if _, ok := cache.get("cmt_btcusdt"); ok {
		t.Error("expired entry was served")
	}
}

func TestGetContractSpecRefetchesAfterExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != endpointContracts {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls.Add(1)
		w.Write([]byte(`[{
			"symbol": "cmt_btcusdt",
			"tick_size": "0.5",
			"price_end_step": 1,
			"size_increment": "0.001",
			"size_end_step": 3,
			"min_order_size": "0.001",
			"max_order_size": "1000",
			"min_leverage": 1,
			"max_leverage": 100
		}]`))
	}))
	defer srv.Close()

	c := newClockTestClient(srv.URL)
	c.specs = newSpecCache(30 * time.Millisecond)

	ctx := context.Background()
	spec, err := c.GetContractSpec(ctx, "cmt_btcusdt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.TickSize != 0.5 || spec.MaxLeverage != 100 {
		t.Errorf("unexpected spec: %+v", spec)
	}

	if _, err := c.GetContractSpec(ctx, "cmt_btcusdt"); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fresh cache entry was refetched: %d calls", got)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := c.GetContractSpec(ctx, "cmt_btcusdt"); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expired cache entry was served instead of refetched: %d calls", got)
	}
}

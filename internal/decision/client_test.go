package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"weex-arena-bot/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func newTestClient(baseURL string) *Client {
	return NewClient(&ClientConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, testLogger())
}

func TestDecideParsesFullResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/decide" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", got)
		}

		var req decideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Context.AnalystID != "momentum" {
			t.Errorf("expected analyst momentum, got %s", req.Context.AnalystID)
		}

		json.NewEncoder(w).Encode(Decision{
			ShouldTrade:    true,
			Order:          Order{Symbol: "cmt_btcusdt", Side: "LONG"},
			RiskManagement: RiskManagement{PositionSizePercent: 5, Leverage: 10},
			Analysis:       Analysis{Confidence: 0.82},
		})
	}))
	defer srv.Close()

	d, err := newTestClient(srv.URL).Decide(context.Background(), TradeContext{AnalystID: "momentum"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Complete() {
		t.Errorf("expected a complete decision, got %+v", d)
	}
	if d.Analysis.Confidence != 0.82 {
		t.Errorf("expected confidence 0.82, got %v", d.Analysis.Confidence)
	}
}

func TestDecideToleratesPartialResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Provider answered but omitted everything except the verdict
		w.Write([]byte(`{"should_trade": true}`))
	}))
	defer srv.Close()

	d, err := newTestClient(srv.URL).Decide(context.Background(), TradeContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.ShouldTrade {
		t.Error("verdict lost in partial decode")
	}
	if d.Complete() {
		t.Error("partial decision must not be treated as executable")
	}
}

func TestDecideSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Decide(context.Background(), TradeContext{}); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestDecideFailsWithoutBaseURL(t *testing.T) {
	client := NewClient(&ClientConfig{}, testLogger())
	if _, err := client.Decide(context.Background(), TradeContext{}); err == nil {
		t.Fatal("expected error with no base URL configured")
	}
}

func TestDebateParsesRankings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/debate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(DebateResult{
			Champion: "contrarian",
			Rankings: []Ranking{
				{AnalystID: "contrarian", Rank: 1, Score: 9.1},
				{AnalystID: "momentum", Rank: 2, Score: 7.4},
			},
		})
	}))
	defer srv.Close()

	result, err := newTestClient(srv.URL).Debate(context.Background(), []string{"momentum", "contrarian"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Champion != "contrarian" {
		t.Errorf("expected champion contrarian, got %s", result.Champion)
	}
	if len(result.Rankings) != 2 {
		t.Errorf("expected 2 rankings, got %d", len(result.Rankings))
	}
}

func TestDecisionCompleteValidation(t *testing.T) {
	cases := []struct {
		name string
		d    Decision
		want bool
	}{
		{"valid long", Decision{ShouldTrade: true, Order: Order{Symbol: "s", Side: "LONG"}, RiskManagement: RiskManagement{PositionSizePercent: 1, Leverage: 1}}, true},
		{"no trade", Decision{}, false},
		{"missing symbol", Decision{ShouldTrade: true, Order: Order{Side: "LONG"}, RiskManagement: RiskManagement{PositionSizePercent: 1, Leverage: 1}}, false},
		{"bad side", Decision{ShouldTrade: true, Order: Order{Symbol: "s", Side: "BUY"}, RiskManagement: RiskManagement{PositionSizePercent: 1, Leverage: 1}}, false},
		{"zero leverage", Decision{ShouldTrade: true, Order: Order{Symbol: "s", Side: "SHORT"}, RiskManagement: RiskManagement{PositionSizePercent: 1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.Complete(); got != tc.want {
				t.Errorf("Complete() = %v, want %v", got, tc.want)
			}
		})
	}
}

package weex

import (
	"errors"
	"math"
	"testing"
)

var btcSpec = ContractSpec{
	Symbol:        "cmt_btcusdt",
	TickSize:      0.5,
	PriceDecimals: 1,
	SizeStepSize:  0.001,
	SizeDecimals:  3,
	MinOrderSize:  0.001,
	MaxOrderSize:  1000,
}

func TestRoundPriceFloorsToTick(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{100.74, 100.5},
		{100.49, 100.0},
		{100.5, 100.5},
		{0.6, 0.5},
	}
	for _, tc := range cases {
		got, err := RoundPrice(btcSpec, tc.in)
		if err != nil {
			t.Fatalf("RoundPrice(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("RoundPrice(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRoundPriceIdempotent(t *testing.T) {
	once, err := RoundPrice(btcSpec, 43251.37)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := RoundPrice(btcSpec, once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("rounding is not idempotent: %v then %v", once, twice)
	}
}

func TestRoundPriceFailsLoudly(t *testing.T) {
	cases := []struct {
		name string
		in   float64
	}{
		{"zero after rounding", 0.2},
		{"negative", -1},
		{"zero", 0},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RoundPrice(btcSpec, tc.in)
			var rErr *RoundingError
			if !errors.As(err, &rErr) {
				t.Fatalf("expected RoundingError for %v, got %v", tc.in, err)
			}
			if rErr.Field != "price" {
				t.Errorf("expected field price, got %s", rErr.Field)
			}
		})
	}
}

func TestRoundSizeStepAndBounds(t *testing.T) {
	got, err := RoundSize(btcSpec, 0.12345)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.123 {
		t.Errorf("RoundSize(0.12345) = %v, want 0.123", got)
	}

	if _, err := RoundSize(btcSpec, 0.0004); err == nil {
		t.Error("expected error for size below minimum")
	}
	if _, err := RoundSize(btcSpec, 5000); err == nil {
		t.Error("expected error for size above maximum")
	}
}

func TestRoundSizeNoDriftOnAwkwardSteps(t *testing.T) {
	// 0.1 steps are classic float-drift territory; integer arithmetic
	// must land exactly on the step grid.
	spec := ContractSpec{
		Symbol:       "cmt_ethusdt",
		SizeStepSize: 0.1,
		SizeDecimals: 1,
	}
	got, err := RoundSize(spec, 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.7 {
		t.Errorf("RoundSize(0.7) = %v, want exactly 0.7", got)
	}

	got, err = RoundSize(spec, 2.9999999)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2.9 && got != 3.0 {
		t.Errorf("RoundSize(2.9999999) = %v, want a clean step multiple", got)
	}
}

func TestRoundSizeOutsideSafeRange(t *testing.T) {
	_, err := RoundSize(btcSpec, 1e18)
	var rErr *RoundingError
	if !errors.As(err, &rErr) {
		t.Fatalf("expected RoundingError for oversized value, got %v", err)
	}
}

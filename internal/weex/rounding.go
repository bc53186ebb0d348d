package weex

import (
	"math"
	"strconv"
)

// maxSafeUnits bounds the integer unit count so float64 conversion stays
// exact (2^53 - 1).
const maxSafeUnits = 1<<53 - 1

// roundToIncrement rounds value down to a multiple of increment using
// integer arithmetic on the increment's smallest denomination, avoiding the
// drift of repeated float division. decimals is the scale of the increment.
func roundToIncrement(value, increment float64, decimals int) (float64, error) {
	if increment <= 0 {
		return 0, strconv.ErrRange
	}

	scale := math.Pow(10, float64(decimals))
	incUnits := int64(math.Round(increment * scale))
	if incUnits <= 0 {
		return 0, strconv.ErrRange
	}

	valueUnits := math.Floor(value*scale + 1e-9)
	if valueUnits > maxSafeUnits || valueUnits < -maxSafeUnits {
		return 0, strconv.ErrRange
	}

	rounded := (int64(valueUnits) / incUnits) * incUnits
	return float64(rounded) / scale, nil
}

// RoundPrice rounds a price down to the contract's tick size. A result of
// zero, or a value outside the safe integer range, is an error: submitting
// such an order would be wrong, so it fails loudly.
func RoundPrice(spec ContractSpec, price float64) (float64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "price", Value: price, Reason: "not a positive finite number"}
	}
	rounded, err := roundToIncrement(price, spec.TickSize, spec.PriceDecimals)
	if err != nil {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "price", Value: price, Reason: "outside safe integer range"}
	}
	if rounded <= 0 {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "price", Value: price, Reason: "zero after rounding to tick size"}
	}
	return rounded, nil
}

// RoundSize rounds an order size down to the contract's step size and
// enforces the min/max order bounds.
func RoundSize(spec ContractSpec, size float64) (float64, error) {
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "size", Value: size, Reason: "not a positive finite number"}
	}
	rounded, err := roundToIncrement(size, spec.SizeStepSize, spec.SizeDecimals)
	if err != nil {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "size", Value: size, Reason: "outside safe integer range"}
	}
	if rounded <= 0 {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "size", Value: size, Reason: "zero after rounding to step size"}
	}
	if spec.MinOrderSize > 0 && rounded < spec.MinOrderSize {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "size", Value: size, Reason: "below minimum order size"}
	}
	if spec.MaxOrderSize > 0 && rounded > spec.MaxOrderSize {
		return 0, &RoundingError{Symbol: spec.Symbol, Field: "size", Value: size, Reason: "above maximum order size"}
	}
	return rounded, nil
}

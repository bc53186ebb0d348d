package weex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Credentials holds the API key material. Opaque: used only for signing and
// never logged or serialized.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Ticker is the normalized ticker for one contract symbol
type Ticker struct {
	Symbol    string
	Last      float64
	BestBid   float64
	BestAsk   float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	Timestamp time.Time
}

// Candle is one OHLCV bar
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FundingRate is the current funding rate for a contract
type FundingRate struct {
	Symbol    string
	Rate      float64
	Timestamp time.Time
}

// ContractSpec holds per-symbol order constraints. Cached with a TTL; an
// expired entry is refetched, never served.
type ContractSpec struct {
	Symbol        string
	TickSize      float64
	PriceDecimals int
	SizeStepSize  float64
	SizeDecimals  int
	MinOrderSize  float64
	MaxOrderSize  float64
	MinLeverage   int
	MaxLeverage   int
}

// AccountAsset is one asset balance in the futures account
type AccountAsset struct {
	Currency  string
	Available float64
	Frozen    float64
	Equity    float64
}

// PositionSide is the direction of a position
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position is a normalized open position. Leverage is authoritative when the
// exchange supplied it; LeverageAssumed marks the documented fallback.
type Position struct {
	Symbol          string
	Side            PositionSide
	Size            float64
	EntryPrice      float64
	Leverage        int
	LeverageAssumed bool
	UnrealizedPnL   float64
}

// OrderSide matches the exchange's open/close long/short type codes
type OrderSide string

const (
	OrderOpenLong   OrderSide = "1"
	OrderOpenShort  OrderSide = "2"
	OrderCloseLong  OrderSide = "3"
	OrderCloseShort OrderSide = "4"
)

// OrderRequest is a normalized order intent
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Price         float64 // 0 means market
	Size          float64
	Leverage      int
	ClientOrderID string
}

// OrderResult is the normalized response to a placed order
type OrderResult struct {
	OrderID       string
	ClientOrderID string
}

// OrderDetail is the normalized status of a single order
type OrderDetail struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	Price       float64
	Size        float64
	FilledSize  float64
	AvgPrice    float64
	Status      string
	CreatedAt   time.Time
}

// Fill is a single execution of an order
type Fill struct {
	TradeID   string
	OrderID   string
	Symbol    string
	Price     float64
	Size      float64
	Fee       float64
	Timestamp time.Time
}

// flexCode decodes the envelope's code field, which arrives as a bare
// number or a string. Strings pass through verbatim so zero-padded codes
// like "00000" survive the decode instead of failing json.Number's syntax
// check.
type flexCode string

func (c *flexCode) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = flexCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = flexCode(n.String())
	return nil
}

// ok reports whether the code means success; an absent code counts as
// success so bare object payloads pass through.
func (c flexCode) ok() bool {
	return c == "" || c == "0" || c == "00000"
}

// apiEnvelope is the common {code,msg,data} wrapper. Some endpoints return
// bare arrays or objects instead; unwrap handles both shapes at the boundary.
type apiEnvelope struct {
	Code flexCode        `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// unwrap normalizes a raw response body: enveloped payloads are checked for
// a non-success code and unwrapped, bare payloads pass through untouched.
func unwrap(body []byte) (json.RawMessage, error) {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Bare arrays (and anything non-object) are valid payloads
		return body, nil
	}
	if !env.Code.ok() {
		return nil, &APIError{Code: string(env.Code), Message: env.Msg}
	}
	if env.Data != nil {
		return env.Data, nil
	}
	return body, nil
}

// flexFloat parses the exchange's string-or-number numeric fields
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	s := string(data)
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", str, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (f flexFloat) value() float64 { return float64(f) }

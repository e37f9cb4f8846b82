// Package signal normalizes inbound webhook payloads into typed values.
//
// Charting platforms send loosely-typed JSON: epoch seconds or milliseconds
// or ISO strings for bar time, numbers encoded as strings, exchange-prefixed
// symbols. Everything is normalized exactly once here; downstream consumers
// only ever see canonical values.
package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidSchema wraps any payload field that cannot be normalized.
type ErrInvalidSchema struct {
	Field  string
	Reason string
}

func (e *ErrInvalidSchema) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AssetClass distinguishes the two market-hours regimes.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
)

// Action is a normalized trade direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Bar-time coercion thresholds. A numeric bar time at or above msFloor is
// already milliseconds; at or above secFloor it is seconds.
const (
	msFloor  = 1e11
	secFloor = 1e9
)

// CoerceBarTime converts a raw bar_time JSON value (number or string) into
// epoch milliseconds and the corresponding UTC instant.
//
// Numeric rule: >=1e11 → already ms; >=1e9 → seconds, scaled to ms;
// anything smaller is taken as ms verbatim. Strings are tried as a number
// first, then as ISO-8601 (a missing timezone means UTC).
func CoerceBarTime(raw any) (int64, time.Time, error) {
	switch v := raw.(type) {
	case float64:
		return coerceNumericBarTime(v), msToUTC(coerceNumericBarTime(v)), nil
	case int64:
		return coerceNumericBarTime(float64(v)), msToUTC(coerceNumericBarTime(float64(v))), nil
	case int:
		return coerceNumericBarTime(float64(v)), msToUTC(coerceNumericBarTime(float64(v))), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, time.Time{}, &ErrInvalidSchema{Field: "bar_time", Reason: "not a number"}
		}
		ms := coerceNumericBarTime(f)
		return ms, msToUTC(ms), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, time.Time{}, &ErrInvalidSchema{Field: "bar_time", Reason: "empty"}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			ms := coerceNumericBarTime(f)
			return ms, msToUTC(ms), nil
		}
		t, err := parseISOUTC(s)
		if err != nil {
			return 0, time.Time{}, &ErrInvalidSchema{Field: "bar_time", Reason: "unparseable"}
		}
		return t.UnixMilli(), t.UTC(), nil
	case nil:
		return 0, time.Time{}, &ErrInvalidSchema{Field: "bar_time", Reason: "missing"}
	default:
		return 0, time.Time{}, &ErrInvalidSchema{Field: "bar_time", Reason: "unsupported type"}
	}
}

func coerceNumericBarTime(f float64) int64 {
	switch {
	case f >= msFloor:
		return int64(f)
	case f >= secFloor:
		return int64(f * 1000)
	default:
		return int64(f)
	}
}

func msToUTC(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func parseISOUTC(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		// time.Parse reads zone-less layouts as UTC, which is the contract.
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("signal: unrecognized time %q", s)
}

// exchange prefixes routinely attached by charting platforms.
var exchangePrefixes = []string{"BINANCE:", "COINBASE:", "BITSTAMP:", "KRAKEN:", "NASDAQ:", "NYSE:", "AMEX:"}

func stripExchangePrefix(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, p := range exchangePrefixes {
		if strings.HasPrefix(up, p) {
			return up[len(p):]
		}
	}
	if i := strings.Index(up, ":"); i >= 0 {
		return up[i+1:]
	}
	return up
}

// Classify reports whether a raw ticker is crypto or equity. A symbol is
// crypto iff (after prefix stripping) it contains "/" or ends in USD/USDT.
func Classify(symbol string) AssetClass {
	s := stripExchangePrefix(symbol)
	if strings.Contains(s, "/") {
		return AssetCrypto
	}
	if strings.HasSuffix(s, "USDT") || strings.HasSuffix(s, "USD") {
		return AssetCrypto
	}
	return AssetEquity
}

// NormalizeTradeSymbol produces the symbol used on the trading path:
// prefixes stripped, USDT folded into USD, separators removed.
// Equities pass through unchanged apart from prefix stripping.
func NormalizeTradeSymbol(symbol string) string {
	s := stripExchangePrefix(symbol)
	s = strings.ReplaceAll(s, "USDT", "USD")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, ":", "")
	return s
}

// DataPairForCrypto converts a normalized crypto trade symbol into the
// slash-separated pair the market-data API expects: ETHUSD → ETH/USD.
// The input is trade-normalized first, so "ETH/USD" and "ETHUSDT" both map
// to "ETH/USD"; a symbol without a USD quote comes back normalized, with no
// slash.
func DataPairForCrypto(symbol string) string {
	s := NormalizeTradeSymbol(symbol)
	if strings.Contains(s, "/") {
		return s
	}
	if base, ok := strings.CutSuffix(s, "USD"); ok && base != "" {
		return base + "/USD"
	}
	return s
}

// NormalizeAction uppercases and validates the action field.
func NormalizeAction(raw string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return ActionBuy, nil
	case "SELL":
		return ActionSell, nil
	default:
		return "", &ErrInvalidSchema{Field: "action", Reason: "must be BUY or SELL"}
	}
}

// Crypto quantities are quantized to 6 fractional digits with a hard floor;
// equity quantities are whole shares with a floor of one.
var minCryptoQty = decimal.RequireFromString("0.000001")

// QuantizeQty applies the per-asset-class quantity rules and returns the
// broker-ready quantity. Non-positive input collapses to zero; any positive
// input is clamped up to the class minimum.
func QuantizeQty(class AssetClass, qty float64) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	switch class {
	case AssetCrypto:
		q := d.Truncate(6)
		if q.LessThan(minCryptoQty) {
			return minCryptoQty
		}
		return q
	default:
		q := d.Floor()
		if q.LessThan(decimal.NewFromInt(1)) {
			return decimal.NewFromInt(1)
		}
		return q
	}
}

// DedupKey derives the content-addressed identity of a signal.
func DedupKey(strategy, ticker, timeframe string, barTimeMs int64, action Action) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", strategy, ticker, timeframe, barTimeMs, action)
}

// Float pulls a float64 out of a loosely-typed JSON value. Strings holding
// numbers are accepted; empty values report ok=false.
func Float(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Bool pulls a bool out of a loosely-typed JSON value ("1"/"true"/"yes").
func Bool(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}

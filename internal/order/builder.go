// Package order assembles broker order requests from sized signals.
//
// A BUY with both bracket levels becomes a single bracket-class request;
// everything else goes out as a plain market/limit/stop order. The client
// order id is a pure function of the queue job id, so a replayed job can
// never double-submit.
package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/signal"
)

// clientOrderIDMax is the broker-side length cap.
const clientOrderIDMax = 30

// Params is everything the builder needs for one request.
type Params struct {
	JobID       string
	Symbol      string // trade-normalized
	Action      signal.Action
	Class       signal.AssetClass
	Qty         decimal.Decimal
	Type        broker.OrderType
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TakeProfit  *decimal.Decimal
	StopLoss    *decimal.Decimal
	TimeInForce string // strategy TIF; may be empty
	AfterHours  string // "", "opg", "opg_market"
}

// ClientOrderID derives the deterministic idempotency key for a job.
func ClientOrderID(jobID string) string {
	id := "q_" + strings.ReplaceAll(jobID, "-", "")
	if len(id) > clientOrderIDMax {
		id = id[:clientOrderIDMax]
	}
	return id
}

// Build assembles the broker request.
func Build(p Params) *broker.OrderRequest {
	req := &broker.OrderRequest{
		Symbol:        p.Symbol,
		Side:          side(p.Action),
		Type:          orderType(p),
		Qty:           p.Qty,
		TimeInForce:   timeInForce(p),
		Class:         broker.ClassSimple,
		LimitPrice:    p.LimitPrice,
		StopPrice:     p.StopPrice,
		ClientOrderID: ClientOrderID(p.JobID),
	}

	// Bracket only on entries with both legs computable.
	if p.Action == signal.ActionBuy && p.TakeProfit != nil && p.StopLoss != nil {
		req.Class = broker.ClassBracket
		req.TakeProfitPx = p.TakeProfit
		req.StopLossPx = p.StopLoss
	}

	return req
}

func side(a signal.Action) broker.OrderSide {
	if a == signal.ActionSell {
		return broker.SideSell
	}
	return broker.SideBuy
}

func orderType(p Params) broker.OrderType {
	if p.Type != "" {
		return p.Type
	}
	switch {
	case p.StopPrice != nil:
		return broker.TypeStop
	case p.LimitPrice != nil:
		return broker.TypeLimit
	default:
		return broker.TypeMarket
	}
}

// timeInForce applies the defaults: day for equities, gtc for crypto
// (crypto forbids day), opg override for equity after-hours modes.
func timeInForce(p Params) broker.TimeInForce {
	if p.Class == signal.AssetCrypto {
		tif := broker.TimeInForce(p.TimeInForce)
		if tif == "" || tif == broker.TIFDay {
			return broker.TIFGTC
		}
		return tif
	}
	if p.AfterHours == "opg" || p.AfterHours == "opg_market" {
		return broker.TIFOPG
	}
	if p.TimeInForce != "" {
		return broker.TimeInForce(p.TimeInForce)
	}
	return broker.TIFDay
}

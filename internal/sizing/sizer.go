// Package sizing translates signal hints into broker-ready quantities and
// bracket levels.
//
// Design rules:
//   - Explicit overrides beat computed sizing; computed sizing beats the
//     single-unit fallback.
//   - A full max_slots book is not an error: the job is skipped and the
//     skip is treated as success upstream.
//   - A SELL without a held position is terminal; there is no
//     opening-short path here.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/signal"
)

// Sentinel failures. Both are terminal for the job.
var (
	// ErrNotHolding means a SELL arrived with no position to exit.
	ErrNotHolding = errors.New("sizer: not holding")

	// ErrNoPriceData means no usable reference price could be found.
	ErrNoPriceData = errors.New("sizer: no price data")
)

// SkipReasonMaxSlots marks the successful no-op when every equity slot is
// already occupied.
const SkipReasonMaxSlots = "max_slots_full"

// Defaults applied when neither the payload nor the strategy provides a
// value.
const (
	DefaultRMultiple   = 2.0
	DefaultBufferRatio = 0.05
	maxBufferRatio     = 0.95
	minRiskPerUnit     = 0.01
)

// Inputs is the fully-resolved sizing request for one job.
type Inputs struct {
	Action      signal.Action
	Class       signal.AssetClass
	TradeSymbol string // normalized trading symbol
	DataPair    string // crypto data pair; empty for equities

	Entry       *float64
	ATR         *float64
	TrailMult   *float64
	RMultiple   *float64
	RiskPct     *float64
	MaxSlots    *int
	BufferRatio *float64

	QtyOverride *float64
	PctOverride *float64
	FlatExit    bool
}

// Result is the sizing outcome. When Skip is set the job is complete with
// no order; otherwise Qty is positive and TP/SL are set for bracket BUYs.
type Result struct {
	Qty        decimal.Decimal
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
	Skip       bool
	SkipReason string
}

// Sizer computes order quantities against live account state.
type Sizer struct{}

// New creates a Sizer.
func New() *Sizer { return &Sizer{} }

// Size runs the action-specific quantity rules and, for BUYs, the
// TP/SL computation.
func (s *Sizer) Size(ctx context.Context, cl broker.Client, in Inputs) (*Result, error) {
	switch in.Action {
	case signal.ActionBuy:
		return s.sizeBuy(ctx, cl, in)
	case signal.ActionSell:
		return s.sizeSell(ctx, cl, in)
	default:
		return nil, fmt.Errorf("sizer: unsupported action %q", in.Action)
	}
}

func (s *Sizer) sizeBuy(ctx context.Context, cl broker.Client, in Inputs) (*Result, error) {
	res := &Result{}

	qty, err := s.buyQty(ctx, cl, in)
	if err != nil {
		return nil, err
	}
	if qty == nil {
		return &Result{Skip: true, SkipReason: SkipReasonMaxSlots}, nil
	}

	res.Qty = signal.QuantizeQty(in.Class, *qty)

	// Bracket levels need the full trio; otherwise the entry goes naked.
	if in.Entry != nil && in.ATR != nil && in.TrailMult != nil {
		entry, atr, mult := *in.Entry, *in.ATR, *in.TrailMult
		rMult := DefaultRMultiple
		if in.RMultiple != nil {
			rMult = *in.RMultiple
		}
		sl := round4(entry - atr*mult)
		riskPer := math.Max(entry-sl, minRiskPerUnit)
		tp := round4(entry + rMult*riskPer)

		tpD := decimal.NewFromFloat(tp)
		slD := decimal.NewFromFloat(sl)
		res.TakeProfit = &tpD
		res.StopLoss = &slD
	}

	return res, nil
}

// buyQty applies the BUY quantity ladder. A nil result with nil error
// signals the max_slots skip.
func (s *Sizer) buyQty(ctx context.Context, cl broker.Client, in Inputs) (*float64, error) {
	if in.QtyOverride != nil {
		return in.QtyOverride, nil
	}

	if in.PctOverride != nil {
		acct, err := cl.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		price, err := s.refPrice(ctx, cl, in)
		if err != nil {
			return nil, err
		}
		q := acct.Cash * *in.PctOverride / price
		return &q, nil
	}

	if in.MaxSlots != nil && *in.MaxSlots > 0 {
		acct, err := cl.GetAccount(ctx)
		if err != nil {
			return nil, err
		}

		buffer := DefaultBufferRatio
		if in.BufferRatio != nil {
			buffer = *in.BufferRatio
		}
		buffer = math.Min(math.Max(buffer, 0), maxBufferRatio)

		available := acct.Equity * (1 - buffer)
		if available <= 0 {
			return nil, fmt.Errorf("sizer: no available equity (%.2f after buffer)", available)
		}

		positions, err := cl.GetAllPositions(ctx)
		if err != nil {
			return nil, err
		}
		open := 0
		for _, p := range positions {
			if !p.Qty.IsZero() {
				open++
			}
		}
		if open >= *in.MaxSlots {
			return nil, nil // skip: all slots occupied
		}

		price, err := s.refPrice(ctx, cl, in)
		if err != nil {
			return nil, err
		}
		q := available / float64(*in.MaxSlots) / price
		return &q, nil
	}

	if in.RiskPct != nil && *in.RiskPct > 0 {
		acct, err := cl.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		price, err := s.refPrice(ctx, cl, in)
		if err != nil {
			return nil, err
		}
		q := acct.Equity * *in.RiskPct / price
		return &q, nil
	}

	one := 1.0
	return &one, nil
}

func (s *Sizer) sizeSell(ctx context.Context, cl broker.Client, in Inputs) (*Result, error) {
	pos, err := cl.GetOpenPosition(ctx, in.TradeSymbol)
	if errors.Is(err, broker.ErrPositionNotFound) {
		return nil, ErrNotHolding
	}
	if err != nil {
		return nil, err
	}

	held := pos.Qty.Abs()
	qty := held

	switch {
	case in.FlatExit:
		// full flatten regardless of overrides
	case in.QtyOverride != nil:
		q := decimal.NewFromFloat(*in.QtyOverride)
		if q.LessThan(held) {
			qty = q
		}
	case in.PctOverride != nil:
		qty = held.Mul(decimal.NewFromFloat(*in.PctOverride))
	}

	return &Result{Qty: signal.QuantizeQty(in.Class, qty.InexactFloat64())}, nil
}

// refPrice resolves the sizing reference price: the signal's entry price
// when present, otherwise the live price from the broker's data feed.
func (s *Sizer) refPrice(ctx context.Context, cl broker.Client, in Inputs) (float64, error) {
	if in.Entry != nil && *in.Entry > 0 {
		return *in.Entry, nil
	}
	if in.Class == signal.AssetCrypto {
		_, ask, err := cl.GetLatestCryptoQuote(ctx, in.DataPair)
		if err != nil || ask <= 0 {
			return 0, ErrNoPriceData
		}
		return ask, nil
	}
	price, err := cl.GetLatestTradePrice(ctx, in.TradeSymbol)
	if err != nil || price <= 0 {
		return 0, ErrNoPriceData
	}
	return price, nil
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

package sizing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/signal"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func buyInputs() Inputs {
	return Inputs{
		Action:      signal.ActionBuy,
		Class:       signal.AssetEquity,
		TradeSymbol: "AAPL",
		Entry:       fp(180.0),
		ATR:         fp(1.5),
		TrailMult:   fp(2.0),
		RiskPct:     fp(0.01),
	}
}

func TestSizeBuy_RiskPctWithBracket(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	s := New()

	res, err := s.Size(context.Background(), pb, buyInputs())
	require.NoError(t, err)
	require.False(t, res.Skip)

	// equity*risk_pct/price = 100/180 < 1 share, clamped to 1.
	assert.Equal(t, "1", res.Qty.String())

	require.NotNil(t, res.StopLoss)
	require.NotNil(t, res.TakeProfit)
	assert.Equal(t, "177", res.StopLoss.String())
	assert.Equal(t, "186", res.TakeProfit.String())
}

func TestSizeBuy_DefaultRMultiple(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := buyInputs()
	in.RMultiple = nil // falls back to 2.0

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "186", res.TakeProfit.String())
}

func TestSizeBuy_NoBracketWithoutATR(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := buyInputs()
	in.ATR = nil

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Nil(t, res.TakeProfit)
	assert.Nil(t, res.StopLoss)
}

func TestSizeBuy_QtyOverrideWins(t *testing.T) {
	pb := broker.NewPaperBroker(1000000, 1000000)
	in := buyInputs()
	in.QtyOverride = fp(7)
	in.MaxSlots = ip(4)

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "7", res.Qty.String())
}

func TestSizeBuy_PercentageOfCash(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 9000)
	in := buyInputs()
	in.PctOverride = fp(0.5) // 50% of cash 9000 = 4500 / 180 = 25 shares

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "25", res.Qty.String())
}

func TestSizeBuy_MaxSlots(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := buyInputs()
	in.MaxSlots = ip(4)
	in.BufferRatio = fp(0.05)

	// available = 10000*0.95 = 9500; per slot 2375; at entry 180 → 13.19 → 13
	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "13", res.Qty.String())
}

func TestSizeBuy_MaxSlotsFullSkips(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetPosition("MSFT", decimal.NewFromInt(5), 400)
	pb.SetPosition("NVDA", decimal.NewFromInt(2), 900)

	in := buyInputs()
	in.MaxSlots = ip(2)

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.True(t, res.Skip)
	assert.Equal(t, SkipReasonMaxSlots, res.SkipReason)
}

func TestSizeBuy_BufferClamped(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := buyInputs()
	in.MaxSlots = ip(1)
	in.BufferRatio = fp(2.0) // clamped to 0.95 → available 500 → 2 shares

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "2", res.Qty.String())
}

func TestSizeBuy_FallbackSingleUnit(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := buyInputs()
	in.RiskPct = nil

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Qty.String())
}

func TestSizeBuy_LivePriceWhenNoEntry(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetPrice("AAPL", 200)

	in := buyInputs()
	in.Entry = nil
	in.ATR = nil
	in.RiskPct = fp(0.10) // 1000/200 = 5 shares

	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "5", res.Qty.String())
}

func TestSizeBuy_NoPriceData(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := buyInputs()
	in.Entry = nil
	in.RiskPct = fp(0.01)

	_, err := New().Size(context.Background(), pb, in)
	assert.ErrorIs(t, err, ErrNoPriceData)
}

func TestSizeBuy_CryptoQuantization(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetQuote("ETH/USD", 2999, 3000)

	in := Inputs{
		Action:      signal.ActionBuy,
		Class:       signal.AssetCrypto,
		TradeSymbol: "ETHUSD",
		DataPair:    "ETH/USD",
		RiskPct:     fp(0.01), // 100/3000 = 0.033333...
	}
	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "0.033333", res.Qty.String())
}

func TestSizeSell_FullFlattenByDefault(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetPosition("SPY", decimal.NewFromInt(12), 500)

	in := Inputs{Action: signal.ActionSell, Class: signal.AssetEquity, TradeSymbol: "SPY"}
	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "12", res.Qty.String())
}

func TestSizeSell_NotHolding(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	in := Inputs{Action: signal.ActionSell, Class: signal.AssetEquity, TradeSymbol: "SPY"}

	_, err := New().Size(context.Background(), pb, in)
	assert.ErrorIs(t, err, ErrNotHolding)
}

func TestSizeSell_QtyOverrideClampedToHeld(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetPosition("SPY", decimal.NewFromInt(5), 500)

	in := Inputs{
		Action: signal.ActionSell, Class: signal.AssetEquity,
		TradeSymbol: "SPY", QtyOverride: fp(50),
	}
	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "5", res.Qty.String())
}

func TestSizeSell_Percentage(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetPosition("SPY", decimal.NewFromInt(10), 500)

	in := Inputs{
		Action: signal.ActionSell, Class: signal.AssetEquity,
		TradeSymbol: "SPY", PctOverride: fp(0.5),
	}
	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "5", res.Qty.String())
}

func TestSizeSell_FlatExitBeatsPercentage(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	pb.SetPosition("SPY", decimal.NewFromInt(10), 500)

	in := Inputs{
		Action: signal.ActionSell, Class: signal.AssetEquity,
		TradeSymbol: "SPY", PctOverride: fp(0.5), FlatExit: true,
	}
	res, err := New().Size(context.Background(), pb, in)
	require.NoError(t, err)
	assert.Equal(t, "10", res.Qty.String())
}

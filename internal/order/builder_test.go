package order

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/signal"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestClientOrderID_Deterministic(t *testing.T) {
	jobID := "6f1a2b3c-4d5e-6f70-8192-a3b4c5d6e7f8"

	first := ClientOrderID(jobID)
	second := ClientOrderID(jobID)
	if first != second {
		t.Fatalf("not deterministic: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "q_") {
		t.Errorf("missing prefix: %q", first)
	}
	if strings.Contains(first, "-") {
		t.Errorf("dashes not stripped: %q", first)
	}
	if len(first) > 30 {
		t.Errorf("length %d exceeds broker cap", len(first))
	}
}

func TestBuild_BracketBuy(t *testing.T) {
	req := Build(Params{
		JobID:      "aaaa-bbbb",
		Symbol:     "AAPL",
		Action:     signal.ActionBuy,
		Class:      signal.AssetEquity,
		Qty:        decimal.NewFromInt(1),
		TakeProfit: dec("186"),
		StopLoss:   dec("177"),
	})

	if req.Class != broker.ClassBracket {
		t.Fatalf("class = %s, want bracket", req.Class)
	}
	if req.Type != broker.TypeMarket {
		t.Errorf("type = %s, want market", req.Type)
	}
	if req.TimeInForce != broker.TIFDay {
		t.Errorf("tif = %s, want day", req.TimeInForce)
	}
	if req.TakeProfitPx.String() != "186" || req.StopLossPx.String() != "177" {
		t.Errorf("legs = %v / %v", req.TakeProfitPx, req.StopLossPx)
	}
}

func TestBuild_SellNeverBrackets(t *testing.T) {
	req := Build(Params{
		JobID:      "aaaa",
		Symbol:     "AAPL",
		Action:     signal.ActionSell,
		Class:      signal.AssetEquity,
		Qty:        decimal.NewFromInt(5),
		TakeProfit: dec("186"),
		StopLoss:   dec("177"),
	})
	if req.Class != broker.ClassSimple {
		t.Errorf("sell built a bracket")
	}
	if req.Side != broker.SideSell {
		t.Errorf("side = %s", req.Side)
	}
	if req.TakeProfitPx != nil || req.StopLossPx != nil {
		t.Error("sell carried bracket legs")
	}
}

func TestBuild_BuyWithoutBothLegsIsPlain(t *testing.T) {
	req := Build(Params{
		JobID:      "aaaa",
		Symbol:     "AAPL",
		Action:     signal.ActionBuy,
		Class:      signal.AssetEquity,
		Qty:        decimal.NewFromInt(1),
		TakeProfit: dec("186"), // no stop loss
	})
	if req.Class != broker.ClassSimple {
		t.Error("bracket requires both legs")
	}
}

func TestBuild_CryptoTIF(t *testing.T) {
	req := Build(Params{
		JobID:  "aaaa",
		Symbol: "ETHUSD",
		Action: signal.ActionBuy,
		Class:  signal.AssetCrypto,
		Qty:    decimal.NewFromFloat(0.5),
	})
	if req.TimeInForce != broker.TIFGTC {
		t.Errorf("crypto tif = %s, want gtc", req.TimeInForce)
	}

	// Crypto forbids day even when the strategy asks for it.
	req = Build(Params{
		JobID: "aaaa", Symbol: "ETHUSD", Action: signal.ActionBuy,
		Class: signal.AssetCrypto, Qty: decimal.NewFromFloat(0.5),
		TimeInForce: "day",
	})
	if req.TimeInForce != broker.TIFGTC {
		t.Errorf("crypto day tif = %s, want gtc", req.TimeInForce)
	}
}

func TestBuild_AfterHoursForcesOPG(t *testing.T) {
	req := Build(Params{
		JobID: "aaaa", Symbol: "AAPL", Action: signal.ActionBuy,
		Class: signal.AssetEquity, Qty: decimal.NewFromInt(1),
		AfterHours: "opg",
	})
	if req.TimeInForce != broker.TIFOPG {
		t.Errorf("after-hours tif = %s, want opg", req.TimeInForce)
	}
}

func TestBuild_LimitAndStop(t *testing.T) {
	req := Build(Params{
		JobID: "aaaa", Symbol: "AAPL", Action: signal.ActionBuy,
		Class: signal.AssetEquity, Qty: decimal.NewFromInt(1),
		LimitPrice: dec("150"),
	})
	if req.Type != broker.TypeLimit {
		t.Errorf("type = %s, want limit", req.Type)
	}

	req = Build(Params{
		JobID: "aaaa", Symbol: "AAPL", Action: signal.ActionSell,
		Class: signal.AssetEquity, Qty: decimal.NewFromInt(1),
		StopPrice: dec("140"),
	})
	if req.Type != broker.TypeStop {
		t.Errorf("type = %s, want stop", req.Type)
	}
}

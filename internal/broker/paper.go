// Package broker - paper.go implements the paper broker.
//
// The paper broker simulates account state and order acceptance in memory.
// It uses the same interface as the live client so all pipeline logic
// remains identical between paper and live modes, and it backs the worker
// and ingress tests.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/duguai/tradeflow/internal/config"
)

// PaperBroker simulates broker operations for paper trading and tests.
// Orders are accepted immediately; fills are not modeled.
type PaperBroker struct {
	mu        sync.Mutex
	account   Account
	positions map[string]*Position
	open      []Order
	submitted map[string]bool // client_order_id dedup
	prices    map[string]float64
	quotes    map[string][2]float64 // pair → {bid, ask}
	nextID    int
	baseURL   string

	// SubmitErr, when non-nil, is returned by the next SubmitOrder calls
	// until cleared. Lets tests exercise the retry path.
	SubmitErr error

	// Submissions records every accepted order request in order.
	Submissions []OrderRequest
	// Canceled records ids passed to CancelOrder.
	Canceled []string
}

// NewPaperBroker creates a paper broker with the given starting balances.
func NewPaperBroker(equity, cash float64) *PaperBroker {
	return &PaperBroker{
		account:   Account{Equity: equity, Cash: cash, LastEquity: equity},
		positions: make(map[string]*Position),
		submitted: make(map[string]bool),
		prices:    make(map[string]float64),
		quotes:    make(map[string][2]float64),
		baseURL:   config.DefaultPaperBaseURL,
	}
}

// SetEquity adjusts the simulated account equity.
func (pb *PaperBroker) SetEquity(equity float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.account.Equity = equity
}

// SetPosition installs (or, with a zero qty, removes) a position.
func (pb *PaperBroker) SetPosition(symbol string, qty decimal.Decimal, avgEntry float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if qty.IsZero() {
		delete(pb.positions, symbol)
		return
	}
	pb.positions[symbol] = &Position{Symbol: symbol, Qty: qty, AvgEntry: avgEntry}
}

// SetPrice sets the last-trade price for an equity symbol.
func (pb *PaperBroker) SetPrice(symbol string, price float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prices[symbol] = price
}

// SetQuote sets the bid/ask for a crypto data pair.
func (pb *PaperBroker) SetQuote(pair string, bid, ask float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.quotes[pair] = [2]float64{bid, ask}
}

// AddOpenOrder seeds a resting order (e.g. stale bracket legs in tests).
func (pb *PaperBroker) AddOpenOrder(o Order) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.open = append(pb.open, o)
}

// SetBaseURL overrides the reported API origin (mode-guard tests).
func (pb *PaperBroker) SetBaseURL(u string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.baseURL = u
}

func (pb *PaperBroker) BaseURL() string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.baseURL
}

func (pb *PaperBroker) GetAccount(_ context.Context) (*Account, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	a := pb.account
	return &a, nil
}

func (pb *PaperBroker) GetOpenPosition(_ context.Context, symbol string) (*Position, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	p, ok := pb.positions[symbol]
	if !ok || p.Qty.IsZero() {
		return nil, ErrPositionNotFound
	}
	copied := *p
	return &copied, nil
}

func (pb *PaperBroker) GetAllPositions(_ context.Context) ([]Position, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make([]Position, 0, len(pb.positions))
	for _, p := range pb.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (pb *PaperBroker) GetLatestTradePrice(_ context.Context, symbol string) (float64, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	price, ok := pb.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("broker: no trade data for %s", symbol)
	}
	return price, nil
}

func (pb *PaperBroker) GetLatestCryptoQuote(_ context.Context, pair string) (float64, float64, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	q, ok := pb.quotes[pair]
	if !ok {
		return 0, 0, fmt.Errorf("broker: no quote data for %s", pair)
	}
	return q[0], q[1], nil
}

func (pb *PaperBroker) ListOpenOrders(_ context.Context, symbol string, side OrderSide) ([]Order, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	var out []Order
	for _, o := range pb.open {
		if o.Symbol != symbol {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (pb *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for i, o := range pb.open {
		if o.ID == orderID {
			pb.open = append(pb.open[:i], pb.open[i+1:]...)
			pb.Canceled = append(pb.Canceled, orderID)
			return nil
		}
	}
	return fmt.Errorf("broker: cancel order %s: not found", orderID)
}

func (pb *PaperBroker) SubmitOrder(_ context.Context, req *OrderRequest) (*Order, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.SubmitErr != nil {
		return nil, pb.SubmitErr
	}
	if req.ClientOrderID != "" && pb.submitted[req.ClientOrderID] {
		return nil, ErrAlreadyExists
	}
	if req.Side == SideBuy {
		cost := req.Qty.InexactFloat64() * pb.refPrice(req)
		if cost > pb.account.Cash {
			return nil, &RejectedError{StatusCode: 403, Message: "insufficient buying power"}
		}
	}

	pb.nextID++
	order := Order{
		ID:            fmt.Sprintf("PAPER-%d", pb.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "accepted",
	}
	if req.ClientOrderID != "" {
		pb.submitted[req.ClientOrderID] = true
	}
	pb.Submissions = append(pb.Submissions, *req)
	return &order, nil
}

// refPrice picks the best-known reference price for buying-power checks.
func (pb *PaperBroker) refPrice(req *OrderRequest) float64 {
	if req.LimitPrice != nil {
		return req.LimitPrice.InexactFloat64()
	}
	if p, ok := pb.prices[req.Symbol]; ok {
		return p
	}
	if strings.Contains(req.Symbol, "USD") {
		if q, ok := pb.quotes[req.Symbol]; ok {
			return q[1]
		}
	}
	return 0
}

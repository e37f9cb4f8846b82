// Package broker defines the broker abstraction layer.
//
// Design rules:
//   - No sizing or risk logic inside the broker layer.
//   - The broker is used only for execution and account state.
//   - Implementations are safe for concurrent use.
//   - Error classification (fatal vs transient) lives here, next to the
//     API surface that produces the errors.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType represents the order type.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
	TypeStop   OrderType = "stop"
)

// TimeInForce is the lifetime policy of a resting order.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
	TIFOPG TimeInForce = "opg"
	TIFCLS TimeInForce = "cls"
)

// OrderClass distinguishes plain orders from bracket entries.
type OrderClass string

const (
	ClassSimple  OrderClass = "simple"
	ClassBracket OrderClass = "bracket"
)

// Account is the broker account snapshot.
type Account struct {
	Equity     float64
	Cash       float64
	LastEquity float64
}

// Position is one open position.
type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgEntry float64
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Status        string
}

// OrderRequest is a fully-assembled order submission.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           decimal.Decimal
	TimeInForce   TimeInForce
	Class         OrderClass
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TakeProfitPx  *decimal.Decimal // bracket TP leg limit price
	StopLossPx    *decimal.Decimal // bracket SL leg stop price
	ClientOrderID string
}

// Client is the narrow broker contract the pipeline consumes.
type Client interface {
	// GetAccount returns the current account snapshot.
	GetAccount(ctx context.Context) (*Account, error)

	// GetOpenPosition returns the position for a (trade-normalized)
	// symbol; ErrPositionNotFound when flat.
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)

	// GetAllPositions returns every open position.
	GetAllPositions(ctx context.Context) ([]Position, error)

	// GetLatestTradePrice returns the last trade price for an equity.
	GetLatestTradePrice(ctx context.Context, symbol string) (float64, error)

	// GetLatestCryptoQuote returns the current bid/ask for a crypto data
	// pair such as "ETH/USD".
	GetLatestCryptoQuote(ctx context.Context, pair string) (bid, ask float64, err error)

	// ListOpenOrders returns open orders for a symbol, optionally
	// filtered by side (empty side = both).
	ListOpenOrders(ctx context.Context, symbol string, side OrderSide) ([]Order, error)

	// CancelOrder cancels an open order by broker id.
	CancelOrder(ctx context.Context, orderID string) error

	// SubmitOrder submits the request. A client-order-id collision is
	// surfaced as ErrAlreadyExists.
	SubmitOrder(ctx context.Context, req *OrderRequest) (*Order, error)

	// BaseURL exposes the API origin for the paper/live mode guard.
	BaseURL() string
}

// Sentinel errors shared by all implementations.
var (
	// ErrPositionNotFound means the account is flat in the symbol.
	ErrPositionNotFound = errors.New("broker: position not found")

	// ErrAlreadyExists means the client_order_id was already used; the
	// original submission stands, so callers treat this as success.
	ErrAlreadyExists = errors.New("broker: order already exists")
)

// RejectedError is a 4xx refusal from the broker (insufficient funds, bad
// symbol, …). Never retried.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker rejected (%d): %s", e.StatusCode, e.Message)
}

// IsRejected reports whether err is a non-retryable broker refusal.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Timeouts applied by implementations to outbound calls.
const (
	SubmitTimeout = 10 * time.Second
	PingTimeout   = 2 * time.Second
)

// Package broker - alpaca.go implements Client against the Alpaca v2 API
// using the official SDK.
//
// The trading client covers account, positions, and orders; the market
// data client covers last-trade and crypto quotes. Market data calls run
// behind a circuit breaker so a data outage degrades fast instead of
// stalling the worker, and every call passes a shared rate limiter to stay
// inside Alpaca's request budget.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/duguai/tradeflow/internal/config"
)

// alpacaRateLimit keeps us under the documented 200 req/min account cap.
var alpacaRateLimit = rate.Limit(3)

// AlpacaClient implements Client on the official SDK.
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[float64]
}

// NewAlpacaClient builds a client from resolved credentials.
func NewAlpacaClient(creds *config.Credentials) *AlpacaClient {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    creds.KeyID,
		APISecret: creds.SecretKey,
		BaseURL:   creds.BaseURL,
	})
	data := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    creds.KeyID,
		APISecret: creds.SecretKey,
	})

	breaker := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "alpaca-marketdata-" + creds.Alias,
		MaxRequests: 1,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	return &AlpacaClient{
		trading: trading,
		data:    data,
		baseURL: creds.BaseURL,
		limiter: rate.NewLimiter(alpacaRateLimit, 5),
		breaker: breaker,
	}
}

// BaseURL exposes the API origin for the paper/live mode guard.
func (ac *AlpacaClient) BaseURL() string { return ac.baseURL }

func (ac *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	acct, err := ac.trading.GetAccount()
	if err != nil {
		return nil, wrapAlpacaErr("get account", err)
	}
	return &Account{
		Equity:     acct.Equity.InexactFloat64(),
		Cash:       acct.Cash.InexactFloat64(),
		LastEquity: acct.LastEquity.InexactFloat64(),
	}, nil
}

func (ac *AlpacaClient) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	pos, err := ac.trading.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, ErrPositionNotFound
		}
		return nil, wrapAlpacaErr("get position", err)
	}
	return &Position{
		Symbol:   pos.Symbol,
		Qty:      pos.Qty,
		AvgEntry: pos.AvgEntryPrice.InexactFloat64(),
	}, nil
}

func (ac *AlpacaClient) GetAllPositions(ctx context.Context) ([]Position, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := ac.trading.GetPositions()
	if err != nil {
		return nil, wrapAlpacaErr("get positions", err)
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, Position{
			Symbol:   p.Symbol,
			Qty:      p.Qty,
			AvgEntry: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return out, nil
}

func (ac *AlpacaClient) GetLatestTradePrice(ctx context.Context, symbol string) (float64, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return ac.breaker.Execute(func() (float64, error) {
		trade, err := ac.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err != nil {
			return 0, wrapAlpacaErr("latest trade", err)
		}
		if trade == nil {
			return 0, fmt.Errorf("broker: no trade data for %s", symbol)
		}
		return trade.Price, nil
	})
}

func (ac *AlpacaClient) GetLatestCryptoQuote(ctx context.Context, pair string) (float64, float64, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return 0, 0, err
	}
	var bid, ask float64
	_, err := ac.breaker.Execute(func() (float64, error) {
		quote, err := ac.data.GetLatestCryptoQuote(pair, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return 0, wrapAlpacaErr("latest crypto quote", err)
		}
		if quote == nil {
			return 0, fmt.Errorf("broker: no quote data for %s", pair)
		}
		bid, ask = quote.BidPrice, quote.AskPrice
		return quote.AskPrice, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bid, ask, nil
}

func (ac *AlpacaClient) ListOpenOrders(ctx context.Context, symbol string, side OrderSide) ([]Order, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := ac.trading.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{symbol},
		Limit:   100,
	})
	if err != nil {
		return nil, wrapAlpacaErr("list open orders", err)
	}
	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		if side != "" && OrderSide(o.Side) != side {
			continue
		}
		out = append(out, Order{
			ID:            o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          OrderSide(o.Side),
			Status:        string(o.Status),
		})
	}
	return out, nil
}

func (ac *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := ac.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := ac.trading.CancelOrder(orderID); err != nil {
		return wrapAlpacaErr("cancel order", err)
	}
	return nil
}

func (ac *AlpacaClient) SubmitOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	if err := ac.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	qty := req.Qty
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Class == ClassBracket {
		placeReq.OrderClass = alpaca.Bracket
		placeReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: req.TakeProfitPx}
		placeReq.StopLoss = &alpaca.StopLoss{StopPrice: req.StopLossPx}
	}

	order, err := ac.trading.PlaceOrder(placeReq)
	if err != nil {
		return nil, classifySubmitErr(err)
	}
	return &Order{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          OrderSide(order.Side),
		Status:        string(order.Status),
	}, nil
}

// classifySubmitErr maps an SDK error into the pipeline taxonomy: a
// client-order-id collision is idempotent success, other 4xx are terminal
// rejections, everything else is transient.
func classifySubmitErr(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 422 && strings.Contains(apiErr.Message, "client_order_id") {
			return ErrAlreadyExists
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "already exists") {
			return ErrAlreadyExists
		}
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return &RejectedError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
	}
	return fmt.Errorf("broker: submit order: %w", err)
}

func wrapAlpacaErr(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
		return &RejectedError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return fmt.Errorf("broker: %s: %w", op, err)
}

// Ping checks API reachability for the health endpoint. Returns the HTTP
// status-ish outcome as an error (nil means reachable).
func (ac *AlpacaClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	_, err := ac.GetAccount(ctx)
	return err
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradewind/internal/config"
	"tradewind/internal/domain"
	"tradewind/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway implements Gateway against the Alpaca trading and market-data
// APIs. All calls pass through a shared rate limiter.
type AlpacaGateway struct {
	trading    *alpaca.Client
	data       *marketdata.Client
	limiter    *util.RateLimiter
	quoteAsset string
}

// NewAlpacaGateway creates an AlpacaGateway from the Alpaca credential block
// and gateway tuning config.
func NewAlpacaGateway(cfg config.Alpaca, gw config.GatewayConfig, quoteAsset string) *AlpacaGateway {
	httpClient := &http.Client{Timeout: gw.CallTimeout.Std()}
	return &AlpacaGateway{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			HTTPClient: httpClient,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.DataURL,
			HTTPClient: httpClient,
		}),
		limiter:    util.NewBurstRateLimiter(gw.RateLimitPerMin, 10),
		quoteAsset: quoteAsset,
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string { return "alpaca" }

// FetchBars returns the most recent window bars for a symbol, oldest first.
func (g *AlpacaGateway) FetchBars(ctx context.Context, symbol, timeframe string, window int) ([]domain.Bar, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tf, err := parseTimeframe(timeframe)
	if err != nil {
		return nil, NonRetriable("FetchBars", err)
	}

	raw, err := g.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  tf,
		TotalLimit: window,
	})
	if err != nil {
		return nil, classify("FetchBars", err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    float64(ab.Volume),
		})
	}
	return bars, nil
}

// SubmitOrder places the order at Alpaca using order.ClientOrderID as the
// idempotency key. A transport-level failure (no HTTP status from the venue)
// is reported as ErrUnknownOutcome: the request may have landed.
func (g *AlpacaGateway) SubmitOrder(ctx context.Context, order *domain.Order) (*OrderState, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	qty := order.Qty
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		Type:          alpaca.OrderType(order.Type),
		TimeInForce:   alpaca.GTC,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Type == domain.OrderTypeLimit {
		limit := order.LimitPrice
		req.LimitPrice = &limit
	}

	placed, err := g.trading.PlaceOrder(req)
	if err != nil {
		var apiErr *alpaca.APIError
		if !errors.As(err, &apiErr) {
			return nil, Retriable("SubmitOrder", fmt.Errorf("%w: %v", ErrUnknownOutcome, err))
		}
		return nil, classify("SubmitOrder", err)
	}
	return orderState(placed), nil
}

// CancelOrder requests cancellation by venue order id.
func (g *AlpacaGateway) CancelOrder(ctx context.Context, venueOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := g.trading.CancelOrder(venueOrderID); err != nil {
		return classify("CancelOrder", err)
	}
	return nil
}

// FetchOrder returns the venue's view of an order by client order id.
func (g *AlpacaGateway) FetchOrder(ctx context.Context, clientOrderID string) (*OrderState, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := g.trading.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, ErrOrderNotFound
		}
		return nil, classify("FetchOrder", err)
	}
	return orderState(o), nil
}

// FetchOpenOrders returns all orders Alpaca still considers open.
func (g *AlpacaGateway) FetchOpenOrders(ctx context.Context) ([]OrderState, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := g.trading.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	})
	if err != nil {
		return nil, classify("FetchOpenOrders", err)
	}
	states := make([]OrderState, 0, len(raw))
	for i := range raw {
		states = append(states, *orderState(&raw[i]))
	}
	return states, nil
}

// FetchBalances reports the account cash as a single quote-asset balance.
// Alpaca does not expose per-asset reservations, so everything is Available.
func (g *AlpacaGateway) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	acct, err := g.trading.GetAccount()
	if err != nil {
		return nil, classify("FetchBalances", err)
	}
	return []domain.Balance{{
		Asset:     g.quoteAsset,
		Available: acct.Cash,
	}}, nil
}

// FetchPositions returns the venue-reported open positions.
func (g *AlpacaGateway) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := g.trading.GetPositions()
	if err != nil {
		return nil, classify("FetchPositions", err)
	}
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if p.Side == "short" {
			qty = qty.Neg()
		}
		positions = append(positions, domain.Position{
			Symbol:        p.Symbol,
			Qty:           qty,
			AvgEntryPrice: p.AvgEntryPrice,
		})
	}
	return positions, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// classify maps an Alpaca SDK error onto the gateway error taxonomy. Errors
// without an HTTP status (transport failures) count as retriable.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return Retriable(op, err)
	}
	switch {
	case apiErr.StatusCode == 429:
		return RateLimited(op, err)
	case apiErr.StatusCode == 408 || apiErr.StatusCode >= 500:
		return Retriable(op, err)
	default:
		return NonRetriable(op, err)
	}
}

// orderState converts an Alpaca order into the gateway's venue view.
func orderState(o *alpaca.Order) *OrderState {
	s := &OrderState{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.ID,
		Status:        mapStatus(string(o.Status)),
		FilledQty:     o.FilledQty,
	}
	if o.FilledAvgPrice != nil {
		s.FilledAvgPrice = *o.FilledAvgPrice
	} else {
		s.FilledAvgPrice = decimal.Zero
	}
	return s
}

// mapStatus maps Alpaca order statuses onto the lifecycle machine.
func mapStatus(status string) domain.OrderStatus {
	switch status {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCanceled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		// new, accepted, pending_new, pending_cancel, pending_replace.
		return domain.OrderStatusAccepted
	}
}

// parseTimeframe converts a config timeframe string (e.g. "5m", "1h", "1d")
// into an Alpaca market-data timeframe.
func parseTimeframe(tf string) (marketdata.TimeFrame, error) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if len(tf) < 2 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return marketdata.NewTimeFrame(n, marketdata.Min), nil
	case 'h':
		return marketdata.NewTimeFrame(n, marketdata.Hour), nil
	case 'd':
		return marketdata.NewTimeFrame(n, marketdata.Day), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("invalid timeframe %q", tf)
}

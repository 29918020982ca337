package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*SimGateway)(nil)

// FillStep is one scripted step of a simulated order's life. Each poll of the
// order (FetchOrder or FetchOpenOrders) advances the plan by one step.
type FillStep struct {
	Status domain.OrderStatus
	Qty    decimal.Decimal // cumulative filled quantity after this step
	Price  decimal.Decimal // cumulative average fill price after this step
}

// simOrder is the simulator's record of one accepted order.
type simOrder struct {
	state OrderState
	order domain.Order
	plan  []FillStep
	step  int
}

// SimGateway is an in-memory venue for paper trading and tests. Orders
// deduplicate on client order id, fills advance along scripted plans as the
// order is polled, and submission faults can be injected.
type SimGateway struct {
	mu        sync.Mutex
	orders    map[string]*simOrder // by client order id
	balances  map[string]decimal.Decimal
	positions map[string]*domain.Position
	bars      map[string][]domain.Bar
	nextVenue int

	// defaultPlan is applied to orders submitted without a scripted plan.
	defaultPlan []FillStep
	// pendingPlans holds plans registered ahead of submission, by client
	// order id.
	pendingPlans map[string][]FillStep
	// submitErrs is a FIFO of errors returned by SubmitOrder before the
	// request takes effect. A paired ErrUnknownOutcome still records the
	// order, modelling a response lost in transit.
	submitErrs []error
}

// NewSimGateway creates an empty simulated venue. By default orders fill
// completely on first poll, at their limit price, or at the symbol's last
// installed bar close for market orders.
func NewSimGateway() *SimGateway {
	return &SimGateway{
		orders:       make(map[string]*simOrder),
		balances:     make(map[string]decimal.Decimal),
		positions:    make(map[string]*domain.Position),
		bars:         make(map[string][]domain.Bar),
		pendingPlans: make(map[string][]FillStep),
	}
}

// Name returns "sim".
func (g *SimGateway) Name() string { return "sim" }

// SetBars installs the bar history served for a symbol.
func (g *SimGateway) SetBars(symbol string, bars []domain.Bar) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bars[symbol] = bars
}

// SetBalance sets the venue-side balance for an asset.
func (g *SimGateway) SetBalance(asset string, available decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[asset] = available
}

// SetPosition sets the venue-side position for a symbol.
func (g *SimGateway) SetPosition(p domain.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Qty.IsZero() {
		delete(g.positions, p.Symbol)
		return
	}
	cp := p
	g.positions[p.Symbol] = &cp
}

// SetDefaultPlan sets the fill plan applied to orders without a scripted one.
func (g *SimGateway) SetDefaultPlan(plan []FillStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultPlan = plan
}

// PlanFills scripts the fill plan for a specific client order id ahead of its
// submission.
func (g *SimGateway) PlanFills(clientOrderID string, plan []FillStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingPlans[clientOrderID] = plan
}

// FailNextSubmits queues errors returned by the next SubmitOrder calls, in
// order. An entry wrapping ErrUnknownOutcome records the order anyway.
func (g *SimGateway) FailNextSubmits(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitErrs = append(g.submitErrs, errs...)
}

// FetchBars returns the last window bars installed for the symbol.
func (g *SimGateway) FetchBars(_ context.Context, symbol, _ string, window int) ([]domain.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bars := g.bars[symbol]
	if len(bars) > window {
		bars = bars[len(bars)-window:]
	}
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// SubmitOrder records the order, deduplicating on client order id: a
// resubmission of a known id returns the existing venue state instead of
// creating a second order.
func (g *SimGateway) SubmitOrder(_ context.Context, order *domain.Order) (*OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Injected faults are transport-level: they fire whether or not the
	// order is already known.
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			if errors.Is(err, ErrUnknownOutcome) {
				if _, ok := g.orders[order.ClientOrderID]; !ok {
					g.record(order)
				}
			}
			return nil, err
		}
	}

	if existing, ok := g.orders[order.ClientOrderID]; ok {
		st := existing.state
		return &st, nil
	}

	st := g.record(order)
	return &st, nil
}

// record registers the order as accepted and assigns its fill plan. Caller
// holds g.mu.
func (g *SimGateway) record(order *domain.Order) OrderState {
	g.nextVenue++
	plan, ok := g.pendingPlans[order.ClientOrderID]
	if ok {
		delete(g.pendingPlans, order.ClientOrderID)
	} else if g.defaultPlan != nil {
		plan = g.defaultPlan
	} else {
		price := order.LimitPrice
		if !price.IsPositive() {
			price = g.lastClose(order.Symbol)
		}
		plan = []FillStep{{Status: domain.OrderStatusFilled, Qty: order.Qty, Price: price}}
	}
	so := &simOrder{
		state: OrderState{
			ClientOrderID:  order.ClientOrderID,
			VenueOrderID:   fmt.Sprintf("sim-%d", g.nextVenue),
			Status:         domain.OrderStatusAccepted,
			FilledQty:      decimal.Zero,
			FilledAvgPrice: decimal.Zero,
		},
		order: *order,
		plan:  plan,
	}
	g.orders[order.ClientOrderID] = so
	return so.state
}

// lastClose returns the close of the most recent bar installed for the
// symbol, or zero when no bars are loaded. Caller holds g.mu.
func (g *SimGateway) lastClose(symbol string) decimal.Decimal {
	bars := g.bars[symbol]
	if len(bars) == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(bars[len(bars)-1].Close)
}

// CancelOrder cancels the remainder of an open order by venue order id.
func (g *SimGateway) CancelOrder(_ context.Context, venueOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, so := range g.orders {
		if so.state.VenueOrderID != venueOrderID {
			continue
		}
		if so.state.Status.IsTerminal() {
			return nil
		}
		so.state.Status = domain.OrderStatusCanceled
		so.step = len(so.plan)
		return nil
	}
	return ErrOrderNotFound
}

// FetchOrder returns the venue state for a client order id, advancing its
// fill plan by one step.
func (g *SimGateway) FetchOrder(_ context.Context, clientOrderID string) (*OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	so, ok := g.orders[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	g.advance(so)
	st := so.state
	return &st, nil
}

// FetchOpenOrders returns all non-terminal orders, advancing each fill plan
// by one step.
func (g *SimGateway) FetchOpenOrders(_ context.Context) ([]OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []OrderState
	for _, so := range g.orders {
		g.advance(so)
		if !so.state.Status.IsTerminal() {
			out = append(out, so.state)
		}
	}
	return out, nil
}

// advance applies the next fill-plan step, updating venue-side balances and
// positions for the newly filled delta. Caller holds g.mu.
func (g *SimGateway) advance(so *simOrder) {
	if so.step >= len(so.plan) || so.state.Status.IsTerminal() {
		return
	}
	step := so.plan[so.step]
	so.step++

	delta := step.Qty.Sub(so.state.FilledQty)
	so.state.Status = step.Status
	so.state.FilledQty = step.Qty
	so.state.FilledAvgPrice = step.Price

	if delta.IsPositive() {
		g.settle(so.order, delta, step.Price)
	}
}

// settle mirrors a fill into the simulated account.
func (g *SimGateway) settle(order domain.Order, qty, price decimal.Decimal) {
	base, quote := splitPair(order.Symbol)
	cost := qty.Mul(price)

	signed := qty
	if order.Side == domain.SideSell {
		signed = qty.Neg()
		g.balances[base] = g.balances[base].Sub(qty)
		g.balances[quote] = g.balances[quote].Add(cost)
	} else {
		g.balances[quote] = g.balances[quote].Sub(cost)
		g.balances[base] = g.balances[base].Add(qty)
	}

	p, ok := g.positions[order.Symbol]
	if !ok {
		p = &domain.Position{Symbol: order.Symbol}
		g.positions[order.Symbol] = p
	}
	newQty := p.Qty.Add(signed)
	switch {
	case newQty.IsZero():
		delete(g.positions, order.Symbol)
		return
	case p.Qty.IsZero() || p.Qty.Sign() != newQty.Sign():
		p.AvgEntryPrice = price
	case signed.Sign() == p.Qty.Sign():
		total := p.Qty.Abs().Mul(p.AvgEntryPrice).Add(qty.Mul(price))
		p.AvgEntryPrice = total.Div(p.Qty.Abs().Add(qty))
	}
	p.Qty = newQty
	p.UpdatedAt = time.Now().UTC()
}

// FetchBalances returns the simulated balances.
func (g *SimGateway) FetchBalances(_ context.Context) ([]domain.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Balance, 0, len(g.balances))
	for asset, avail := range g.balances {
		out = append(out, domain.Balance{Asset: asset, Available: avail})
	}
	return out, nil
}

// FetchPositions returns the simulated positions.
func (g *SimGateway) FetchPositions(_ context.Context) ([]domain.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

// splitPair splits "BTC/USD" into base and quote, defaulting the quote to
// USD for plain equity symbols.
func splitPair(symbol string) (base, quote string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, "USD"
}

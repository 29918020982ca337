// Package orders owns the order lifecycle: it is the only component that
// creates orders, submits them to the venue, applies venue state back onto
// them, and settles their fills into the ledger.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
	"tradewind/internal/gateway"
	"tradewind/internal/ledger"
	"tradewind/internal/store"
)

// ErrInvalidIntent is returned by Submit when the intent fails local
// validation.
var ErrInvalidIntent = errors.New("invalid intent")

// EventSink receives lifecycle events (terminal orders, strategy faults) for
// alerting. Implementations must not block.
type EventSink func(domain.Event)

// Manager drives orders through the lifecycle machine. One instance serves
// all strategy loops; per-order state transitions are serialized under an
// internal mutex.
type Manager struct {
	gw         gateway.Gateway
	ledger     *ledger.Ledger
	orders     store.OrderStore
	journal    store.Journal
	policy     gateway.RetryPolicy
	cooldown   *gateway.Cooldown
	quoteAsset string
	emit       EventSink
	log        *slog.Logger

	mu sync.Mutex // serializes lifecycle transitions
}

// Options bundles the manager's collaborators and tuning.
type Options struct {
	Gateway    gateway.Gateway
	Ledger     *ledger.Ledger
	Orders     store.OrderStore
	Journal    store.Journal
	Policy     gateway.RetryPolicy
	Cooldown   *gateway.Cooldown
	QuoteAsset string
	Events     EventSink
	Log        *slog.Logger
}

// NewManager creates an order manager.
func NewManager(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = gateway.DefaultRetryPolicy
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USD"
	}
	return &Manager{
		gw:         opts.Gateway,
		ledger:     opts.Ledger,
		orders:     opts.Orders,
		journal:    opts.Journal,
		policy:     opts.Policy,
		cooldown:   opts.Cooldown,
		quoteAsset: opts.QuoteAsset,
		emit:       opts.Events,
		log:        opts.Log.With("component", "orders"),
	}
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// Submit executes one intent: validate, reserve funds, persist, and send to
// the venue with retries. refPrice is the reservation price for market
// orders (typically the last close); limit orders reserve at their limit
// price. The call is idempotent on intent.ID: resubmitting a known intent
// returns the existing order without side effects.
func (m *Manager) Submit(ctx context.Context, intent domain.Intent, refPrice decimal.Decimal) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, err := m.orders.GetOrder(ctx, intent.ID); err == nil {
		m.log.Info("intent already has an order, skipping resubmission",
			"client_order_id", intent.ID, "status", existing.Status)
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := validateIntent(intent, refPrice); err != nil {
		// Intents without an id cannot be keyed; everything else leaves a
		// rejected record and a terminal event behind.
		if intent.ID == "" {
			return nil, err
		}
		order := orderFromIntent(intent)
		order.Status = domain.OrderStatusRejected
		if saveErr := m.orders.SaveOrder(ctx, order); saveErr != nil {
			m.log.Error("persisting rejected order",
				"client_order_id", order.ClientOrderID, "err", saveErr)
		}
		m.notifyTerminal(order, err.Error())
		return order, err
	}

	order := orderFromIntent(intent)

	// Reserve before anything leaves the process: a buy locks the quote
	// asset at the reference price, a sell locks the base asset quantity.
	if order.Side == domain.SideBuy {
		order.ReservedAsset = ledger.QuoteAsset(order.Symbol, m.quoteAsset)
		price := refPrice
		if order.Type == domain.OrderTypeLimit {
			price = order.LimitPrice
		}
		order.ReservedAmount = order.Qty.Mul(price)
	} else {
		order.ReservedAsset = ledger.BaseAsset(order.Symbol)
		order.ReservedAmount = order.Qty
	}
	if err := m.ledger.Reserve(ctx, order.ReservedAsset, order.ReservedAmount); err != nil {
		order.Status = domain.OrderStatusRejected
		order.ReservedAmount = decimal.Zero
		if saveErr := m.orders.SaveOrder(ctx, order); saveErr != nil {
			m.log.Error("persisting rejected order", "client_order_id", order.ClientOrderID, "err", saveErr)
		}
		m.notifyTerminal(order, err.Error())
		return order, fmt.Errorf("reserving for %s: %w", order.ClientOrderID, err)
	}

	if err := m.orders.SaveOrder(ctx, order); err != nil {
		// Nothing reached the venue yet; undo the reservation.
		if relErr := m.ledger.Release(ctx, order.ReservedAsset, order.ReservedAmount); relErr != nil {
			m.log.Error("releasing reservation after save failure", "err", relErr)
		}
		return nil, fmt.Errorf("persisting order %s: %w", order.ClientOrderID, err)
	}

	return m.submit(ctx, order)
}

// submit sends a Created order to the venue and applies the outcome. Caller
// holds m.mu.
func (m *Manager) submit(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := m.transition(ctx, order, domain.OrderStatusSubmitted); err != nil {
		return nil, err
	}

	var st *gateway.OrderState
	err := m.policy.Do(ctx, m.cooldown, func() error {
		var submitErr error
		st, submitErr = m.gw.SubmitOrder(ctx, order)
		return submitErr
	})

	switch {
	case err == nil:
		if syncErr := m.applyVenueState(ctx, order, st); syncErr != nil {
			return order, syncErr
		}
		return order, nil

	case errors.Is(err, gateway.ErrUnknownOutcome):
		return m.resolveUnknownOutcome(ctx, order, err)

	case gateway.IsRetriable(err):
		// Retries exhausted without a definitive venue answer. Treat like an
		// unknown outcome: the last attempt may have landed.
		return m.resolveUnknownOutcome(ctx, order, err)

	default:
		// The venue refused the order; nothing rests there.
		m.releaseRemaining(ctx, order)
		if trErr := m.transition(ctx, order, domain.OrderStatusRejected); trErr != nil {
			return order, trErr
		}
		m.notifyTerminal(order, err.Error())
		return order, err
	}
}

// resolveUnknownOutcome asks the venue whether a submission with unknown
// outcome actually landed, by looking up the idempotency key. Caller holds
// m.mu.
func (m *Manager) resolveUnknownOutcome(ctx context.Context, order *domain.Order, cause error) (*domain.Order, error) {
	var st *gateway.OrderState
	lookupErr := m.policy.Do(ctx, m.cooldown, func() error {
		var err error
		st, err = m.gw.FetchOrder(ctx, order.ClientOrderID)
		if errors.Is(err, gateway.ErrOrderNotFound) {
			return gateway.NonRetriable("FetchOrder", err)
		}
		return err
	})

	switch {
	case lookupErr == nil:
		// The request landed after all; adopt the venue's state.
		m.log.Warn("submission outcome recovered via lookup",
			"client_order_id", order.ClientOrderID, "status", st.Status)
		if err := m.applyVenueState(ctx, order, st); err != nil {
			return order, err
		}
		return order, nil

	case errors.Is(lookupErr, gateway.ErrOrderNotFound):
		// Definitive: the venue never saw the order. Safe to free the funds.
		m.releaseRemaining(ctx, order)
		if err := m.transition(ctx, order, domain.OrderStatusFailed); err != nil {
			return order, err
		}
		m.notifyTerminal(order, "submission failed, order not at venue")
		return order, cause

	default:
		// Still in the dark. Park the order as failed but keep the
		// reservation; the reconciler owns it from here.
		order.NeedsReconcile = true
		if err := m.transition(ctx, order, domain.OrderStatusFailed); err != nil {
			return order, err
		}
		m.notifyTerminal(order, "submission outcome unknown, flagged for reconciliation")
		return order, cause
	}
}

// ---------------------------------------------------------------------------
// Venue state application
// ---------------------------------------------------------------------------

// SyncVenueState applies a venue-reported order state onto the local order:
// fill deltas settle into the ledger, the status advances through the
// lifecycle machine, and terminal orders release their leftover reservation.
// Used by the submit path, cancellation, and the reconciler.
func (m *Manager) SyncVenueState(ctx context.Context, order *domain.Order, st *gateway.OrderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyVenueState(ctx, order, st)
}

// applyVenueState is SyncVenueState without the lock. Caller holds m.mu.
func (m *Manager) applyVenueState(ctx context.Context, order *domain.Order, st *gateway.OrderState) error {
	if st.VenueOrderID != "" {
		order.VenueOrderID = st.VenueOrderID
	}

	delta := st.FilledQty.Sub(order.FilledQty)
	if delta.IsPositive() {
		price := deltaPrice(order, st, delta)
		release := m.releaseSlice(order, delta)

		fill := domain.Fill{
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Qty:           delta,
			Price:         price,
			Timestamp:     time.Now().UTC(),
		}
		if err := m.ledger.ApplyFill(ctx, fill, order.ReservedAsset, release); err != nil {
			return fmt.Errorf("settling fill for %s: %w", order.ClientOrderID, err)
		}
		order.ReservedAmount = order.ReservedAmount.Sub(release)
		order.FilledQty = st.FilledQty
		order.FilledAvgPrice = st.FilledAvgPrice
		if m.journal != nil {
			if err := m.journal.AppendFill(fill); err != nil {
				m.log.Error("journaling fill", "client_order_id", order.ClientOrderID, "err", err)
			}
		}
		m.log.Info("fill applied",
			"client_order_id", order.ClientOrderID, "symbol", order.Symbol,
			"side", order.Side, "qty", delta, "price", price)
	}

	prev := order.Status
	switch {
	case st.Status == order.Status:
	case order.Status == domain.OrderStatusFailed && order.NeedsReconcile:
		// The failed marker was provisional; the venue's answer overrides it.
		m.log.Info("provisional failure resolved to venue status",
			"client_order_id", order.ClientOrderID, "status", st.Status)
		order.Status = st.Status
	case order.Status.CanTransition(st.Status):
		m.log.Info("order transition",
			"client_order_id", order.ClientOrderID, "from", order.Status, "to", st.Status)
		order.Status = st.Status
	default:
		// The venue can only report states downstream of ours; anything else
		// means our record was already past it. Keep the fill progress, leave
		// the status alone.
		m.log.Warn("venue status ignored, transition not allowed",
			"client_order_id", order.ClientOrderID,
			"local", order.Status, "venue", st.Status)
	}

	if order.Status.IsTerminal() {
		m.releaseRemaining(ctx, order)
		order.NeedsReconcile = false
	}
	order.UpdatedAt = time.Now().UTC()
	if err := m.orders.SaveOrder(ctx, order); err != nil {
		return err
	}
	if order.Status.IsTerminal() && order.Status != prev {
		m.notifyTerminal(order, "")
	}
	return nil
}

// Cancel requests cancellation of an open order and applies the venue's
// answer.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.orders.GetOrder(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return nil
	}
	if order.VenueOrderID == "" {
		return fmt.Errorf("order %s has no venue order id to cancel", clientOrderID)
	}

	err = m.policy.Do(ctx, m.cooldown, func() error {
		return m.gw.CancelOrder(ctx, order.VenueOrderID)
	})
	if err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
		return fmt.Errorf("canceling %s: %w", clientOrderID, err)
	}

	st, err := m.gw.FetchOrder(ctx, clientOrderID)
	if err != nil {
		return fmt.Errorf("fetching %s after cancel: %w", clientOrderID, err)
	}
	return m.applyVenueState(ctx, order, st)
}

// ---------------------------------------------------------------------------
// Startup
// ---------------------------------------------------------------------------

// ResolveOpenOrders loads every open or reconcile-flagged order from the
// store and brings it up to date with the venue. Called once at startup
// before any strategy loop runs, and by the reconciler on every pass.
func (m *Manager) ResolveOpenOrders(ctx context.Context) error {
	open, err := m.orders.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for i := range open {
		order := &open[i]
		st, err := m.gw.FetchOrder(ctx, order.ClientOrderID)
		switch {
		case errors.Is(err, gateway.ErrOrderNotFound):
			// Known locally, unknown at the venue: it never landed. Close it
			// out and free the reservation.
			m.mu.Lock()
			m.releaseRemaining(ctx, order)
			order.NeedsReconcile = false
			if order.Status.IsTerminal() {
				err = m.orders.SaveOrder(ctx, order)
			} else {
				err = m.transition(ctx, order, domain.OrderStatusFailed)
				m.notifyTerminal(order, "order unknown at venue")
			}
			m.mu.Unlock()
			if err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("resolving %s: %w", order.ClientOrderID, err)
		default:
			if err := m.SyncVenueState(ctx, order, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// OpenOrders returns the store's current view of open orders.
func (m *Manager) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	return m.orders.ListOpenOrders(ctx)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// transition moves the order to next, enforcing the lifecycle machine, and
// persists the result. Caller holds m.mu.
func (m *Manager) transition(ctx context.Context, order *domain.Order, next domain.OrderStatus) error {
	if !order.Status.CanTransition(next) {
		return fmt.Errorf("order %s: illegal transition %s -> %s",
			order.ClientOrderID, order.Status, next)
	}
	m.log.Info("order transition",
		"client_order_id", order.ClientOrderID, "from", order.Status, "to", next)
	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	return m.orders.SaveOrder(ctx, order)
}

// releaseSlice computes the reservation slice consumed by a fill delta,
// proportional to the unfilled quantity before the delta.
func (m *Manager) releaseSlice(order *domain.Order, delta decimal.Decimal) decimal.Decimal {
	remaining := order.Remaining()
	if remaining.IsZero() || order.ReservedAmount.IsZero() {
		return decimal.Zero
	}
	if delta.GreaterThanOrEqual(remaining) {
		return order.ReservedAmount
	}
	return order.ReservedAmount.Mul(delta).Div(remaining)
}

// releaseRemaining frees whatever reservation the order still holds. Caller
// holds m.mu.
func (m *Manager) releaseRemaining(ctx context.Context, order *domain.Order) {
	if order.ReservedAmount.IsZero() || order.ReservedAsset == "" {
		return
	}
	if err := m.ledger.Release(ctx, order.ReservedAsset, order.ReservedAmount); err != nil {
		m.log.Error("releasing reservation",
			"client_order_id", order.ClientOrderID, "err", err)
		return
	}
	order.ReservedAmount = decimal.Zero
}

func (m *Manager) notifyTerminal(order *domain.Order, detail string) {
	if m.emit == nil {
		return
	}
	m.emit(domain.Event{
		Kind:       domain.EventOrderTerminal,
		StrategyID: order.StrategyID,
		Symbol:     order.Symbol,
		OrderID:    order.ClientOrderID,
		Status:     order.Status,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}

// deltaPrice derives the execution price of a fill delta from the cumulative
// average prices before and after it.
func deltaPrice(order *domain.Order, st *gateway.OrderState, delta decimal.Decimal) decimal.Decimal {
	prevCost := order.FilledQty.Mul(order.FilledAvgPrice)
	newCost := st.FilledQty.Mul(st.FilledAvgPrice)
	return newCost.Sub(prevCost).Div(delta)
}

func validateIntent(intent domain.Intent, refPrice decimal.Decimal) error {
	if intent.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidIntent)
	}
	if intent.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidIntent)
	}
	if intent.Side != domain.SideBuy && intent.Side != domain.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, intent.Side)
	}
	if !intent.Qty.IsPositive() {
		return fmt.Errorf("%w: qty %s", ErrInvalidIntent, intent.Qty)
	}
	switch intent.Type {
	case domain.OrderTypeLimit:
		if !intent.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit price %s", ErrInvalidIntent, intent.LimitPrice)
		}
	case domain.OrderTypeMarket:
		if intent.Side == domain.SideBuy && !refPrice.IsPositive() {
			return fmt.Errorf("%w: market buy needs a positive reference price", ErrInvalidIntent)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidIntent, intent.Type)
	}
	return nil
}

func orderFromIntent(intent domain.Intent) *domain.Order {
	now := time.Now().UTC()
	return &domain.Order{
		ClientOrderID:  intent.ID,
		StrategyID:     intent.StrategyID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Qty:            intent.Qty,
		LimitPrice:     intent.LimitPrice,
		Status:         domain.OrderStatusCreated,
		FilledQty:      decimal.Zero,
		FilledAvgPrice: decimal.Zero,
		ReservedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

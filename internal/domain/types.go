// Package domain defines the core types shared across the tradewind engine:
// market data bars, trading intents, orders and their lifecycle states,
// positions, balances, and the diagnostic records produced by reconciliation.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV observation for a symbol. Bars are ephemeral: they
// feed one evaluation cycle and are not persisted.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Side is the direction of an intent or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is a state in the order lifecycle machine.
type OrderStatus string

const (
	// OrderStatusCreated: intent validated and reservation taken, not yet sent.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusSubmitted: request sent to the venue; outcome not yet known.
	OrderStatusSubmitted OrderStatus = "submitted"
	// OrderStatusAccepted: venue acknowledged and assigned a venue order id.
	OrderStatusAccepted OrderStatus = "accepted"
	// OrderStatusPartiallyFilled: some quantity filled, order still open.
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	// OrderStatusFilled: filled quantity equals requested quantity. Terminal.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusCanceled: cancel confirmed or remainder expired. Terminal.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusRejected: refused locally or by the venue. Terminal.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusFailed: retries exhausted with venue state unknown. Terminal
	// for the order manager, but flagged for mandatory reconciliation.
	OrderStatusFailed OrderStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// IsOpen reports whether an order in this state may still produce fills at
// the venue.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusAccepted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle machine allows moving from s
// to next. Terminal states allow nothing; everything else follows
// Created → Submitted → Accepted ⇄ PartiallyFilled → terminal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case OrderStatusCreated:
		// Failed covers orders persisted but never handed to the venue, e.g.
		// a crash between the initial save and the submit call.
		return next == OrderStatusSubmitted || next == OrderStatusRejected ||
			next == OrderStatusFailed
	case OrderStatusSubmitted:
		switch next {
		case OrderStatusAccepted, OrderStatusPartiallyFilled, OrderStatusFilled,
			OrderStatusCanceled, OrderStatusRejected, OrderStatusFailed:
			return true
		}
	case OrderStatusAccepted:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled,
			OrderStatusRejected:
			return true
		}
	case OrderStatusPartiallyFilled:
		switch next {
		case OrderStatusAccepted, OrderStatusPartiallyFilled, OrderStatusFilled,
			OrderStatusCanceled:
			return true
		}
	}
	return false
}

// Intent is a strategy's proposed trade. It is consumed exactly once by the
// order manager; its ID becomes the order's idempotency key.
type Intent struct {
	ID         string
	StrategyID string
	Symbol     string
	Side       Side
	Type       OrderType
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal // zero for market orders
	CreatedAt  time.Time
}

// NewIntent creates an Intent with a fresh idempotency key.
func NewIntent(strategyID, symbol string, side Side, typ OrderType, qty, limitPrice decimal.Decimal) Intent {
	return Intent{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Qty:        qty,
		LimitPrice: limitPrice,
		CreatedAt:  time.Now().UTC(),
	}
}

// Order is the durable record of an intent's execution. Owned exclusively by
// the order manager; mutated only through lifecycle transitions.
type Order struct {
	ClientOrderID  string // idempotency key, stable across retries
	StrategyID     string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            decimal.Decimal
	LimitPrice     decimal.Decimal
	VenueOrderID   string
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	ReservedAsset  string
	ReservedAmount decimal.Decimal // remaining (unreleased) reservation
	NeedsReconcile bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is a confirmed execution (full or partial) reported by the venue.
type Fill struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// Position is the net exposure for a symbol. Qty is signed: positive long,
// negative short.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	UpdatedAt     time.Time
}

// Balance is the ledger's view of one asset. Available + Reserved equals the
// last reconciled total, modulo orders in flight at the venue.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Total returns available + reserved.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// DriftKind identifies which entity a drift record refers to.
type DriftKind string

const (
	DriftKindOrder    DriftKind = "order"
	DriftKindBalance  DriftKind = "balance"
	DriftKindPosition DriftKind = "position"
)

// DriftRecord documents a disagreement between the local ledger and the
// venue, and the resolution taken. Diagnostic only, never authoritative.
type DriftRecord struct {
	Kind       DriftKind
	Ref        string // client order id, asset, or symbol
	Local      string
	Remote     string
	Resolution string
	DetectedAt time.Time
}

// ---------------------------------------------------------------------------
// Lifecycle events
// ---------------------------------------------------------------------------

// EventKind classifies a lifecycle event emitted for alerting.
type EventKind string

const (
	EventOrderTerminal EventKind = "order_terminal"
	EventDrift         EventKind = "drift"
	EventStrategyError EventKind = "strategy_error"
)

// Event is a structured lifecycle notification. The engine emits these; the
// notification collaborator formats and delivers them.
type Event struct {
	Kind       EventKind
	StrategyID string
	Symbol     string
	OrderID    string
	Status     OrderStatus
	Detail     string
	At         time.Time
}

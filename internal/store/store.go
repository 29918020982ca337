// Package store defines storage interfaces for persisting and retrieving
// engine state (orders, positions, balances) plus an append-only audit
// journal for fills and drift records.
package store

import (
	"context"

	"tradewind/internal/domain"
)

// OrderStore persists and retrieves order records. Orders are durable for
// the life of the process and across restarts.
type OrderStore interface {
	// SaveOrder inserts or updates an order keyed by its client order id.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its client order id.
	GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// ListOpenOrders returns all orders in a non-terminal state, plus
	// terminal orders still flagged for reconciliation.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or updates the position for a symbol. A zero
	// quantity deletes the row.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// ListPositions returns all non-flat positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// BalanceStore persists and retrieves balance records.
type BalanceStore interface {
	// SaveBalance inserts or updates the balance for an asset.
	SaveBalance(ctx context.Context, bal *domain.Balance) error

	// ListBalances returns all known balances.
	ListBalances(ctx context.Context) ([]domain.Balance, error)
}

// Journal is an append-only audit log of executions and drift corrections.
type Journal interface {
	AppendFill(fill domain.Fill) error
	AppendDrift(rec domain.DriftRecord) error
}

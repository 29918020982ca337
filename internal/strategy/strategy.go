// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing multiple strategy instances.
package strategy

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
	"tradewind/internal/ledger"
)

// Strategy is the interface that all trading strategies implement. Evaluate
// is called once per loop tick with the freshest bar window for one symbol
// and an immutable snapshot of the ledger; it returns zero or more trade
// intents.
type Strategy interface {
	// Name returns the unique identifier for this strategy instance.
	Name() string

	// Evaluate inspects the bar window (oldest first) and the ledger view
	// and proposes trades. Implementations must not retain bars or the view
	// past the call.
	Evaluate(ctx context.Context, bars []domain.Bar, view ledger.View) ([]domain.Intent, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseSeries extracts the close prices from a bar window, oldest first.
func CloseSeries(bars []domain.Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// SizeBuy converts an equity percentage into a base quantity at the given
// price: equityPct percent of the available quote balance, divided by price.
// Returns zero when the balance or price cannot fund a trade.
func SizeBuy(view ledger.View, symbol, quoteAsset string, equityPct, price float64) decimal.Decimal {
	if price <= 0 || equityPct <= 0 {
		return decimal.Zero
	}
	available := view.Balance(ledger.QuoteAsset(symbol, quoteAsset)).Available
	if !available.IsPositive() {
		return decimal.Zero
	}
	notional := available.Mul(decimal.NewFromFloat(equityPct / 100))
	return notional.Div(decimal.NewFromFloat(price))
}

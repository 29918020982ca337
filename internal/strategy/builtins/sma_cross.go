package builtins

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
	"tradewind/internal/ledger"
	"tradewind/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA and sells the
// position when it crosses below.
type SMACross struct {
	id         string
	quoteAsset string

	shortPeriod int
	longPeriod  int
	equityPct   float64
}

// NewSMACross creates an SMACross instance from its parameter map. Defaults:
// short 20, long 50.
func NewSMACross(id, quoteAsset string, equityPct float64, params map[string]float64) *SMACross {
	return &SMACross{
		id:          id,
		quoteAsset:  quoteAsset,
		shortPeriod: intParam(params, "short_period", 20),
		longPeriod:  intParam(params, "long_period", 50),
		equityPct:   floatParam(params, "equity_trade_pct", equityPct),
	}
}

// Name returns the configured strategy id.
func (s *SMACross) Name() string { return s.id }

// Window returns the minimum number of bars Evaluate needs.
func (s *SMACross) Window() int { return s.longPeriod + 1 }

// Evaluate detects a crossover between the previous and the current bar.
func (s *SMACross) Evaluate(_ context.Context, bars []domain.Bar, view ledger.View) ([]domain.Intent, error) {
	if len(bars) < s.Window() {
		return nil, nil
	}
	symbol := bars[0].Symbol
	closes := strategy.CloseSeries(bars)
	short := strategy.SMA(closes, s.shortPeriod)
	long := strategy.SMA(closes, s.longPeriod)

	last := len(bars) - 1
	if math.IsNaN(long[last]) || math.IsNaN(long[last-1]) {
		return nil, nil
	}
	crossedUp := short[last-1] <= long[last-1] && short[last] > long[last]
	crossedDown := short[last-1] >= long[last-1] && short[last] < long[last]
	position := view.Position(symbol)

	switch {
	case crossedUp && position.Qty.IsZero():
		qty := strategy.SizeBuy(view, symbol, s.quoteAsset, s.equityPct, closes[last])
		if !qty.IsPositive() {
			return nil, nil
		}
		intent := domain.NewIntent(s.id, symbol, domain.SideBuy, domain.OrderTypeMarket,
			qty, decimal.Zero)
		return []domain.Intent{intent}, nil
	case crossedDown && position.Qty.IsPositive():
		intent := domain.NewIntent(s.id, symbol, domain.SideSell, domain.OrderTypeMarket,
			position.Qty, decimal.Zero)
		return []domain.Intent{intent}, nil
	}
	return nil, nil
}

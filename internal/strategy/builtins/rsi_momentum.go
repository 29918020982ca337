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
var _ strategy.Strategy = (*RsiMomentum)(nil)

// RsiMomentum buys an RSI breakout: the current RSI crossed up through the
// threshold (previous bar below, current at or above) while still rising. It
// exits when the RSI falls back under the exit level.
type RsiMomentum struct {
	id         string
	quoteAsset string

	window    int
	threshold float64
	exitLevel float64
	equityPct float64
}

// NewRsiMomentum creates an RsiMomentum instance from its parameter map.
// Defaults: window 14, threshold 72, exit 50.
func NewRsiMomentum(id, quoteAsset string, equityPct float64, params map[string]float64) *RsiMomentum {
	return &RsiMomentum{
		id:         id,
		quoteAsset: quoteAsset,
		window:     intParam(params, "rsi_window", 14),
		threshold:  floatParam(params, "rsi_threshold", 72),
		exitLevel:  floatParam(params, "rsi_exit_level", 50),
		equityPct:  floatParam(params, "equity_trade_pct", equityPct),
	}
}

// Name returns the configured strategy id.
func (s *RsiMomentum) Name() string { return s.id }

// Window returns the minimum number of bars Evaluate needs.
func (s *RsiMomentum) Window() int { return s.window + 2 }

// Evaluate applies the breakout entry and the exit rule to the bar window.
func (s *RsiMomentum) Evaluate(_ context.Context, bars []domain.Bar, view ledger.View) ([]domain.Intent, error) {
	if len(bars) < s.Window() {
		return nil, nil
	}
	symbol := bars[0].Symbol
	rsi := strategy.RSI(strategy.CloseSeries(bars), s.window)

	last := len(rsi) - 1
	cur, prev := rsi[last], rsi[last-1]
	if math.IsNaN(cur) || math.IsNaN(prev) {
		return nil, nil
	}
	position := view.Position(symbol)

	if position.Qty.IsPositive() && cur < s.exitLevel {
		intent := domain.NewIntent(s.id, symbol, domain.SideSell, domain.OrderTypeMarket,
			position.Qty, decimal.Zero)
		return []domain.Intent{intent}, nil
	}

	breakout := cur >= s.threshold && prev < s.threshold && cur >= prev
	if position.Qty.IsZero() && breakout {
		qty := strategy.SizeBuy(view, symbol, s.quoteAsset, s.equityPct, bars[len(bars)-1].Close)
		if !qty.IsPositive() {
			return nil, nil
		}
		intent := domain.NewIntent(s.id, symbol, domain.SideBuy, domain.OrderTypeMarket,
			qty, decimal.Zero)
		return []domain.Intent{intent}, nil
	}
	return nil, nil
}

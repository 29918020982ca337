// Package builtins provides the built-in strategy implementations that ship
// with the tradewind engine.
package builtins

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
	"tradewind/internal/ledger"
	"tradewind/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*MratZScore)(nil)

// MratZScore trades mean reversion on the moving average ratio (fast SMA /
// slow SMA). It buys after the ratio's z-score dipped below a negative
// threshold within a lookback window and the last closed candle shows a
// rebound; it exits when the z-score stretches above the positive threshold
// and momentum fades.
type MratZScore struct {
	id         string
	quoteAsset string

	fastLen   int
	slowLen   int
	filterLen int
	buyZ      float64
	sellZ     float64
	lookback  int
	equityPct float64
}

// NewMratZScore creates a MratZScore instance from its parameter map.
// Defaults: fast 9, slow 51, filter 100, thresholds 2.22, lookback 5.
func NewMratZScore(id, quoteAsset string, equityPct float64, params map[string]float64) (*MratZScore, error) {
	s := &MratZScore{
		id:         id,
		quoteAsset: quoteAsset,
		fastLen:    intParam(params, "fast_ma_length", 9),
		slowLen:    intParam(params, "slow_ma_length", 51),
		filterLen:  intParam(params, "filter_ma_length", 100),
		buyZ:       floatParam(params, "z_score_threshold_buy", 2.22),
		sellZ:      floatParam(params, "z_score_threshold_sell", 2.22),
		lookback:   intParam(params, "z_score_lookback_window", 5),
		equityPct:  floatParam(params, "equity_trade_pct", equityPct),
	}
	if !(s.fastLen < s.slowLen && s.slowLen < s.filterLen) {
		return nil, fmt.Errorf("mrat-zscore %s: need fast < slow < filter ma lengths, got %d/%d/%d",
			id, s.fastLen, s.slowLen, s.filterLen)
	}
	return s, nil
}

// Name returns the configured strategy id.
func (s *MratZScore) Name() string { return s.id }

// Window returns the minimum number of bars Evaluate needs.
func (s *MratZScore) Window() int { return s.filterLen + s.slowLen }

// Evaluate applies the entry and exit rules to the bar window.
func (s *MratZScore) Evaluate(_ context.Context, bars []domain.Bar, view ledger.View) ([]domain.Intent, error) {
	if len(bars) < s.Window() {
		return nil, nil
	}
	symbol := bars[0].Symbol
	closes := strategy.CloseSeries(bars)
	mrat := strategy.MRAT(closes, s.fastLen, s.slowLen)
	z := strategy.ZScore(mrat, s.slowLen)
	filterMA := strategy.SMA(closes, s.filterLen)
	slowMA := strategy.SMA(closes, s.slowLen)

	last := len(bars) - 1
	position := view.Position(symbol)

	if position.Qty.IsPositive() && s.isSellSignal(bars, z) {
		intent := domain.NewIntent(s.id, symbol, domain.SideSell, domain.OrderTypeMarket,
			position.Qty, decimal.Zero)
		return []domain.Intent{intent}, nil
	}

	if position.Qty.IsZero() && s.isBuySignal(bars, z) &&
		filterMA[last] < slowMA[last] {
		qty := strategy.SizeBuy(view, symbol, s.quoteAsset, s.equityPct, closes[last])
		if !qty.IsPositive() {
			return nil, nil
		}
		intent := domain.NewIntent(s.id, symbol, domain.SideBuy, domain.OrderTypeMarket,
			qty, decimal.Zero)
		return []domain.Intent{intent}, nil
	}
	return nil, nil
}

// isBuySignal: the z-score dipped below -buyZ within the lookback window and
// the last closed candle rebounded against the one before it.
func (s *MratZScore) isBuySignal(bars []domain.Bar, z []float64) bool {
	if !s.thresholdHit(z, -s.buyZ, true) {
		return false
	}
	n := len(bars)
	prev, prev2 := bars[n-2], bars[n-3]
	return prev.Close > prev2.Open && prev.High > prev2.High
}

// isSellSignal: the z-score stretched above sellZ within the lookback window
// and the last closed candle failed to make a higher high.
func (s *MratZScore) isSellSignal(bars []domain.Bar, z []float64) bool {
	if !s.thresholdHit(z, s.sellZ, false) {
		return false
	}
	n := len(bars)
	return bars[n-2].High < bars[n-3].High
}

// thresholdHit reports whether any z value in the lookback window crossed
// the threshold (below when under is true, above otherwise).
func (s *MratZScore) thresholdHit(z []float64, threshold float64, under bool) bool {
	start := len(z) - s.lookback
	if start < 0 {
		start = 0
	}
	for _, v := range z[start:] {
		if math.IsNaN(v) {
			continue
		}
		if under && v <= threshold {
			return true
		}
		if !under && v >= threshold {
			return true
		}
	}
	return false
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/config"
	"tradewind/internal/domain"
	"tradewind/internal/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// makeBars builds a bar window from close prices. Open, high, and low
// default to the close; tests adjust individual candles as needed.
func makeBars(symbol string, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func viewWith(usd string, position *domain.Position) ledger.View {
	v := ledger.View{
		Balances: map[string]domain.Balance{
			"USD": {Asset: "USD", Available: dec(usd)},
		},
		Positions: map[string]domain.Position{},
	}
	if position != nil {
		v.Positions[position.Symbol] = *position
	}
	return v
}

func TestFactoryDispatch(t *testing.T) {
	trading := config.TradingConfig{QuoteAsset: "USD", EquityTradePct: 100}

	for _, kind := range []string{"mrat-zscore", "rsi-momentum", "sma-cross"} {
		s, err := New(config.StrategyConfig{ID: "s1", Kind: kind}, trading)
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if s.Name() != "s1" {
			t.Errorf("New(%q).Name() = %q, want s1", kind, s.Name())
		}
	}

	if _, err := New(config.StrategyConfig{ID: "s1", Kind: "nope"}, trading); err == nil {
		t.Error("New with unknown kind returned nil error")
	}
}

func TestMratZScoreRejectsBadLengths(t *testing.T) {
	_, err := NewMratZScore("s1", "USD", 100, map[string]float64{
		"fast_ma_length": 50, "slow_ma_length": 50, "filter_ma_length": 100,
	})
	if err == nil {
		t.Error("NewMratZScore with fast == slow returned nil error")
	}
}

func TestMratZScoreNeedsFullWindow(t *testing.T) {
	s, err := NewMratZScore("s1", "USD", 100, map[string]float64{
		"fast_ma_length": 2, "slow_ma_length": 3, "filter_ma_length": 4,
	})
	if err != nil {
		t.Fatalf("NewMratZScore: %v", err)
	}
	intents, err := s.Evaluate(context.Background(),
		makeBars("BTC/USD", 10, 10, 10), viewWith("1000", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("Evaluate on short window returned %d intents, want 0", len(intents))
	}
}

func TestMratZScoreBuyOnDipWithRebound(t *testing.T) {
	s, err := NewMratZScore("s1", "USD", 100, map[string]float64{
		"fast_ma_length": 2, "slow_ma_length": 3, "filter_ma_length": 4,
		"z_score_threshold_buy": 0.1, "z_score_lookback_window": 3,
	})
	if err != nil {
		t.Fatalf("NewMratZScore: %v", err)
	}

	// The ratio dips (z < -0.1 two candles back), the last closed candle
	// rebounds, and the short-run average sits above the long filter.
	bars := makeBars("BTC/USD", 10, 10, 10, 14, 10, 16, 18)
	bars[4].Open, bars[4].High = 10, 14
	bars[5].High = 17

	intents, err := s.Evaluate(context.Background(), bars, viewWith("1000", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("Evaluate returned %d intents, want 1 buy", len(intents))
	}
	got := intents[0]
	if got.Side != domain.SideBuy || got.Symbol != "BTC/USD" || !got.Qty.IsPositive() {
		t.Errorf("intent = %+v, want positive-qty buy of BTC/USD", got)
	}
}

func TestMratZScoreSellOnStretch(t *testing.T) {
	s, err := NewMratZScore("s1", "USD", 100, map[string]float64{
		"fast_ma_length": 2, "slow_ma_length": 3, "filter_ma_length": 4,
		"z_score_threshold_sell": 0.1, "z_score_lookback_window": 3,
	})
	if err != nil {
		t.Fatalf("NewMratZScore: %v", err)
	}

	// Spike at the end stretches the z-score; the last closed candle fails
	// to make a higher high.
	bars := makeBars("BTC/USD", 10, 10, 10, 10, 10, 10, 30)
	bars[4].High = 12
	bars[5].High = 11

	long := &domain.Position{Symbol: "BTC/USD", Qty: dec("1.5"), AvgEntryPrice: dec("9")}
	intents, err := s.Evaluate(context.Background(), bars, viewWith("1000", long))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("Evaluate returned %d intents, want 1 sell", len(intents))
	}
	got := intents[0]
	if got.Side != domain.SideSell || !got.Qty.Equal(dec("1.5")) {
		t.Errorf("intent = %+v, want sell of full 1.5 position", got)
	}
}

func TestRsiMomentumBuysBreakout(t *testing.T) {
	s := NewRsiMomentum("s1", "USD", 100, map[string]float64{
		"rsi_window": 3, "rsi_threshold": 72,
	})

	// Decline drives the RSI to 0, then a sharp rise crosses the threshold
	// from below.
	bars := makeBars("BTC/USD", 10, 9, 8, 7, 20)
	intents, err := s.Evaluate(context.Background(), bars, viewWith("1000", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("Evaluate returned %d intents, want 1 buy", len(intents))
	}
	got := intents[0]
	if got.Side != domain.SideBuy || !got.Qty.Equal(dec("50")) {
		t.Errorf("intent = %+v, want buy of 50 (1000 USD at 20)", got)
	}
}

func TestRsiMomentumExitsWhenMomentumFades(t *testing.T) {
	s := NewRsiMomentum("s1", "USD", 100, map[string]float64{
		"rsi_window": 3, "rsi_exit_level": 50,
	})

	bars := makeBars("BTC/USD", 20, 18, 16, 14, 12)
	long := &domain.Position{Symbol: "BTC/USD", Qty: dec("2"), AvgEntryPrice: dec("20")}
	intents, err := s.Evaluate(context.Background(), bars, viewWith("0", long))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 || intents[0].Side != domain.SideSell || !intents[0].Qty.Equal(dec("2")) {
		t.Errorf("intents = %+v, want sell of full 2 position", intents)
	}
}

func TestRsiMomentumHoldsWithoutCross(t *testing.T) {
	s := NewRsiMomentum("s1", "USD", 100, map[string]float64{
		"rsi_window": 3, "rsi_threshold": 72,
	})

	// Monotone rise keeps the RSI pinned high; no cross from below, no buy.
	bars := makeBars("BTC/USD", 10, 11, 12, 13, 14, 15)
	intents, err := s.Evaluate(context.Background(), bars, viewWith("1000", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 0 {
		t.Errorf("intents = %+v, want none", intents)
	}
}

func TestSMACrossBuysOnCrossUp(t *testing.T) {
	s := NewSMACross("s1", "USD", 100, map[string]float64{
		"short_period": 2, "long_period": 3,
	})

	bars := makeBars("BTC/USD", 10, 10, 10, 5, 30)
	intents, err := s.Evaluate(context.Background(), bars, viewWith("1000", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 || intents[0].Side != domain.SideBuy {
		t.Fatalf("intents = %+v, want 1 buy", intents)
	}
}

func TestSMACrossSellsOnCrossDown(t *testing.T) {
	s := NewSMACross("s1", "USD", 100, map[string]float64{
		"short_period": 2, "long_period": 3,
	})

	bars := makeBars("BTC/USD", 30, 30, 30, 35, 10)
	long := &domain.Position{Symbol: "BTC/USD", Qty: dec("2"), AvgEntryPrice: dec("30")}
	intents, err := s.Evaluate(context.Background(), bars, viewWith("0", long))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 || intents[0].Side != domain.SideSell || !intents[0].Qty.Equal(dec("2")) {
		t.Errorf("intents = %+v, want sell of full 2 position", intents)
	}
}

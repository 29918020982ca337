package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/config"
	"tradewind/internal/domain"
	"tradewind/internal/ledger"
)

// ErrRiskLimit is returned by CheckIntent when a risk rule refuses a trade.
var ErrRiskLimit = errors.New("risk limit")

// RiskManager enforces pre-trade risk rules: per-position sizing, a cap on
// concurrent open positions, and a daily loss circuit breaker. Sells that
// reduce exposure always pass.
type RiskManager struct {
	quoteAsset       string
	maxPositionPct   float64 // fraction of equity per position, 0 disables
	maxDailyLossPct  float64 // fraction of day-start equity, 0 disables
	maxOpenPositions int

	mu             sync.Mutex
	day            time.Time // start of the tracked trading day, UTC
	dayStartEquity decimal.Decimal
}

// NewRiskManager creates a RiskManager from the trading config.
func NewRiskManager(cfg config.TradingConfig) *RiskManager {
	return &RiskManager{
		quoteAsset:       cfg.QuoteAsset,
		maxPositionPct:   cfg.MaxPositionPct,
		maxDailyLossPct:  cfg.MaxDailyLossPct,
		maxOpenPositions: cfg.MaxOpenPositions,
	}
}

// CheckIntent evaluates whether the proposed intent complies with the risk
// rules given the current ledger view. refPrice is the price used to value
// the intent (the last close for market orders).
func (rm *RiskManager) CheckIntent(intent domain.Intent, refPrice decimal.Decimal, view ledger.View) error {
	if intent.Side == domain.SideSell {
		return nil
	}

	equity := rm.equity(view)
	if err := rm.checkDailyLoss(equity); err != nil {
		return err
	}

	if rm.maxOpenPositions > 0 &&
		view.Position(intent.Symbol).Qty.IsZero() &&
		view.OpenPositionCount() >= rm.maxOpenPositions {
		return fmt.Errorf("%w: %d positions already open (max %d)",
			ErrRiskLimit, view.OpenPositionCount(), rm.maxOpenPositions)
	}

	if rm.maxPositionPct > 0 && equity.IsPositive() {
		price := refPrice
		if intent.Type == domain.OrderTypeLimit {
			price = intent.LimitPrice
		}
		notional := intent.Qty.Mul(price)
		held := view.Position(intent.Symbol).Qty.Abs().Mul(price)
		limit := equity.Mul(decimal.NewFromFloat(rm.maxPositionPct))
		if notional.Add(held).GreaterThan(limit) {
			return fmt.Errorf("%w: notional %s exceeds %s (%.0f%% of equity %s)",
				ErrRiskLimit, notional.Add(held), limit, rm.maxPositionPct*100, equity)
		}
	}
	return nil
}

// checkDailyLoss trips once equity falls below the day-start equity by more
// than maxDailyLossPct. The reference resets at the first check of each UTC
// day. Caller must not hold rm.mu.
func (rm *RiskManager) checkDailyLoss(equity decimal.Decimal) error {
	if rm.maxDailyLossPct <= 0 {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !rm.day.Equal(today) {
		rm.day = today
		rm.dayStartEquity = equity
		return nil
	}
	if !rm.dayStartEquity.IsPositive() {
		return nil
	}
	floor := rm.dayStartEquity.Mul(decimal.NewFromFloat(1 - rm.maxDailyLossPct))
	if equity.LessThan(floor) {
		return fmt.Errorf("%w: equity %s below daily floor %s (day start %s)",
			ErrRiskLimit, equity, floor, rm.dayStartEquity)
	}
	return nil
}

// equity approximates account value as the quote balance total plus open
// positions valued at their entry price.
func (rm *RiskManager) equity(view ledger.View) decimal.Decimal {
	eq := view.Balance(rm.quoteAsset).Total()
	for _, p := range view.Positions {
		eq = eq.Add(p.Qty.Abs().Mul(p.AvgEntryPrice))
	}
	return eq
}

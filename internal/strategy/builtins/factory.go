package builtins

import (
	"fmt"

	"tradewind/internal/config"
	"tradewind/internal/strategy"
)

// New builds a strategy instance from its declarative descriptor. Known
// kinds: "mrat-zscore", "rsi-momentum", "sma-cross".
func New(sc config.StrategyConfig, trading config.TradingConfig) (strategy.Strategy, error) {
	switch sc.Kind {
	case "mrat-zscore":
		return NewMratZScore(sc.ID, trading.QuoteAsset, trading.EquityTradePct, sc.Params)
	case "rsi-momentum":
		return NewRsiMomentum(sc.ID, trading.QuoteAsset, trading.EquityTradePct, sc.Params), nil
	case "sma-cross":
		return NewSMACross(sc.ID, trading.QuoteAsset, trading.EquityTradePct, sc.Params), nil
	}
	return nil, fmt.Errorf("unknown strategy kind %q", sc.Kind)
}

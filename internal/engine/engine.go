// Package engine runs the strategy control loops and coordinates order
// management, the ledger, and risk checking across the trading system.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/config"
	"tradewind/internal/domain"
	"tradewind/internal/gateway"
	"tradewind/internal/ledger"
	"tradewind/internal/orders"
	"tradewind/internal/strategy"
)

// Engine owns one control loop per (strategy, symbol) pair. Loops are
// isolated: a failure or panic in one evaluation never affects the others,
// and intents from a single loop are submitted in order.
type Engine struct {
	descriptors []config.StrategyConfig
	registry    *strategy.Registry
	gw          gateway.Gateway
	ledger      *ledger.Ledger
	manager     *orders.Manager
	risk        *RiskManager
	emit        orders.EventSink
	log         *slog.Logger

	mu      sync.Mutex
	cancels map[string][]context.CancelFunc // per strategy id

	wg sync.WaitGroup
}

// Options bundles the engine's collaborators.
type Options struct {
	Descriptors []config.StrategyConfig
	Registry    *strategy.Registry
	Gateway     gateway.Gateway
	Ledger      *ledger.Ledger
	Manager     *orders.Manager
	Risk        *RiskManager
	Events      orders.EventSink
	Log         *slog.Logger
}

// New creates an Engine. Every descriptor must have a registered strategy.
func New(opts Options) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	for _, sc := range opts.Descriptors {
		if _, ok := opts.Registry.Get(sc.ID); !ok {
			return nil, fmt.Errorf("strategy %q declared but not registered", sc.ID)
		}
	}
	return &Engine{
		descriptors: opts.Descriptors,
		registry:    opts.Registry,
		gw:          opts.Gateway,
		ledger:      opts.Ledger,
		manager:     opts.Manager,
		risk:        opts.Risk,
		emit:        opts.Events,
		log:         opts.Log.With("component", "engine"),
		cancels:     make(map[string][]context.CancelFunc),
	}, nil
}

// Run starts all strategy loops and blocks until ctx is cancelled and every
// loop has drained.
func (e *Engine) Run(ctx context.Context) {
	for _, sc := range e.descriptors {
		strat, _ := e.registry.Get(sc.ID)
		for _, symbol := range sc.Symbols {
			loopCtx, cancel := context.WithCancel(ctx)

			e.mu.Lock()
			e.cancels[sc.ID] = append(e.cancels[sc.ID], cancel)
			e.mu.Unlock()

			e.wg.Add(1)
			go e.loop(loopCtx, sc, strat, symbol)
		}
	}
	<-ctx.Done()
	e.wg.Wait()
}

// Disable stops every loop belonging to one strategy id. Other strategies
// keep running.
func (e *Engine) Disable(strategyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.cancels[strategyID] {
		cancel()
	}
	delete(e.cancels, strategyID)
	e.log.Warn("strategy disabled", "strategy", strategyID)
}

// loop drives one (strategy, symbol) pair: evaluate on every tick, submit
// the resulting intents in order.
func (e *Engine) loop(ctx context.Context, sc config.StrategyConfig, strat strategy.Strategy, symbol string) {
	defer e.wg.Done()
	log := e.log.With("strategy", sc.ID, "symbol", symbol)
	log.Info("strategy loop started", "interval", sc.Interval.Std(), "timeframe", sc.Timeframe)

	ticker := time.NewTicker(sc.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("strategy loop stopped")
			return
		case <-ticker.C:
			e.tick(ctx, sc, strat, symbol, log)
		}
	}
}

// tick runs a single evaluation cycle. Panics are contained here so a buggy
// strategy cannot take down its siblings.
func (e *Engine) tick(ctx context.Context, sc config.StrategyConfig, strat strategy.Strategy, symbol string, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("strategy panicked", "panic", r, "stack", string(debug.Stack()))
			e.notifyStrategyError(sc.ID, symbol, fmt.Sprintf("panic: %v", r))
		}
	}()

	bars, err := e.gw.FetchBars(ctx, symbol, sc.Timeframe, sc.Window)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("fetching bars", "err", err)
		}
		return
	}
	if len(bars) == 0 {
		return
	}

	view := e.ledger.Snapshot()
	intents, err := strat.Evaluate(ctx, bars, view)
	if err != nil {
		log.Error("strategy evaluation failed", "err", err)
		e.notifyStrategyError(sc.ID, symbol, err.Error())
		return
	}

	lastClose := decimal.NewFromFloat(bars[len(bars)-1].Close)
	for _, intent := range intents {
		if err := e.risk.CheckIntent(intent, lastClose, view); err != nil {
			log.Warn("intent refused by risk check", "side", intent.Side, "qty", intent.Qty, "err", err)
			continue
		}
		if _, err := e.manager.Submit(ctx, intent, lastClose); err != nil {
			log.Error("intent submission failed", "client_order_id", intent.ID, "err", err)
			// Keep going: later intents from this tick may still be valid.
		}
	}
}

func (e *Engine) notifyStrategyError(strategyID, symbol, detail string) {
	if e.emit == nil {
		return
	}
	e.emit(domain.Event{
		Kind:       domain.EventStrategyError,
		StrategyID: strategyID,
		Symbol:     symbol,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}

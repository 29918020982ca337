package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/config"
	"tradewind/internal/domain"
	"tradewind/internal/gateway"
	"tradewind/internal/ledger"
	"tradewind/internal/orders"
	"tradewind/internal/store"
	"tradewind/internal/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// countingStrategy records evaluations and emits one buy intent per tick.
type countingStrategy struct {
	name  string
	ticks atomic.Int64
	buy   bool
}

func (s *countingStrategy) Name() string { return s.name }

func (s *countingStrategy) Evaluate(_ context.Context, bars []domain.Bar, _ ledger.View) ([]domain.Intent, error) {
	s.ticks.Add(1)
	if !s.buy || len(bars) == 0 {
		return nil, nil
	}
	return []domain.Intent{
		domain.NewIntent(s.name, bars[0].Symbol, domain.SideBuy, domain.OrderTypeLimit,
			dec("1"), dec("100")),
	}, nil
}

// panickingStrategy panics on every evaluation.
type panickingStrategy struct {
	name  string
	ticks atomic.Int64
}

func (s *panickingStrategy) Name() string { return s.name }

func (s *panickingStrategy) Evaluate(_ context.Context, _ []domain.Bar, _ ledger.View) ([]domain.Intent, error) {
	s.ticks.Add(1)
	panic("strategy bug")
}

type harness struct {
	engine *Engine
	gw     *gateway.SimGateway
	ledger *ledger.Ledger

	mu     sync.Mutex
	events []domain.Event
}

// eventsSnapshot copies the events recorded so far. Loops emit concurrently.
func (h *harness) eventsSnapshot() []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Event(nil), h.events...)
}

func newHarness(t *testing.T, trading config.TradingConfig, descriptors []config.StrategyConfig, strats ...strategy.Strategy) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		gw:     gateway.NewSimGateway(),
		ledger: ledger.New(st, st),
	}
	bars := make([]domain.Bar, 10)
	for i := range bars {
		bars[i] = domain.Bar{Symbol: "BTC/USD", Close: 100, Open: 100, High: 100, Low: 100}
	}
	h.gw.SetBars("BTC/USD", bars)
	if err := h.ledger.Deposit(context.Background(), "USD", dec("10000")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	registry := strategy.NewRegistry()
	for _, s := range strats {
		registry.Register(s)
	}

	mgr := orders.NewManager(orders.Options{
		Gateway:    h.gw,
		Ledger:     h.ledger,
		Orders:     st,
		Policy:     gateway.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		QuoteAsset: "USD",
	})
	h.engine, err = New(Options{
		Descriptors: descriptors,
		Registry:    registry,
		Gateway:     h.gw,
		Ledger:      h.ledger,
		Manager:     mgr,
		Risk:        NewRiskManager(trading),
		Events: func(e domain.Event) {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func descriptor(id string) config.StrategyConfig {
	return config.StrategyConfig{
		ID:        id,
		Kind:      "stub",
		Symbols:   []string{"BTC/USD"},
		Interval:  config.Duration(5 * time.Millisecond),
		Window:    10,
		Timeframe: "1h",
	}
}

func TestNewRejectsUnregisteredStrategy(t *testing.T) {
	_, err := New(Options{
		Descriptors: []config.StrategyConfig{descriptor("ghost")},
		Registry:    strategy.NewRegistry(),
	})
	if err == nil {
		t.Fatal("New with unregistered strategy returned nil error")
	}
}

// A panicking strategy must not stop a healthy one sharing the engine.
func TestPanicIsolation(t *testing.T) {
	healthy := &countingStrategy{name: "healthy"}
	broken := &panickingStrategy{name: "broken"}
	h := newHarness(t, config.TradingConfig{QuoteAsset: "USD"},
		[]config.StrategyConfig{descriptor("healthy"), descriptor("broken")},
		healthy, broken)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h.engine.Run(ctx)

	if broken.ticks.Load() < 2 {
		t.Errorf("broken strategy evaluated %d times, want >= 2 (loop survives panics)", broken.ticks.Load())
	}
	if healthy.ticks.Load() < 2 {
		t.Errorf("healthy strategy evaluated %d times, want >= 2", healthy.ticks.Load())
	}

	sawError := false
	for _, e := range h.eventsSnapshot() {
		if e.Kind == domain.EventStrategyError && e.StrategyID == "broken" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no strategy_error event emitted for the panicking strategy")
	}
}

func TestIntentsFlowThroughToVenue(t *testing.T) {
	buyer := &countingStrategy{name: "buyer", buy: true}
	h := newHarness(t, config.TradingConfig{QuoteAsset: "USD", MaxOpenPositions: 5},
		[]config.StrategyConfig{descriptor("buyer")}, buyer)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	h.engine.Run(ctx)

	open, err := h.gw.FetchOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	// Each tick produced a fresh intent; at least one must have reached the
	// venue. (Fills drain them from the open set as polls advance plans.)
	if buyer.ticks.Load() == 0 {
		t.Fatal("strategy never evaluated")
	}
	if len(open) == 0 && h.ledger.Snapshot().Position("BTC/USD").Qty.IsZero() {
		t.Error("no order reached the venue and no position was opened")
	}
}

func TestDisableStopsOnlyThatStrategy(t *testing.T) {
	a := &countingStrategy{name: "a"}
	b := &countingStrategy{name: "b"}
	h := newHarness(t, config.TradingConfig{QuoteAsset: "USD"},
		[]config.StrategyConfig{descriptor("a"), descriptor("b")}, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(40 * time.Millisecond)
		h.engine.Disable("a")
	}()
	h.engine.Run(ctx)

	ticksA := a.ticks.Load()
	if ticksA == 0 {
		t.Error("strategy a never ran before being disabled")
	}
	if b.ticks.Load() <= ticksA {
		t.Errorf("strategy b evaluated %d times vs a's %d, want b to keep running after a is disabled",
			b.ticks.Load(), ticksA)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := &countingStrategy{name: "s"}
	h := newHarness(t, config.TradingConfig{QuoteAsset: "USD"},
		[]config.StrategyConfig{descriptor("s")}, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return within 1s of context cancellation")
	}
}

func TestRiskManagerMaxOpenPositions(t *testing.T) {
	rm := NewRiskManager(config.TradingConfig{QuoteAsset: "USD", MaxOpenPositions: 1})

	view := ledger.View{
		Balances: map[string]domain.Balance{
			"USD": {Asset: "USD", Available: dec("1000")},
		},
		Positions: map[string]domain.Position{
			"ETH/USD": {Symbol: "ETH/USD", Qty: dec("1"), AvgEntryPrice: dec("10")},
		},
	}
	intent := domain.NewIntent("s", "BTC/USD", domain.SideBuy, domain.OrderTypeMarket,
		dec("1"), decimal.Zero)
	if err := rm.CheckIntent(intent, dec("100"), view); err == nil {
		t.Error("opening a second position passed, want ErrRiskLimit")
	}

	// Adding to the existing position is not a new position.
	addOn := domain.NewIntent("s", "ETH/USD", domain.SideBuy, domain.OrderTypeMarket,
		dec("1"), decimal.Zero)
	if err := rm.CheckIntent(addOn, dec("10"), view); err != nil {
		t.Errorf("adding to existing position: %v, want nil", err)
	}

	// Sells always pass.
	sell := domain.NewIntent("s", "ETH/USD", domain.SideSell, domain.OrderTypeMarket,
		dec("1"), decimal.Zero)
	if err := rm.CheckIntent(sell, dec("10"), view); err != nil {
		t.Errorf("sell refused: %v, want nil", err)
	}
}

func TestRiskManagerMaxPositionPct(t *testing.T) {
	rm := NewRiskManager(config.TradingConfig{QuoteAsset: "USD", MaxPositionPct: 0.10})

	view := ledger.View{
		Balances: map[string]domain.Balance{
			"USD": {Asset: "USD", Available: dec("1000")},
		},
	}
	// Equity 1000, limit 100. 2 units at 60 is 120: refused.
	big := domain.NewIntent("s", "BTC/USD", domain.SideBuy, domain.OrderTypeMarket,
		dec("2"), decimal.Zero)
	if err := rm.CheckIntent(big, dec("60"), view); err == nil {
		t.Error("oversized intent passed, want ErrRiskLimit")
	}
	// 1 unit at 60 is within the limit.
	small := domain.NewIntent("s", "BTC/USD", domain.SideBuy, domain.OrderTypeMarket,
		dec("1"), decimal.Zero)
	if err := rm.CheckIntent(small, dec("60"), view); err != nil {
		t.Errorf("in-limit intent refused: %v", err)
	}
}

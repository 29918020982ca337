package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seeded(t *testing.T, asset string, amount string) *Ledger {
	t.Helper()
	l := New(nil, nil)
	if err := l.Deposit(context.Background(), asset, dec(amount)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	return l
}

func TestReserveInsufficientBalance(t *testing.T) {
	l := seeded(t, "USD", "100")
	ctx := context.Background()

	if err := l.Reserve(ctx, "USD", dec("100.01")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Reserve beyond available: err = %v, want ErrInsufficientBalance", err)
	}
	if err := l.Reserve(ctx, "USD", dec("100")); err != nil {
		t.Fatalf("Reserve exact available: %v", err)
	}

	b := l.Snapshot().Balance("USD")
	if !b.Available.IsZero() || !b.Reserved.Equal(dec("100")) {
		t.Errorf("after reserve: available=%s reserved=%s, want 0/100", b.Available, b.Reserved)
	}
}

func TestReserveReleaseKeepsTotalInvariant(t *testing.T) {
	l := seeded(t, "USD", "1000")
	ctx := context.Background()

	steps := []struct {
		op     string
		amount string
	}{
		{"reserve", "300"}, {"reserve", "200"}, {"release", "150"},
		{"reserve", "50"}, {"release", "400"},
	}
	for _, s := range steps {
		var err error
		if s.op == "reserve" {
			err = l.Reserve(ctx, "USD", dec(s.amount))
		} else {
			err = l.Release(ctx, "USD", dec(s.amount))
		}
		if err != nil {
			t.Fatalf("%s %s: %v", s.op, s.amount, err)
		}
		b := l.Snapshot().Balance("USD")
		if !b.Total().Equal(dec("1000")) {
			t.Fatalf("after %s %s: total = %s, want 1000", s.op, s.amount, b.Total())
		}
	}
}

// Net position quantity must equal the signed sum of all applied fills.
func TestApplyFillNetQtyEqualsSignedSum(t *testing.T) {
	l := seeded(t, "USD", "100000")
	ctx := context.Background()

	fills := []struct {
		side domain.Side
		qty  string
	}{
		{domain.SideBuy, "1.0"},
		{domain.SideBuy, "0.5"},
		{domain.SideSell, "0.7"},
		{domain.SideBuy, "0.2"},
		{domain.SideSell, "1.0"},
	}

	want := decimal.Zero
	for i, f := range fills {
		qty := dec(f.qty)
		if f.side == domain.SideBuy {
			want = want.Add(qty)
		} else {
			want = want.Sub(qty)
		}
		fill := domain.Fill{
			ClientOrderID: "c",
			Symbol:        "BTC/USD",
			Side:          f.side,
			Qty:           qty,
			Price:         dec("100"),
			Timestamp:     time.Now(),
		}
		if err := l.ApplyFill(ctx, fill, "USD", decimal.Zero); err != nil {
			t.Fatalf("ApplyFill #%d: %v", i, err)
		}
		got := l.Snapshot().Position("BTC/USD").Qty
		if !got.Equal(want) {
			t.Fatalf("after fill #%d: net qty = %s, want %s", i, got, want)
		}
	}
}

func TestApplyFillWeightedAverageEntry(t *testing.T) {
	l := seeded(t, "USD", "100000")
	ctx := context.Background()

	apply := func(side domain.Side, qty, price string) {
		t.Helper()
		err := l.ApplyFill(ctx, domain.Fill{
			Symbol: "ETH/USD", Side: side, Qty: dec(qty), Price: dec(price),
			Timestamp: time.Now(),
		}, "USD", decimal.Zero)
		if err != nil {
			t.Fatalf("ApplyFill: %v", err)
		}
	}

	apply(domain.SideBuy, "1", "100")
	apply(domain.SideBuy, "1", "200")
	p := l.Snapshot().Position("ETH/USD")
	if !p.AvgEntryPrice.Equal(dec("150")) {
		t.Errorf("avg entry after two buys = %s, want 150", p.AvgEntryPrice)
	}

	// Reducing exposure leaves the average entry untouched.
	apply(domain.SideSell, "1", "300")
	p = l.Snapshot().Position("ETH/USD")
	if !p.AvgEntryPrice.Equal(dec("150")) {
		t.Errorf("avg entry after partial close = %s, want 150", p.AvgEntryPrice)
	}

	// Going flat resets it.
	apply(domain.SideSell, "1", "300")
	p = l.Snapshot().Position("ETH/USD")
	if !p.Qty.IsZero() || !p.AvgEntryPrice.IsZero() {
		t.Errorf("flat position = qty %s avg %s, want 0/0", p.Qty, p.AvgEntryPrice)
	}
}

func TestApplyFillSettlesCashAndReleasesReservation(t *testing.T) {
	l := seeded(t, "USD", "1000")
	ctx := context.Background()

	// Reserve 110 for a 1 BTC buy estimated at 110, filled at 100.
	if err := l.Reserve(ctx, "USD", dec("110")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := l.ApplyFill(ctx, domain.Fill{
		Symbol: "BTC/USD", Side: domain.SideBuy, Qty: dec("1"), Price: dec("100"),
		Timestamp: time.Now(),
	}, "USD", dec("110"))
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	v := l.Snapshot()
	usd := v.Balance("USD")
	if !usd.Reserved.IsZero() {
		t.Errorf("USD reserved = %s, want 0", usd.Reserved)
	}
	// 1000 - 100 actual cost; the 10 over-reservation came back.
	if !usd.Available.Equal(dec("900")) {
		t.Errorf("USD available = %s, want 900", usd.Available)
	}
	if btc := v.Balance("BTC"); !btc.Available.Equal(dec("1")) {
		t.Errorf("BTC available = %s, want 1", btc.Available)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	l := seeded(t, "USD", "500")
	ctx := context.Background()

	v := l.Snapshot()
	if err := l.Reserve(ctx, "USD", dec("500")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if got := v.Balance("USD").Available; !got.Equal(dec("500")) {
		t.Errorf("snapshot mutated by later reserve: available = %s, want 500", got)
	}
}

// Snapshots taken while another goroutine mutates the same balance must
// observe a consistent record: available + reserved always sums to the
// deposit. Run with -race to also catch unsynchronized field access.
func TestSnapshotConsistentUnderConcurrentMutation(t *testing.T) {
	l := seeded(t, "USD", "1000")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if err := l.Reserve(ctx, "USD", dec("400")); err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if err := l.Release(ctx, "USD", dec("400")); err != nil {
				t.Errorf("Release: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 500; i++ {
		b := l.Snapshot().Balance("USD")
		if !b.Total().Equal(dec("1000")) {
			t.Fatalf("snapshot #%d: available=%s reserved=%s, total %s, want 1000",
				i, b.Available, b.Reserved, b.Total())
		}
	}
	<-done
}

func TestConcurrentFillsDifferentSymbols(t *testing.T) {
	l := seeded(t, "USD", "1000000")
	ctx := context.Background()

	symbols := []string{"BTC/USD", "ETH/USD", "SOL/USD", "DOGE/USD"}
	const fillsPerSymbol = 50

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 0; i < fillsPerSymbol; i++ {
				err := l.ApplyFill(ctx, domain.Fill{
					Symbol: symbol, Side: domain.SideBuy, Qty: dec("0.1"), Price: dec("10"),
					Timestamp: time.Now(),
				}, "USD", decimal.Zero)
				if err != nil {
					t.Errorf("ApplyFill(%s): %v", symbol, err)
					return
				}
			}
		}(sym)
	}
	wg.Wait()

	v := l.Snapshot()
	want := dec("5") // 50 * 0.1
	for _, sym := range symbols {
		if got := v.Position(sym).Qty; !got.Equal(want) {
			t.Errorf("position %s qty = %s, want %s", sym, got, want)
		}
	}
}

func TestOverwriteCorrections(t *testing.T) {
	l := seeded(t, "USD", "100")
	ctx := context.Background()

	err := l.OverwriteBalance(ctx, domain.Balance{
		Asset: "USD", Available: dec("250"), Reserved: dec("10"),
	})
	if err != nil {
		t.Fatalf("OverwriteBalance: %v", err)
	}
	if b := l.Snapshot().Balance("USD"); !b.Available.Equal(dec("250")) || !b.Reserved.Equal(dec("10")) {
		t.Errorf("balance after overwrite = %s/%s, want 250/10", b.Available, b.Reserved)
	}

	err = l.OverwritePosition(ctx, domain.Position{
		Symbol: "BTC/USD", Qty: dec("2"), AvgEntryPrice: dec("99"),
	})
	if err != nil {
		t.Fatalf("OverwritePosition: %v", err)
	}
	if p := l.Snapshot().Position("BTC/USD"); !p.Qty.Equal(dec("2")) || !p.AvgEntryPrice.Equal(dec("99")) {
		t.Errorf("position after overwrite = %s@%s, want 2@99", p.Qty, p.AvgEntryPrice)
	}
}

func TestBaseAndQuoteAsset(t *testing.T) {
	if got := BaseAsset("BTC/USD"); got != "BTC" {
		t.Errorf("BaseAsset(BTC/USD) = %q, want BTC", got)
	}
	if got := BaseAsset("AAPL"); got != "AAPL" {
		t.Errorf("BaseAsset(AAPL) = %q, want AAPL", got)
	}
	if got := QuoteAsset("BTC/USD", "USD"); got != "USD" {
		t.Errorf("QuoteAsset(BTC/USD) = %q, want USD", got)
	}
	if got := QuoteAsset("AAPL", "USD"); got != "USD" {
		t.Errorf("QuoteAsset(AAPL) = %q, want USD fallback", got)
	}
}

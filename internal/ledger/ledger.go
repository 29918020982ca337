// Package ledger is the locally-authoritative record of balances and
// positions. It is the single writer for both: the order manager mutates it
// through confirmed fills and reservations, the reconciler through
// corrections, and strategies only ever see immutable snapshots.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
	"tradewind/internal/store"
)

// ErrInsufficientBalance is returned by Reserve when the available amount is
// smaller than the requested reservation.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger tracks balances per asset and positions per symbol. All mutations
// for a given key are serialized with a per-key mutex; unrelated keys never
// contend.
type Ledger struct {
	mu        sync.Mutex // guards the maps themselves, never held across I/O
	locks     map[string]*sync.Mutex
	balances  map[string]*domain.Balance
	positions map[string]*domain.Position

	balanceStore  store.BalanceStore
	positionStore store.PositionStore
}

// New creates an empty ledger with write-through persistence to the given
// stores. Either store may be nil, in which case that side is memory-only.
func New(balances store.BalanceStore, positions store.PositionStore) *Ledger {
	return &Ledger{
		locks:         make(map[string]*sync.Mutex),
		balances:      make(map[string]*domain.Balance),
		positions:     make(map[string]*domain.Position),
		balanceStore:  balances,
		positionStore: positions,
	}
}

// Rehydrate loads balances and positions from the stores, replacing any
// in-memory state. Called once at startup before any loop runs.
func (l *Ledger) Rehydrate(ctx context.Context) error {
	if l.balanceStore != nil {
		balances, err := l.balanceStore.ListBalances(ctx)
		if err != nil {
			return fmt.Errorf("rehydrating balances: %w", err)
		}
		l.mu.Lock()
		for i := range balances {
			b := balances[i]
			l.balances[b.Asset] = &b
		}
		l.mu.Unlock()
	}
	if l.positionStore != nil {
		positions, err := l.positionStore.ListPositions(ctx)
		if err != nil {
			return fmt.Errorf("rehydrating positions: %w", err)
		}
		l.mu.Lock()
		for i := range positions {
			p := positions[i]
			l.positions[p.Symbol] = &p
		}
		l.mu.Unlock()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Key locking
// ---------------------------------------------------------------------------

// lockKeys acquires the per-key mutexes for all given keys in sorted order
// (deterministic order prevents deadlock between concurrent multi-key
// operations). The returned func releases them.
func (l *Ledger) lockKeys(keys ...string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	l.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(uniq))
	for _, k := range uniq {
		m, ok := l.locks[k]
		if !ok {
			m = &sync.Mutex{}
			l.locks[k] = m
		}
		locks = append(locks, m)
	}
	l.mu.Unlock()

	for _, m := range locks {
		m.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func balanceKey(asset string) string   { return "bal:" + asset }
func positionKey(symbol string) string { return "pos:" + symbol }

// BaseAsset returns the asset held when long a symbol: the part before the
// first "/" for pair symbols ("BTC/USD" → "BTC"), otherwise the symbol
// itself ("AAPL" → "AAPL").
func BaseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '/'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// QuoteAsset returns the asset paid when buying a symbol, falling back to
// def for non-pair symbols.
func QuoteAsset(symbol, def string) string {
	if i := strings.IndexByte(symbol, '/'); i >= 0 && i+1 < len(symbol) {
		return symbol[i+1:]
	}
	return def
}

// ---------------------------------------------------------------------------
// Balance operations
// ---------------------------------------------------------------------------

// Reserve moves amount from available to reserved for the given asset.
// Fails with ErrInsufficientBalance when available < amount.
func (l *Ledger) Reserve(ctx context.Context, asset string, amount decimal.Decimal) error {
	unlock := l.lockKeys(balanceKey(asset))
	defer unlock()

	b := l.balance(asset)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("reserving %s %s (available %s): %w",
			amount, asset, b.Available, ErrInsufficientBalance)
	}
	b.Available = b.Available.Sub(amount)
	b.Reserved = b.Reserved.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	return l.persistBalance(ctx, b)
}

// Release returns amount from reserved back to available. Amounts beyond
// the current reservation are clamped.
func (l *Ledger) Release(ctx context.Context, asset string, amount decimal.Decimal) error {
	unlock := l.lockKeys(balanceKey(asset))
	defer unlock()

	b := l.balance(asset)
	if amount.GreaterThan(b.Reserved) {
		amount = b.Reserved
	}
	b.Reserved = b.Reserved.Sub(amount)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	return l.persistBalance(ctx, b)
}

// Deposit credits available funds for an asset. Used for paper-mode seeding
// and venue deposits discovered by reconciliation.
func (l *Ledger) Deposit(ctx context.Context, asset string, amount decimal.Decimal) error {
	unlock := l.lockKeys(balanceKey(asset))
	defer unlock()

	b := l.balance(asset)
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = time.Now().UTC()
	return l.persistBalance(ctx, b)
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// ApplyFill settles one confirmed fill atomically: the position's net
// quantity and weighted average entry, the cash legs of the trade, and the
// proportional release of the order's reservation all move under the same
// per-key exclusive section. releaseAsset/releaseAmount identify the slice
// of the original reservation this fill consumes.
func (l *Ledger) ApplyFill(ctx context.Context, f domain.Fill, releaseAsset string, releaseAmount decimal.Decimal) error {
	base := BaseAsset(f.Symbol)
	quote := QuoteAsset(f.Symbol, releaseAsset)

	unlock := l.lockKeys(
		balanceKey(base), balanceKey(quote), balanceKey(releaseAsset),
		positionKey(f.Symbol),
	)
	defer unlock()

	now := time.Now().UTC()
	cost := f.Qty.Mul(f.Price)

	rb := l.balance(releaseAsset)
	if releaseAmount.GreaterThan(rb.Reserved) {
		releaseAmount = rb.Reserved
	}
	rb.Reserved = rb.Reserved.Sub(releaseAmount)
	rb.Available = rb.Available.Add(releaseAmount)
	rb.UpdatedAt = now

	switch f.Side {
	case domain.SideBuy:
		// The released reservation comes back to available above; the actual
		// cost is then debited, so over- or under-reservation nets out.
		qb := l.balance(quote)
		qb.Available = qb.Available.Sub(cost)
		qb.UpdatedAt = now
		bb := l.balance(base)
		bb.Available = bb.Available.Add(f.Qty)
		bb.UpdatedAt = now
	case domain.SideSell:
		bb := l.balance(base)
		bb.Available = bb.Available.Sub(f.Qty)
		bb.UpdatedAt = now
		qb := l.balance(quote)
		qb.Available = qb.Available.Add(cost)
		qb.UpdatedAt = now
	}

	l.applyPositionFill(f, now)

	if err := l.persistBalance(ctx, l.balance(releaseAsset)); err != nil {
		return err
	}
	if err := l.persistBalance(ctx, l.balance(base)); err != nil {
		return err
	}
	if err := l.persistBalance(ctx, l.balance(quote)); err != nil {
		return err
	}
	return l.persistPosition(ctx, l.position(f.Symbol))
}

// applyPositionFill updates net quantity and weighted average entry. Caller
// holds the position key lock.
func (l *Ledger) applyPositionFill(f domain.Fill, now time.Time) {
	p := l.position(f.Symbol)
	signed := f.Qty
	if f.Side == domain.SideSell {
		signed = signed.Neg()
	}

	oldQty := p.Qty
	newQty := oldQty.Add(signed)

	switch {
	case oldQty.IsZero(), oldQty.Sign() == signed.Sign():
		// Opening or increasing exposure: weighted average entry.
		oldAbs := oldQty.Abs()
		total := oldAbs.Add(f.Qty)
		if total.IsZero() {
			p.AvgEntryPrice = decimal.Zero
		} else {
			p.AvgEntryPrice = p.AvgEntryPrice.Mul(oldAbs).Add(f.Price.Mul(f.Qty)).Div(total)
		}
	case newQty.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case newQty.Sign() != oldQty.Sign():
		// Flipped through flat: remaining exposure entered at the fill price.
		p.AvgEntryPrice = f.Price
	}
	// Reducing exposure leaves the average entry untouched.

	p.Qty = newQty
	p.UpdatedAt = now
}

// ---------------------------------------------------------------------------
// Snapshots and corrections
// ---------------------------------------------------------------------------

// View is an immutable read-only snapshot handed to strategies and risk
// checks.
type View struct {
	Positions map[string]domain.Position
	Balances  map[string]domain.Balance
	TakenAt   time.Time
}

// Position returns the position for a symbol (zero value when flat).
func (v View) Position(symbol string) domain.Position {
	if p, ok := v.Positions[symbol]; ok {
		return p
	}
	return domain.Position{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}
}

// Balance returns the balance for an asset (zero value when unknown).
func (v View) Balance(asset string) domain.Balance {
	if b, ok := v.Balances[asset]; ok {
		return b
	}
	return domain.Balance{Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
}

// OpenPositionCount returns the number of non-flat positions in the view.
func (v View) OpenPositionCount() int {
	n := 0
	for _, p := range v.Positions {
		if !p.Qty.IsZero() {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all positions and balances. The copy never
// changes after return. Records are copied under their per-key mutexes,
// the same locks every mutation holds, so no torn values can be observed.
func (l *Ledger) Snapshot() View {
	l.mu.Lock()
	assets := make([]string, 0, len(l.balances))
	for asset := range l.balances {
		assets = append(assets, asset)
	}
	symbols := make([]string, 0, len(l.positions))
	for sym := range l.positions {
		symbols = append(symbols, sym)
	}
	l.mu.Unlock()

	keys := make([]string, 0, len(assets)+len(symbols))
	for _, asset := range assets {
		keys = append(keys, balanceKey(asset))
	}
	for _, sym := range symbols {
		keys = append(keys, positionKey(sym))
	}
	unlock := l.lockKeys(keys...)
	defer unlock()

	v := View{
		Positions: make(map[string]domain.Position, len(symbols)),
		Balances:  make(map[string]domain.Balance, len(assets)),
		TakenAt:   time.Now().UTC(),
	}
	// Keys created after the key set was collected are not locked here and
	// are left out; they belong to the next snapshot.
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, asset := range assets {
		if b, ok := l.balances[asset]; ok {
			v.Balances[asset] = *b
		}
	}
	for _, sym := range symbols {
		if p, ok := l.positions[sym]; ok {
			v.Positions[sym] = *p
		}
	}
	return v
}

// OverwriteBalance replaces the ledger's record for one asset with the
// venue-reported value. Reconciler only.
func (l *Ledger) OverwriteBalance(ctx context.Context, bal domain.Balance) error {
	unlock := l.lockKeys(balanceKey(bal.Asset))
	defer unlock()

	b := l.balance(bal.Asset)
	b.Available = bal.Available
	b.Reserved = bal.Reserved
	b.UpdatedAt = time.Now().UTC()
	return l.persistBalance(ctx, b)
}

// OverwritePosition replaces the ledger's record for one symbol with the
// venue-reported value. Reconciler only.
func (l *Ledger) OverwritePosition(ctx context.Context, pos domain.Position) error {
	unlock := l.lockKeys(positionKey(pos.Symbol))
	defer unlock()

	p := l.position(pos.Symbol)
	p.Qty = pos.Qty
	p.AvgEntryPrice = pos.AvgEntryPrice
	p.UpdatedAt = time.Now().UTC()
	return l.persistPosition(ctx, p)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// balance returns the live record for an asset, creating it if needed.
// Caller must hold the asset's key lock.
func (l *Ledger) balance(asset string) *domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[asset]
	if !ok {
		b = &domain.Balance{Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
		l.balances[asset] = b
	}
	return b
}

// position returns the live record for a symbol, creating it if needed.
// Caller must hold the symbol's key lock.
func (l *Ledger) position(symbol string) *domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		p = &domain.Position{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}
		l.positions[symbol] = p
	}
	return p
}

func (l *Ledger) persistBalance(ctx context.Context, b *domain.Balance) error {
	if l.balanceStore == nil {
		return nil
	}
	if err := l.balanceStore.SaveBalance(ctx, b); err != nil {
		return fmt.Errorf("persisting balance %s: %w", b.Asset, err)
	}
	return nil
}

func (l *Ledger) persistPosition(ctx context.Context, p *domain.Position) error {
	if l.positionStore == nil {
		return nil
	}
	if err := l.positionStore.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("persisting position %s: %w", p.Symbol, err)
	}
	return nil
}

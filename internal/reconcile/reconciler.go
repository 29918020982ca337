// Package reconcile periodically compares the local ledger against the
// venue's reported state and corrects the ledger where they disagree. The
// venue is authoritative: local records document intent, the venue documents
// reality.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
	"tradewind/internal/gateway"
	"tradewind/internal/ledger"
	"tradewind/internal/orders"
	"tradewind/internal/store"
)

// Reconciler drives the periodic reconciliation loop.
type Reconciler struct {
	gw      gateway.Gateway
	ledger  *ledger.Ledger
	manager *orders.Manager
	journal store.Journal
	emit    orders.EventSink
	log     *slog.Logger

	interval time.Duration
	epsilon  decimal.Decimal
}

// Options bundles the reconciler's collaborators and tuning. Interval and
// DriftEpsilon come from the reconcile config block.
type Options struct {
	Gateway      gateway.Gateway
	Ledger       *ledger.Ledger
	Manager      *orders.Manager
	Journal      store.Journal
	Events       orders.EventSink
	Interval     time.Duration
	DriftEpsilon float64
	Log          *slog.Logger
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.DriftEpsilon <= 0 {
		opts.DriftEpsilon = 1e-9
	}
	return &Reconciler{
		gw:       opts.Gateway,
		ledger:   opts.Ledger,
		manager:  opts.Manager,
		journal:  opts.Journal,
		emit:     opts.Events,
		interval: opts.Interval,
		epsilon:  decimal.NewFromFloat(opts.DriftEpsilon),
		log:      opts.Log.With("component", "reconcile"),
	}
}

// Run executes reconciliation passes on the configured interval until ctx is
// cancelled. Pass failures are logged and the loop keeps going; a venue
// outage must not take reconciliation down with it.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.log.Error("reconciliation pass failed", "err", err)
			}
		}
	}
}

// ReconcileOnce runs a single full pass: open orders first (their fills move
// balances), then balances, then positions.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	started := time.Now()

	if err := r.manager.ResolveOpenOrders(ctx); err != nil {
		return fmt.Errorf("reconciling orders: %w", err)
	}
	venuePositions, err := r.gw.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching venue positions: %w", err)
	}
	drifts := 0
	n, err := r.reconcileBalances(ctx, venuePositions)
	if err != nil {
		return fmt.Errorf("reconciling balances: %w", err)
	}
	drifts += n
	n, err = r.reconcilePositions(ctx, venuePositions)
	if err != nil {
		return fmt.Errorf("reconciling positions: %w", err)
	}
	drifts += n

	r.log.Info("reconciliation pass complete",
		"drifts", drifts, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// reconcileBalances overwrites local totals that drift from the venue by
// more than epsilon. The local available/reserved split is preserved where
// possible: reservations back orders the venue has not settled yet, so only
// the total is comparable.
func (r *Reconciler) reconcileBalances(ctx context.Context, venuePositions []domain.Position) (int, error) {
	remote, err := r.gw.FetchBalances(ctx)
	if err != nil {
		return 0, err
	}
	local := r.ledger.Snapshot()

	// Venues like Alpaca report only cash on the balance endpoint; the assets
	// backing open positions ride on the position feed instead. Derive those
	// holdings so they compare correctly and are not swept as venue-absent.
	totals := make(map[string]decimal.Decimal, len(remote)+len(venuePositions))
	for _, rb := range remote {
		totals[rb.Asset] = rb.Total()
	}
	derived := make(map[string]bool, len(venuePositions))
	for _, rp := range venuePositions {
		base := ledger.BaseAsset(rp.Symbol)
		if _, reported := totals[base]; reported && !derived[base] {
			continue
		}
		totals[base] = totals[base].Add(rp.Qty)
		derived[base] = true
	}

	drifts := 0
	seen := make(map[string]bool, len(totals))
	for asset, remoteTotal := range totals {
		seen[asset] = true
		lb := local.Balance(asset)
		diff := remoteTotal.Sub(lb.Total())
		if diff.Abs().LessThanOrEqual(r.epsilon) {
			continue
		}
		corrected := domain.Balance{
			Asset:     asset,
			Available: remoteTotal.Sub(lb.Reserved),
			Reserved:  lb.Reserved,
		}
		if corrected.Available.IsNegative() {
			corrected.Available = remoteTotal
			corrected.Reserved = decimal.Zero
		}
		if err := r.ledger.OverwriteBalance(ctx, corrected); err != nil {
			return drifts, err
		}
		r.recordDrift(domain.DriftKindBalance, asset, lb.Total().String(), remoteTotal.String())
		drifts++
	}

	// Assets the venue no longer reports are gone.
	for asset, lb := range local.Balances {
		if seen[asset] || lb.Total().Abs().LessThanOrEqual(r.epsilon) {
			continue
		}
		if err := r.ledger.OverwriteBalance(ctx, domain.Balance{
			Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero,
		}); err != nil {
			return drifts, err
		}
		r.recordDrift(domain.DriftKindBalance, asset, lb.Total().String(), "0")
		drifts++
	}
	return drifts, nil
}

// reconcilePositions overwrites local positions that drift from the venue by
// more than epsilon.
func (r *Reconciler) reconcilePositions(ctx context.Context, remote []domain.Position) (int, error) {
	local := r.ledger.Snapshot()

	drifts := 0
	seen := make(map[string]bool, len(remote))
	for _, rp := range remote {
		seen[rp.Symbol] = true
		lp := local.Position(rp.Symbol)
		if rp.Qty.Sub(lp.Qty).Abs().LessThanOrEqual(r.epsilon) {
			continue
		}
		if err := r.ledger.OverwritePosition(ctx, rp); err != nil {
			return drifts, err
		}
		r.recordDrift(domain.DriftKindPosition, rp.Symbol, lp.Qty.String(), rp.Qty.String())
		drifts++
	}

	for symbol, lp := range local.Positions {
		if seen[symbol] || lp.Qty.Abs().LessThanOrEqual(r.epsilon) {
			continue
		}
		if err := r.ledger.OverwritePosition(ctx, domain.Position{
			Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero,
		}); err != nil {
			return drifts, err
		}
		r.recordDrift(domain.DriftKindPosition, symbol, lp.Qty.String(), "0")
		drifts++
	}
	return drifts, nil
}

// recordDrift journals a correction and emits a drift event. Both are
// diagnostic; failures only log.
func (r *Reconciler) recordDrift(kind domain.DriftKind, ref, local, remote string) {
	rec := domain.DriftRecord{
		Kind:       kind,
		Ref:        ref,
		Local:      local,
		Remote:     remote,
		Resolution: "venue state adopted",
		DetectedAt: time.Now().UTC(),
	}
	r.log.Warn("drift corrected",
		"kind", kind, "ref", ref, "local", local, "remote", remote)
	if r.journal != nil {
		if err := r.journal.AppendDrift(rec); err != nil {
			r.log.Error("journaling drift record", "err", err)
		}
	}
	if r.emit != nil {
		r.emit(domain.Event{
			Kind:   domain.EventDrift,
			Symbol: ref,
			Detail: fmt.Sprintf("%s %s: local %s, venue %s", kind, ref, local, remote),
			At:     time.Now().UTC(),
		})
	}
}

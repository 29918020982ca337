package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ BalanceStore = (*SQLiteStore)(nil)

// SQLiteStore implements OrderStore, PositionStore, and BalanceStore backed
// by a SQLite database. Monetary values are stored as TEXT to avoid float
// round-tripping.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_order_id  TEXT PRIMARY KEY,
	strategy_id      TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	qty              TEXT NOT NULL,
	limit_price      TEXT NOT NULL,
	venue_order_id   TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	filled_qty       TEXT NOT NULL,
	filled_avg_price TEXT NOT NULL,
	reserved_asset   TEXT NOT NULL DEFAULT '',
	reserved_amount  TEXT NOT NULL,
	needs_reconcile  INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	qty             TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
	asset      TEXT PRIMARY KEY,
	available  TEXT NOT NULL,
	reserved   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The engine is the only writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder upserts an order keyed by client order id.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, strategy_id, symbol, side, type, qty, limit_price,
			venue_order_id, status, filled_qty, filled_avg_price,
			reserved_asset, reserved_amount, needs_reconcile, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			filled_avg_price = excluded.filled_avg_price,
			reserved_amount = excluded.reserved_amount,
			needs_reconcile = excluded.needs_reconcile,
			updated_at = excluded.updated_at`,
		o.ClientOrderID, o.StrategyID, o.Symbol, string(o.Side), string(o.Type),
		o.Qty.String(), o.LimitPrice.String(),
		o.VenueOrderID, string(o.Status), o.FilledQty.String(), o.FilledAvgPrice.String(),
		o.ReservedAsset, o.ReservedAmount.String(), boolToInt(o.NeedsReconcile),
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its client order id. Returns
// sql.ErrNoRows wrapped if the order does not exist.
func (s *SQLiteStore) GetOrder(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, strategy_id, symbol, side, type, qty, limit_price,
			venue_order_id, status, filled_qty, filled_avg_price,
			reserved_asset, reserved_amount, needs_reconcile, created_at, updated_at
		FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", clientOrderID, err)
	}
	return o, nil
}

// ListOpenOrders returns all non-terminal orders plus terminal orders that
// still need reconciliation.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, strategy_id, symbol, side, type, qty, limit_price,
			venue_order_id, status, filled_qty, filled_avg_price,
			reserved_asset, reserved_amount, needs_reconcile, created_at, updated_at
		FROM orders
		WHERE status IN ('created', 'submitted', 'accepted', 'partially_filled')
			OR needs_reconcile = 1
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning open order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o                                                   domain.Order
		side, typ, status                                   string
		qty, limitPrice, filledQty, filledAvg, reservedAmt  string
		needsReconcile                                      int
		createdAt, updatedAt                                int64
	)
	err := sc.Scan(
		&o.ClientOrderID, &o.StrategyID, &o.Symbol, &side, &typ, &qty, &limitPrice,
		&o.VenueOrderID, &status, &filledQty, &filledAvg,
		&o.ReservedAsset, &reservedAmt, &needsReconcile, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return nil, err
	}
	if o.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return nil, err
	}
	if o.FilledAvgPrice, err = decimal.NewFromString(filledAvg); err != nil {
		return nil, err
	}
	if o.ReservedAmount, err = decimal.NewFromString(reservedAmt); err != nil {
		return nil, err
	}
	o.NeedsReconcile = needsReconcile != 0
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition upserts the position for a symbol; a zero quantity deletes it.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	if p.Qty.IsZero() {
		_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, p.Symbol)
		if err != nil {
			return fmt.Errorf("deleting flat position %s: %w", p.Symbol, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			updated_at = excluded.updated_at`,
		p.Symbol, p.Qty.String(), p.AvgEntryPrice.String(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// ListPositions returns all non-flat positions.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, qty, avg_entry_price, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var (
			p            domain.Position
			qty, avg     string
			updatedAt    int64
		)
		if err := rows.Scan(&p.Symbol, &qty, &avg, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		if p.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ---------------------------------------------------------------------------
// BalanceStore implementation
// ---------------------------------------------------------------------------

// SaveBalance upserts the balance for an asset.
func (s *SQLiteStore) SaveBalance(ctx context.Context, b *domain.Balance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (asset, available, reserved, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			available = excluded.available,
			reserved = excluded.reserved,
			updated_at = excluded.updated_at`,
		b.Asset, b.Available.String(), b.Reserved.String(), b.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving balance %s: %w", b.Asset, err)
	}
	return nil
}

// ListBalances returns all known balances.
func (s *SQLiteStore) ListBalances(ctx context.Context) ([]domain.Balance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset, available, reserved, updated_at FROM balances ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("listing balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		var (
			b                   domain.Balance
			available, reserved string
			updatedAt           int64
		)
		if err := rows.Scan(&b.Asset, &available, &reserved, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning balance: %w", err)
		}
		if b.Available, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		if b.Reserved, err = decimal.NewFromString(reserved); err != nil {
			return nil, err
		}
		b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

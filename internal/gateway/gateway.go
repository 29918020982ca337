// Package gateway abstracts connectivity to a trading venue: market data,
// order submission and cancellation, and account state. Implementations wrap
// retry/backoff and rate-limit discipline; callers see a typed error
// taxonomy so retry policy is a pure function of the error kind.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradewind/internal/domain"
)

// ErrOrderNotFound is returned by FetchOrder when the venue has no record of
// the client order id.
var ErrOrderNotFound = errors.New("order not found at venue")

// ErrUnknownOutcome is returned by SubmitOrder when the request may or may
// not have reached the venue (e.g. a timeout mid-flight). The caller must
// not assume failure or success; the reconciler resolves the truth.
var ErrUnknownOutcome = errors.New("submission outcome unknown")

// OrderState is the venue's view of one order, keyed by the client order id
// the engine attached at submission.
type OrderState struct {
	ClientOrderID  string
	VenueOrderID   string
	Status         domain.OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
}

// Gateway is the venue capability interface consumed by the order manager,
// the execution engine, and the reconciler.
type Gateway interface {
	// Name returns the venue identifier (e.g. "alpaca", "sim").
	Name() string

	// FetchBars returns up to window bars of the given timeframe for a
	// symbol, oldest first.
	FetchBars(ctx context.Context, symbol, timeframe string, window int) ([]domain.Bar, error)

	// SubmitOrder sends the order to the venue using order.ClientOrderID as
	// the idempotency key. Returns ErrUnknownOutcome when the outcome could
	// not be determined.
	SubmitOrder(ctx context.Context, order *domain.Order) (*OrderState, error)

	// CancelOrder requests cancellation of an open order by venue order id.
	CancelOrder(ctx context.Context, venueOrderID string) error

	// FetchOrder returns the venue's current view of an order by client
	// order id, or ErrOrderNotFound.
	FetchOrder(ctx context.Context, clientOrderID string) (*OrderState, error)

	// FetchOpenOrders returns all orders the venue still considers open.
	FetchOpenOrders(ctx context.Context) ([]OrderState, error)

	// FetchBalances returns the venue-reported balances per asset.
	FetchBalances(ctx context.Context) ([]domain.Balance, error)

	// FetchPositions returns the venue-reported open positions.
	FetchPositions(ctx context.Context) ([]domain.Position, error)
}

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies a gateway failure for retry purposes.
type ErrorKind int

const (
	// KindRetriable covers timeouts and transient 5xx-class venue failures.
	KindRetriable ErrorKind = iota
	// KindRateLimited is retriable but additionally triggers a gateway-wide
	// cooldown.
	KindRateLimited
	// KindNonRetriable covers validation and auth failures; retrying cannot
	// help.
	KindNonRetriable
)

// Error wraps a venue failure with its retry classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable wraps err as a transient failure.
func Retriable(op string, err error) error {
	return &Error{Kind: KindRetriable, Op: op, Err: err}
}

// RateLimited wraps err as a venue rate-limit response.
func RateLimited(op string, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err}
}

// NonRetriable wraps err as a permanent failure.
func NonRetriable(op string, err error) error {
	return &Error{Kind: KindNonRetriable, Op: op, Err: err}
}

// IsRetriable reports whether err may succeed on a later attempt. Unwrapped
// errors (network-level failures without a venue response) count as
// retriable.
func IsRetriable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == KindRetriable || ge.Kind == KindRateLimited
	}
	return true
}

// IsRateLimited reports whether err is a venue rate-limit response.
func IsRateLimited(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindRateLimited
}

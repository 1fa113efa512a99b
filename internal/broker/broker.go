// Package broker abstracts order execution behind a single Trader
// interface with two families of implementations: an in-process
// simulator with an authoritative matcher, and a REST adapter base
// specialized per brokerage gateway.
//
// All implementations report fills, order updates, position and account
// changes through upward Callbacks rather than return values, so the
// strategy runtime consumes live and simulated trading identically.
package broker

import (
	"context"
	"errors"

	"quantdesk/pkg/types"
)

var (
	// ErrNotConnected is returned by operations that require an
	// established connection.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrNotAuthenticated is returned by authenticated operations
	// before a successful login.
	ErrNotAuthenticated = errors.New("broker: not authenticated")
	// ErrUnsupported is returned for operations a backend does not
	// implement, e.g. order modification.
	ErrUnsupported = errors.New("broker: operation not supported")
)

// OrderResult is the synchronous outcome of an order submission.
// Rejections are results, not errors: OK=false with a human-readable
// Message. Order is set when the backend accepted (or registered the
// rejection of) the order.
type OrderResult struct {
	OK      bool
	Message string
	Order   *types.Order
}

// Callbacks notify the owner of asynchronous broker events. Any field
// may be nil. Implementations invoke callbacks without holding internal
// locks.
type Callbacks struct {
	OnOrder    func(types.Order)
	OnTrade    func(types.Trade)
	OnPosition func([]types.Position)
	OnAccount  func(types.AccountInfo)
	OnError    func(error)
}

// Trader is the order execution backend.
//
// Lifecycle: Connect establishes transport, Login authenticates,
// Logout/Disconnect tear down. Query methods return snapshots; live
// changes arrive via Callbacks.
type Trader interface {
	Name() string
	SetCallbacks(cb Callbacks)

	Connect(ctx context.Context) error
	Disconnect() error
	Login(ctx context.Context) error
	Logout() error

	// SendOrder submits an order. Quantity must be a positive multiple
	// of types.LotSize. For MARKET orders price is the reference used
	// for pre-trade cost checks.
	SendOrder(ctx context.Context, code string, side types.Side, price float64, qty int64, typ types.OrderType) OrderResult
	// CancelOrder cancels a live order by broker-assigned id.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	// ModifyOrder is unsupported by every current backend; callers
	// cancel and resend instead.
	ModifyOrder(ctx context.Context, orderID string, price float64, qty int64) (bool, error)

	QueryAccount(ctx context.Context) (types.AccountInfo, error)
	QueryPositions(ctx context.Context) ([]types.Position, error)
	// QueryOrders returns orders filtered by status; empty status
	// returns all known orders.
	QueryOrders(ctx context.Context, status types.OrderStatus) ([]types.Order, error)
	QueryTrades(ctx context.Context) ([]types.Trade, error)
	// SellableQuantity is the quantity of code that T+1 settlement
	// allows selling today.
	SellableQuantity(ctx context.Context, code string) (int64, error)
}

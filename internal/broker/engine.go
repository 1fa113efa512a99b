package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"quantdesk/internal/metrics"
	"quantdesk/pkg/types"
)

// TradingEngine supervises one Trader: it owns the connect/login
// lifecycle, gates Buy/Sell/Cancel behind an explicit trading switch and
// forwards the trader's callbacks to its own listener. The risk gate's
// cut-out flips the switch off without tearing the session down, so
// queries and data flow keep working while order entry is refused.
type TradingEngine struct {
	trader Trader
	logger *slog.Logger

	mu      sync.Mutex
	trading bool
	cb      Callbacks
}

// NewTradingEngine wraps a trader. The engine starts with trading off;
// call StartTrading after a successful login.
func NewTradingEngine(trader Trader, logger *slog.Logger) *TradingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &TradingEngine{
		trader: trader,
		logger: logger.With("component", "trading_engine", "broker", trader.Name()),
	}
	trader.SetCallbacks(Callbacks{
		OnOrder: func(o types.Order) {
			if o.Status == types.StatusFilled {
				metrics.OrdersFilled.WithLabelValues(string(o.Side)).Inc()
			}
			if cb := e.listener(); cb.OnOrder != nil {
				cb.OnOrder(o)
			}
		},
		OnTrade: func(tr types.Trade) {
			if cb := e.listener(); cb.OnTrade != nil {
				cb.OnTrade(tr)
			}
		},
		OnPosition: func(ps []types.Position) {
			if cb := e.listener(); cb.OnPosition != nil {
				cb.OnPosition(ps)
			}
		},
		OnAccount: func(a types.AccountInfo) {
			if cb := e.listener(); cb.OnAccount != nil {
				cb.OnAccount(a)
			}
		},
		OnError: func(err error) {
			if cb := e.listener(); cb.OnError != nil {
				cb.OnError(err)
			}
		},
	})
	return e
}

// SetCallbacks installs the listener receiving forwarded trader events.
func (e *TradingEngine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

func (e *TradingEngine) listener() Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

// Trader exposes the underlying backend for direct capability checks.
func (e *TradingEngine) Trader() Trader { return e.trader }

// Connect establishes the broker transport and authenticates.
func (e *TradingEngine) Connect(ctx context.Context) error {
	if err := e.trader.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", e.trader.Name(), err)
	}
	if err := e.trader.Login(ctx); err != nil {
		return fmt.Errorf("login %s: %w", e.trader.Name(), err)
	}
	return nil
}

// Shutdown stops trading and tears the broker session down.
func (e *TradingEngine) Shutdown() {
	e.StopTrading()
	if err := e.trader.Logout(); err != nil {
		e.logger.Warn("logout failed", "error", err)
	}
	if err := e.trader.Disconnect(); err != nil {
		e.logger.Warn("disconnect failed", "error", err)
	}
}

// StartTrading enables order entry.
func (e *TradingEngine) StartTrading() {
	e.mu.Lock()
	e.trading = true
	e.mu.Unlock()
	e.logger.Info("trading enabled")
}

// StopTrading disables order entry. In-flight orders at the venue are
// untouched; new Buy/Sell calls fail until StartTrading.
func (e *TradingEngine) StopTrading() {
	e.mu.Lock()
	was := e.trading
	e.trading = false
	e.mu.Unlock()
	if was {
		e.logger.Info("trading disabled")
	}
}

// IsTrading reports whether order entry is enabled.
func (e *TradingEngine) IsTrading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trading
}

// Buy submits a buy order.
func (e *TradingEngine) Buy(ctx context.Context, code string, price float64, qty int64, typ types.OrderType) OrderResult {
	return e.submit(ctx, code, types.BUY, price, qty, typ)
}

// Sell submits a sell order.
func (e *TradingEngine) Sell(ctx context.Context, code string, price float64, qty int64, typ types.OrderType) OrderResult {
	return e.submit(ctx, code, types.SELL, price, qty, typ)
}

func (e *TradingEngine) submit(ctx context.Context, code string, side types.Side, price float64, qty int64, typ types.OrderType) OrderResult {
	if !e.IsTrading() {
		return OrderResult{OK: false, Message: "trading is stopped"}
	}
	res := e.trader.SendOrder(ctx, code, side, price, qty, typ)
	if res.OK {
		metrics.OrdersSubmitted.WithLabelValues(string(side)).Inc()
	} else {
		metrics.OrdersRejected.WithLabelValues(string(side)).Inc()
		e.logger.Warn("order refused", "code", code, "side", side,
			"price", price, "quantity", qty, "reason", res.Message)
	}
	return res
}

// Cancel cancels a live order. Allowed even while trading is stopped so
// operators can flatten exposure after a cut-out.
func (e *TradingEngine) Cancel(ctx context.Context, orderID string) (bool, error) {
	return e.trader.CancelOrder(ctx, orderID)
}

// QueryAccount returns the current account snapshot.
func (e *TradingEngine) QueryAccount(ctx context.Context) (types.AccountInfo, error) {
	return e.trader.QueryAccount(ctx)
}

// QueryPositions returns current holdings.
func (e *TradingEngine) QueryPositions(ctx context.Context) ([]types.Position, error) {
	return e.trader.QueryPositions(ctx)
}

// QueryOrders returns orders filtered by status; empty means all.
func (e *TradingEngine) QueryOrders(ctx context.Context, status types.OrderStatus) ([]types.Order, error) {
	return e.trader.QueryOrders(ctx, status)
}

// QueryTrades returns the execution list.
func (e *TradingEngine) QueryTrades(ctx context.Context) ([]types.Trade, error) {
	return e.trader.QueryTrades(ctx)
}

// SellableQuantity returns what T+1 settlement allows selling today.
func (e *TradingEngine) SellableQuantity(ctx context.Context, code string) (int64, error) {
	return e.trader.SellableQuantity(ctx, code)
}

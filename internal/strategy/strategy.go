// Package strategy hosts the capability surface user strategies program
// against and the built-in strategy plug-ins.
//
// One Session binds one stock code to one Algorithm. The runtime (live) or
// the backtest engine (replay) pushes bars and fills into the session; the
// algorithm reacts by calling Buy/Sell/Cancel on it. Sessions never talk
// to a broker directly: order intents leave through the injected
// OnOrderIntent callback and fills come back through DeliverFill.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantdesk/pkg/types"
)

// maxBarHistory bounds the rolling bar history kept per session so long
// live sessions do not grow without limit.
const maxBarHistory = 2000

// Algorithm is the required strategy entry point.
type Algorithm interface {
	Name() string
	OnBar(s *Session, bar types.Bar)
}

// Optional hooks an Algorithm may implement.
type (
	// TradeHandler is invoked after a fill has been applied to the session.
	TradeHandler interface {
		OnTrade(s *Session, order types.Order, trade types.Trade)
	}
	// OrderHandler is invoked on order status changes.
	OrderHandler interface {
		OnOrder(s *Session, order types.Order)
	}
	// Lifecycle marks session start and stop.
	Lifecycle interface {
		OnStart(s *Session)
		OnStop(s *Session)
	}
	// Validator checks parameter maps before a session starts.
	Validator interface {
		Validate(params map[string]float64) error
	}
)

// Callbacks are the externally injected sinks for a session.
type Callbacks struct {
	OnOrderIntent func(*types.Order)
	OnTrade       func(types.Order, types.Trade)
	OnLog         func(msg string)
}

// Session is one running strategy bound to one code.
type Session struct {
	code string
	algo Algorithm

	mu        sync.Mutex
	cash      float64
	initial   float64
	params    map[string]float64
	positions map[string]*types.Position
	orders    map[string]*types.Order
	bars      []types.Bar

	cb      Callbacks
	logger  *slog.Logger
	nowFn   func() time.Time
	started bool
}

// NewSession builds a session for code driven by algo.
func NewSession(code string, algo Algorithm, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		code:      code,
		algo:      algo,
		params:    make(map[string]float64),
		positions: make(map[string]*types.Position),
		orders:    make(map[string]*types.Order),
		logger:    logger.With("component", "strategy", "code", code, "algo", algo.Name()),
		nowFn:     time.Now,
	}
}

// SetCapital establishes the session's starting cash and total value.
func (s *Session) SetCapital(c float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cash = c
	s.initial = c
}

// SetCallbacks wires the external sinks. Must be called before the session
// starts trading.
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// SetParams validates and stores the parameter map the algorithm reads.
func (s *Session) SetParams(params map[string]float64) error {
	if v, ok := s.algo.(Validator); ok {
		if err := v.Validate(params); err != nil {
			return fmt.Errorf("params for %s: %w", s.algo.Name(), err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range params {
		s.params[k] = v
	}
	return nil
}

// Param returns the named parameter or def when unset.
func (s *Session) Param(name string, def float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.params[name]; ok {
		return v
	}
	return def
}

// Code returns the stock code this session trades.
func (s *Session) Code() string { return s.code }

// AlgorithmName returns the bound algorithm's name.
func (s *Session) AlgorithmName() string { return s.algo.Name() }

// Start fires the algorithm's OnStart hook once.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if lc, ok := s.algo.(Lifecycle); ok {
		lc.OnStart(s)
	}
}

// Stop fires the algorithm's OnStop hook once.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if lc, ok := s.algo.(Lifecycle); ok {
		lc.OnStop(s)
	}
}

// ---------------------------------------------------------------------------
// Data delivery (runtime / backtest side)
// ---------------------------------------------------------------------------

// DeliverBar appends the bar to the rolling history, marks the position to
// the bar's close, and hands the bar to the algorithm. The session lock is
// released before the algorithm runs so it can call back into the session.
func (s *Session) DeliverBar(bar types.Bar) {
	s.mu.Lock()
	s.bars = append(s.bars, bar)
	if len(s.bars) > maxBarHistory {
		s.bars = s.bars[len(s.bars)-maxBarHistory:]
	}
	if pos, ok := s.positions[bar.Code]; ok {
		pos.CurrentPrice = bar.Close
	}
	s.mu.Unlock()

	s.algo.OnBar(s, bar)
}

// DeliverFill applies a confirmed execution: order bookkeeping, cash and
// position updates. Returns the realized profit for SELL fills (0 for BUY)
// so the caller can drive daily-loss accounting. The user OnTrade hook and
// the external trade sink run after the state change.
func (s *Session) DeliverFill(order types.Order, trade types.Trade) float64 {
	s.mu.Lock()

	if local, ok := s.orders[order.ID]; ok {
		local.Status = order.Status
		local.FilledQuantity = order.FilledQuantity
		local.FilledPrice = order.FilledPrice
		local.UpdatedAt = trade.Timestamp
	} else {
		stored := order
		s.orders[order.ID] = &stored
	}

	var realized float64
	amount := trade.Price * float64(trade.Quantity)
	switch trade.Side {
	case types.BUY:
		s.cash -= amount + trade.Commission
		pos, ok := s.positions[trade.Code]
		if !ok {
			pos = &types.Position{Code: trade.Code}
			s.positions[trade.Code] = pos
		}
		totalCost := pos.AvgCost*float64(pos.Quantity) + amount
		pos.Quantity += trade.Quantity
		pos.AvgCost = totalCost / float64(pos.Quantity)
		pos.CurrentPrice = trade.Price
	case types.SELL:
		s.cash += amount - trade.Commission
		if pos, ok := s.positions[trade.Code]; ok {
			realized = (trade.Price-pos.AvgCost)*float64(trade.Quantity) - trade.Commission
			pos.Quantity -= trade.Quantity
			pos.CurrentPrice = trade.Price
			if pos.Quantity <= 0 {
				delete(s.positions, trade.Code)
			}
		}
	}
	s.mu.Unlock()

	if th, ok := s.algo.(TradeHandler); ok {
		th.OnTrade(s, order, trade)
	}
	if s.cb.OnTrade != nil {
		s.cb.OnTrade(order, trade)
	}
	return realized
}

// UpdateOrder mirrors a broker-side status change into the local order.
func (s *Session) UpdateOrder(order types.Order) {
	s.mu.Lock()
	if local, ok := s.orders[order.ID]; ok && !local.Status.Terminal() {
		local.Status = order.Status
		local.FilledQuantity = order.FilledQuantity
		local.FilledPrice = order.FilledPrice
		local.Message = order.Message
		local.UpdatedAt = s.nowFn()
	}
	s.mu.Unlock()

	if oh, ok := s.algo.(OrderHandler); ok {
		oh.OnOrder(s, order)
	}
}

// ---------------------------------------------------------------------------
// Trading calls (algorithm side)
// ---------------------------------------------------------------------------

// Buy emits a BUY intent. The quantity is normalized down to a whole lot;
// rejected calls (bad quantity, insufficient cash) log and return nil.
func (s *Session) Buy(price float64, qty int64, typ types.OrderType) *types.Order {
	norm := types.NormalizeQuantity(qty)
	if norm == 0 {
		s.log(fmt.Sprintf("buy rejected: quantity %d below one lot", qty))
		return nil
	}
	if price <= 0 {
		s.log(fmt.Sprintf("buy rejected: invalid price %v", price))
		return nil
	}

	s.mu.Lock()
	cost := price * float64(norm)
	if cost > s.cash {
		cash := s.cash
		s.mu.Unlock()
		s.log(fmt.Sprintf("buy rejected: cost %.2f exceeds cash %.2f", cost, cash))
		return nil
	}
	order := s.newOrderLocked(types.BUY, price, norm, typ)
	s.mu.Unlock()

	s.emit(order)
	return order
}

// Sell emits a SELL intent. The quantity is normalized down to a whole lot
// and checked against the held position; rejected calls log and return nil.
func (s *Session) Sell(price float64, qty int64, typ types.OrderType) *types.Order {
	norm := types.NormalizeQuantity(qty)
	if norm == 0 {
		s.log(fmt.Sprintf("sell rejected: quantity %d below one lot", qty))
		return nil
	}
	if price <= 0 {
		s.log(fmt.Sprintf("sell rejected: invalid price %v", price))
		return nil
	}

	s.mu.Lock()
	pos, ok := s.positions[s.code]
	if !ok || pos.Quantity < norm {
		var held int64
		if ok {
			held = pos.Quantity
		}
		s.mu.Unlock()
		s.log(fmt.Sprintf("sell rejected: quantity %d exceeds held %d", norm, held))
		return nil
	}
	order := s.newOrderLocked(types.SELL, price, norm, typ)
	s.mu.Unlock()

	s.emit(order)
	return order
}

// Cancel transitions a locally tracked live order to CANCELLED. Returns
// false when the order is unknown or already terminal.
func (s *Session) Cancel(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Status.Terminal() {
		return false
	}
	order.Status = types.StatusCancelled
	order.UpdatedAt = s.nowFn()
	return true
}

func (s *Session) newOrderLocked(side types.Side, price float64, qty int64, typ types.OrderType) *types.Order {
	now := s.nowFn()
	order := &types.Order{
		ID:        uuid.NewString(),
		Code:      s.code,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Type:      typ,
		Status:    types.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.orders[order.ID] = order
	return order
}

func (s *Session) emit(order *types.Order) {
	if s.cb.OnOrderIntent != nil {
		s.cb.OnOrderIntent(order)
	}
}

func (s *Session) log(msg string) {
	if s.cb.OnLog != nil {
		s.cb.OnLog(msg)
		return
	}
	s.logger.Info(msg)
}

// ---------------------------------------------------------------------------
// Query accessors
// ---------------------------------------------------------------------------

// Position returns the holding for the session's own code, zero-valued when
// flat.
func (s *Session) Position() types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[s.code]; ok {
		return *pos
	}
	return types.Position{Code: s.code}
}

// Cash returns the free cash balance.
func (s *Session) Cash() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

// TotalValue returns cash plus the market value of all holdings.
func (s *Session) TotalValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.cash
	for _, pos := range s.positions {
		total += pos.MarketValue()
	}
	return total
}

// CloseSeries returns the last n closes, oldest first. n <= 0 returns the
// full history.
func (s *Session) CloseSeries(n int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && len(s.bars) > n {
		start = len(s.bars) - n
	}
	out := make([]float64, 0, len(s.bars)-start)
	for _, b := range s.bars[start:] {
		out = append(out, b.Close)
	}
	return out
}

// BarWindow returns copies of the last n bars, oldest first. n <= 0 returns
// the full history.
func (s *Session) BarWindow(n int) []types.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && len(s.bars) > n {
		start = len(s.bars) - n
	}
	out := make([]types.Bar, len(s.bars)-start)
	copy(out, s.bars[start:])
	return out
}

// Order returns a copy of a locally tracked order.
func (s *Session) Order(id string) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return *o, true
	}
	return types.Order{}, false
}

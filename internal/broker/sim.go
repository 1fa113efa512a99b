package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/fees"
	"quantdesk/internal/match"
	"quantdesk/internal/store"
	"quantdesk/pkg/types"
)

// matchInterval is the order-book scan cadence (~10 Hz). Orders are also
// matched synchronously on submission and on every price update, so the
// loop only covers prices that arrived while no order event fired.
const matchInterval = 100 * time.Millisecond

// buyLot pairs a purchased quantity with its trade date for T+1
// settlement: shares become sellable the next trading day.
type buyLot struct {
	TradeDate string `json:"trade_date"` // YYYY-MM-DD
	Remaining int64  `json:"remaining_qty"`
}

// simState is the persisted form of the simulator account (§ state file).
type simState struct {
	Day       string              `json:"day"`
	Cash      float64             `json:"cash"`
	Positions []types.Position    `json:"positions"`
	Lots      map[string][]buyLot `json:"lots"`
}

// Simulator is an in-process Trader backed by the shared matcher rules.
// It owns cash, positions and the per-code BuyLot ledger, and fills
// SUBMITTED orders against prices injected via SetMarketPrice or
// ApplySnapshot. All fills are atomic under one mutex; callbacks fire
// after the mutex is released.
type Simulator struct {
	logger *slog.Logger
	nowFn  func() time.Time

	initialCapital float64
	commissionRate float64
	slippage       float64
	st             *store.Store // nil disables persistence

	mu        sync.Mutex
	connected bool
	cash      float64
	positions map[string]*types.Position
	lots      map[string][]buyLot
	orders    map[string]*types.Order
	trades    []types.Trade
	prices    map[string]float64
	cb        Callbacks

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator builds a simulator with the given starting cash. When
// statePath is non-empty the account survives restarts via an atomic
// JSON state file.
func NewSimulator(initialCapital, commissionRate, slippage float64, statePath string, logger *slog.Logger) *Simulator {
	s := &Simulator{
		logger:         logger.With("component", "sim_broker"),
		nowFn:          time.Now,
		initialCapital: initialCapital,
		commissionRate: commissionRate,
		slippage:       slippage,
		cash:           initialCapital,
		positions:      make(map[string]*types.Position),
		lots:           make(map[string][]buyLot),
		orders:         make(map[string]*types.Order),
		prices:         make(map[string]float64),
	}
	if statePath != "" {
		st, err := store.Open(statePath)
		if err != nil {
			s.logger.Warn("state persistence disabled", "path", statePath, "error", err)
		} else {
			s.st = st
		}
	}
	return s
}

func (s *Simulator) Name() string { return "simulated" }

// SetCallbacks installs the upward event sinks. Call before Connect.
func (s *Simulator) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Connect restores persisted state (if any) and starts the matcher loop.
func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.st != nil {
		var st simState
		found, err := s.st.Load(&st)
		switch {
		case err != nil:
			s.logger.Warn("state load failed, starting fresh", "error", err)
		case found:
			s.cash = st.Cash
			s.positions = make(map[string]*types.Position, len(st.Positions))
			for i := range st.Positions {
				p := st.Positions[i]
				s.positions[p.Code] = &p
			}
			if st.Lots != nil {
				s.lots = st.Lots
			}
			s.logger.Info("state restored", "day", st.Day, "cash", st.Cash, "positions", len(st.Positions))
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.connected = true
	s.wg.Add(1)
	go s.matchLoop(runCtx)
	s.mu.Unlock()

	s.logger.Info("connected", "cash", s.Cash())
	return nil
}

// Disconnect stops the matcher loop and persists state.
func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.saveState()
	s.logger.Info("disconnected")
	return nil
}

// Login is a no-op: the simulator has no credentials.
func (s *Simulator) Login(ctx context.Context) error { return nil }

// Logout is a no-op.
func (s *Simulator) Logout() error { return nil }

// SendOrder validates against cash, position and T+1 sellable limits,
// registers the order, and matches it synchronously against the current
// market price so aggressive orders fill before this call returns.
func (s *Simulator) SendOrder(ctx context.Context, code string, side types.Side, price float64, qty int64, typ types.OrderType) OrderResult {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return OrderResult{OK: false, Message: "not connected"}
	}
	now := s.nowFn()
	if reason := s.rejectReasonLocked(code, side, price, qty, typ, now); reason != "" {
		rejected := &types.Order{
			ID: uuid.NewString(), Code: code, Side: side, Price: price,
			Quantity: qty, Type: typ, Status: types.StatusRejected,
			Message: reason, CreatedAt: now, UpdatedAt: now,
		}
		s.orders[rejected.ID] = rejected
		s.mu.Unlock()
		s.logger.Warn("order rejected", "code", code, "side", side, "qty", qty, "reason", reason)
		out := *rejected
		return OrderResult{OK: false, Message: reason, Order: &out}
	}

	order := &types.Order{
		ID: uuid.NewString(), Code: code, Side: side, Price: price,
		Quantity: qty, Type: typ, Status: types.StatusSubmitted,
		CreatedAt: now, UpdatedAt: now,
	}
	s.orders[order.ID] = order
	cb := s.cb
	submitted := *order
	s.mu.Unlock()

	s.logger.Info("order accepted", "id", order.ID, "code", code, "side", side, "price", price, "qty", qty, "type", typ)
	if cb.OnOrder != nil {
		cb.OnOrder(submitted)
	}
	s.matchOpen()

	s.mu.Lock()
	final := *s.orders[order.ID]
	s.mu.Unlock()
	return OrderResult{OK: true, Order: &final}
}

// rejectReasonLocked applies the submission checks in order: lot size,
// cash coverage (BUY, net of resting BUY commitments), total position,
// then T+1 sellable (SELL, net of resting SELL quantity).
func (s *Simulator) rejectReasonLocked(code string, side types.Side, price float64, qty int64, typ types.OrderType, now time.Time) string {
	if qty <= 0 || qty%types.LotSize != 0 {
		return fmt.Sprintf("quantity %d is not a positive multiple of %d", qty, types.LotSize)
	}
	ref := price
	if typ == types.Market {
		if mp := s.prices[code]; mp > 0 {
			ref = mp
		}
	}
	if ref <= 0 {
		return "no reference price"
	}
	switch side {
	case types.BUY:
		cost := ref*float64(qty) + fees.Total(types.BUY, ref, qty, s.commissionRate)
		if cost > s.cash-s.frozenLocked() {
			return fmt.Sprintf("insufficient cash: need %.2f, available %.2f", cost, s.cash-s.frozenLocked())
		}
	case types.SELL:
		pos := s.positions[code]
		held := int64(0)
		if pos != nil {
			held = pos.Quantity
		}
		if qty > held-s.pendingSellLocked(code) {
			return fmt.Sprintf("insufficient position: have %d, selling %d", held, qty)
		}
		sellable := s.sellableLocked(code, dayString(now)) - s.pendingSellLocked(code)
		if qty > sellable {
			return fmt.Sprintf("T+1 restriction: sellable %d, selling %d", sellable, qty)
		}
	default:
		return fmt.Sprintf("unknown side %q", side)
	}
	return ""
}

// frozenLocked is the cash committed to resting BUY orders.
func (s *Simulator) frozenLocked() float64 {
	frozen := 0.0
	for _, o := range s.orders {
		if o.Status == types.StatusSubmitted && o.Side == types.BUY {
			ref := o.Price
			if o.Type == types.Market {
				if mp := s.prices[o.Code]; mp > 0 {
					ref = mp
				}
			}
			frozen += ref*float64(o.Quantity) + fees.Total(types.BUY, ref, o.Quantity, s.commissionRate)
		}
	}
	return frozen
}

// pendingSellLocked is the quantity committed to resting SELL orders.
func (s *Simulator) pendingSellLocked(code string) int64 {
	pending := int64(0)
	for _, o := range s.orders {
		if o.Status == types.StatusSubmitted && o.Side == types.SELL && o.Code == code {
			pending += o.Quantity
		}
	}
	return pending
}

// CancelOrder cancels a resting order. Returns false without error when
// the order is unknown or already terminal.
func (s *Simulator) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok || o.Status.Terminal() {
		s.mu.Unlock()
		return false, nil
	}
	o.Status = types.StatusCancelled
	o.UpdatedAt = s.nowFn()
	out := *o
	cb := s.cb
	s.mu.Unlock()

	s.logger.Info("order cancelled", "id", orderID)
	if cb.OnOrder != nil {
		cb.OnOrder(out)
	}
	return true, nil
}

// ModifyOrder is unsupported; cancel and resend instead.
func (s *Simulator) ModifyOrder(ctx context.Context, orderID string, price float64, qty int64) (bool, error) {
	return false, ErrUnsupported
}

func (s *Simulator) QueryAccount(ctx context.Context) (types.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return types.AccountInfo{}, ErrNotConnected
	}
	return s.accountLocked(), nil
}

func (s *Simulator) QueryPositions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.positionsLocked(), nil
}

func (s *Simulator) QueryOrders(ctx context.Context, status types.OrderStatus) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Simulator) QueryTrades(ctx context.Context) ([]types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]types.Trade, len(s.trades))
	copy(out, s.trades)
	return out, nil
}

// SellableQuantity returns the T+1 sellable quantity: the sum of lot
// remainders purchased before today.
func (s *Simulator) SellableQuantity(ctx context.Context, code string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sellableLocked(code, dayString(s.nowFn())), nil
}

func (s *Simulator) sellableLocked(code, today string) int64 {
	total := int64(0)
	for _, lot := range s.lots[code] {
		if lot.TradeDate < today {
			total += lot.Remaining
		}
	}
	return total
}

// SetMarketPrice updates the reference price for code and immediately
// rescans the order book.
func (s *Simulator) SetMarketPrice(code string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.prices[code] = price
	if pos := s.positions[code]; pos != nil {
		pos.CurrentPrice = price
	}
	s.mu.Unlock()
	s.matchOpen()
}

// ApplySnapshot feeds a quote snapshot into the matcher as the latest
// market price.
func (s *Simulator) ApplySnapshot(snap types.Snapshot) {
	s.SetMarketPrice(snap.Code, snap.Last)
}

// Cash returns free cash, net of resting BUY commitments.
func (s *Simulator) Cash() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash - s.frozenLocked()
}

func (s *Simulator) matchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(matchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.matchOpen()
		}
	}
}

type fillEvent struct {
	order types.Order
	trade types.Trade
}

// matchOpen scans SUBMITTED orders in submission order and fills those
// the matcher rules accept at the current market price.
func (s *Simulator) matchOpen() {
	s.mu.Lock()
	open := make([]*types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Status == types.StatusSubmitted {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	var fills []fillEvent
	for _, o := range open {
		mp := s.prices[o.Code]
		if mp <= 0 {
			continue
		}
		f := match.Match(o.Side, o.Type, o.Price, match.AtPrice(mp), s.slippage)
		if !f.OK {
			continue
		}
		trade := s.fillLocked(o, f.Price)
		fills = append(fills, fillEvent{order: *o, trade: trade})
	}
	var acct types.AccountInfo
	var poss []types.Position
	if len(fills) > 0 {
		acct = s.accountLocked()
		poss = s.positionsLocked()
	}
	cb := s.cb
	s.mu.Unlock()

	for _, ev := range fills {
		s.logger.Info("order filled", "id", ev.order.ID, "code", ev.order.Code, "side", ev.order.Side, "price", ev.trade.Price, "qty", ev.trade.Quantity, "fee", ev.trade.Commission)
		if cb.OnOrder != nil {
			cb.OnOrder(ev.order)
		}
		if cb.OnTrade != nil {
			cb.OnTrade(ev.trade)
		}
	}
	if len(fills) > 0 {
		if cb.OnAccount != nil {
			cb.OnAccount(acct)
		}
		if cb.OnPosition != nil {
			cb.OnPosition(poss)
		}
	}
}

// fillLocked executes a full fill: cash, position and lot ledger mutate
// together so the account identity holds at every instant.
func (s *Simulator) fillLocked(o *types.Order, fillPrice float64) types.Trade {
	now := s.nowFn()
	qty := o.Quantity
	fee := fees.Total(o.Side, fillPrice, qty, s.commissionRate)

	if o.Side == types.BUY {
		s.cash -= fillPrice*float64(qty) + fee
		pos := s.positions[o.Code]
		if pos == nil {
			pos = &types.Position{Code: o.Code}
			s.positions[o.Code] = pos
		}
		newQty := pos.Quantity + qty
		pos.AvgCost = (pos.AvgCost*float64(pos.Quantity) + fillPrice*float64(qty)) / float64(newQty)
		pos.Quantity = newQty
		pos.CurrentPrice = fillPrice
		if mp := s.prices[o.Code]; mp > 0 {
			pos.CurrentPrice = mp
		}
		s.lots[o.Code] = append(s.lots[o.Code], buyLot{TradeDate: dayString(now), Remaining: qty})
	} else {
		s.cash += fillPrice*float64(qty) - fee
		if pos := s.positions[o.Code]; pos != nil {
			pos.Quantity -= qty
			if pos.Quantity <= 0 {
				delete(s.positions, o.Code)
			}
		}
		s.consumeLotsLocked(o.Code, qty, dayString(now))
	}

	o.Status = types.StatusFilled
	o.FilledQuantity = qty
	o.FilledPrice = fillPrice
	o.UpdatedAt = now

	trade := types.Trade{
		ID: uuid.NewString(), OrderID: o.ID, Code: o.Code, Side: o.Side,
		Price: fillPrice, Quantity: qty, Commission: fee, Timestamp: now,
	}
	s.trades = append(s.trades, trade)
	return trade
}

// consumeLotsLocked removes qty from settled lots oldest-first, pruning
// empty lots. Submission checks guarantee settled coverage; if a stale
// resting SELL still overruns, today's lots absorb the remainder so the
// ledger total stays equal to the position quantity.
func (s *Simulator) consumeLotsLocked(code string, qty int64, today string) {
	lots := s.lots[code]
	remaining := qty
	for i := range lots {
		if remaining == 0 {
			break
		}
		if lots[i].TradeDate >= today {
			continue
		}
		take := lots[i].Remaining
		if take > remaining {
			take = remaining
		}
		lots[i].Remaining -= take
		remaining -= take
	}
	for i := range lots {
		if remaining == 0 {
			break
		}
		take := lots[i].Remaining
		if take > remaining {
			take = remaining
		}
		lots[i].Remaining -= take
		remaining -= take
	}
	out := lots[:0]
	for _, lot := range lots {
		if lot.Remaining > 0 {
			out = append(out, lot)
		}
	}
	if len(out) == 0 {
		delete(s.lots, code)
	} else {
		s.lots[code] = out
	}
}

func (s *Simulator) accountLocked() types.AccountInfo {
	frozen := s.frozenLocked()
	mv := 0.0
	for _, p := range s.positions {
		mv += p.MarketValue()
	}
	total := s.cash + mv
	profit := total - s.initialCapital
	pct := 0.0
	if s.initialCapital > 0 {
		pct = profit / s.initialCapital * 100
	}
	return types.AccountInfo{
		AccountID:   "sim",
		Cash:        s.cash - frozen,
		Frozen:      frozen,
		MarketValue: mv,
		TotalValue:  total,
		Profit:      profit,
		ProfitPct:   pct,
	}
}

func (s *Simulator) positionsLocked() []types.Position {
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *Simulator) saveState() {
	if s.st == nil {
		return
	}
	s.mu.Lock()
	st := simState{
		Day:       dayString(s.nowFn()),
		Cash:      s.cash,
		Positions: s.positionsLocked(),
		Lots:      make(map[string][]buyLot, len(s.lots)),
	}
	for code, lots := range s.lots {
		st.Lots[code] = append([]buyLot(nil), lots...)
	}
	s.mu.Unlock()

	if err := s.st.Save(st); err != nil {
		s.logger.Error("state save failed", "error", err)
		return
	}
	s.logger.Info("state saved", "path", s.st.Path())
}

func dayString(t time.Time) string {
	return t.Format("2006-01-02")
}

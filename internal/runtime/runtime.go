// Package runtime orchestrates live trading sessions.
//
// One Runtime owns the moving parts of a session and wires them into a
// pipeline:
//
//	feed.Fanout ──snapshot──▶ strategy.Session ──order intent──▶ risk.Gate
//	                                                              │ pass
//	broker events ◀── TradingEngine ◀── routed order ◀────────────┘
//
// Strategies never talk to the broker directly: every intent passes the
// risk gate, then either routes to the trading engine (auto-execute) or
// is held PENDING for manual confirmation. Broker events land on a
// bounded queue and are drained by a single goroutine, which mirrors
// status changes and fills back into the owning session and feeds the
// risk gate's loss and drawdown accounting.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/feed"
	"quantdesk/internal/metrics"
	"quantdesk/internal/risk"
	"quantdesk/internal/strategy"
	"quantdesk/internal/symbol"
	"quantdesk/pkg/types"
)

// Event is one entry on the runtime's outward event stream, consumed by
// the ops server's SSE endpoint. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Alert     *types.RiskAlert `json:"alert,omitempty"`
	Order     *types.Order     `json:"order,omitempty"`
	Trade     *types.Trade     `json:"trade,omitempty"`
}

// Event stream types.
const (
	EventAlert        = "alert"
	EventOrder        = "order"
	EventTrade        = "trade"
	EventPendingOrder = "pending_order"
)

// Summary is the point-in-time session overview served by the ops API.
type Summary struct {
	Running          bool              `json:"running"`
	StartedAt        time.Time         `json:"started_at,omitempty"`
	Broker           string            `json:"broker,omitempty"`
	DataSource       string            `json:"data_source,omitempty"`
	Strategies       map[string]string `json:"strategies,omitempty"` // code -> strategy
	Cash             float64           `json:"cash"`
	MarketValue      float64           `json:"market_value"`
	TotalValue       float64           `json:"total_value"`
	PositionCount    int               `json:"position_count"`
	PositionPct      float64           `json:"position_pct"`
	DrawdownPct      float64           `json:"drawdown_pct"`
	PeakValue        float64           `json:"peak_value"`
	DailyTrades      int               `json:"daily_trades"`
	DailyLoss        float64           `json:"daily_loss"`
	AlertCount       int               `json:"alert_count"`
	PendingOrders    int               `json:"pending_orders"`
	TradingAllowed   bool              `json:"trading_allowed"`
	RiskPausedReason string            `json:"risk_paused_reason,omitempty"`
}

const (
	// accountRefreshInterval is the cadence of the periodic account and
	// position re-query that drives drawdown tracking between fills.
	accountRefreshInterval = 2 * time.Second
	// brokerQueueSize bounds the broker event queue. Overflow drops the
	// event with a warning rather than blocking the broker.
	brokerQueueSize = 256
	// eventStreamSize bounds the outward UI event stream.
	eventStreamSize = 128
	// maxUnrouted bounds events stashed for orders whose route is not
	// registered yet (fills racing the submit response).
	maxUnrouted = 512
)

type brokerEventKind int

const (
	evOrder brokerEventKind = iota
	evTrade
	evPositions
	evAccount
	evError
)

type brokerEvent struct {
	kind      brokerEventKind
	order     types.Order
	trade     types.Trade
	positions []types.Position
	account   types.AccountInfo
	err       error
}

// orderRoute maps a broker-assigned order id back to the session that
// emitted the intent and the session-local order id.
type orderRoute struct {
	sess    *strategy.Session
	localID string
}

type pendingOrder struct {
	sess  *strategy.Session
	order types.Order
}

// snapshotApplier is implemented by brokers that match against pushed
// market prices (the simulator).
type snapshotApplier interface {
	ApplySnapshot(types.Snapshot)
}

// Runtime runs strategy sessions against one broker and one data source.
type Runtime struct {
	cfg      *config.Config
	registry *strategy.Registry
	fanout   *feed.Fanout
	logger   *slog.Logger
	nowFn    func() time.Time

	events   chan Event
	brokerCh chan brokerEvent

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	gate       *risk.Gate
	eng        *broker.TradingEngine
	applier    snapshotApplier
	source     feed.Source
	sessions   map[string]*strategy.Session // code -> session
	routes     map[string]orderRoute        // broker order id -> route
	unrouted   map[string][]brokerEvent
	unroutedN  int
	pending    map[string]pendingOrder // session-local order id -> hold
	account    types.AccountInfo
	positions  map[string]types.Position
	prices     map[string]float64
	snapCB     int
	riskPaused string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped runtime. fanout must outlive the runtime; the
// runtime attaches the configured source to it on Start.
func New(cfg *config.Config, registry *strategy.Registry, fanout *feed.Fanout, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		registry: registry,
		fanout:   fanout,
		logger:   logger.With("component", "runtime"),
		nowFn:    time.Now,
		events:   make(chan Event, eventStreamSize),
		brokerCh: make(chan brokerEvent, brokerQueueSize),
	}
}

// Events is the outward stream of alerts, order updates, trades and
// semi-auto holds. The ops server drains it; without a consumer the
// stream overflows harmlessly (oldest intent: drop new, keep serving).
func (r *Runtime) Events() <-chan Event { return r.events }

// Running reports whether a session is active.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start brings up a full session: risk gate, strategy sessions, broker,
// data source. assignments maps stock code to strategy name; nil uses
// the configured strategy_assignments. Start is all-or-nothing: any
// failure tears down what was already brought up.
func (r *Runtime) Start(ctx context.Context, assignments map[string]string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runtime: already running")
	}
	r.mu.Unlock()

	if assignments == nil {
		assignments = r.cfg.StrategyAssignments
	}
	if len(assignments) == 0 {
		return fmt.Errorf("runtime: no strategy assignments")
	}

	// Fresh risk state per session: counters, peak equity and the alert
	// ring all start from zero.
	gate := risk.NewGate(r.cfg.Risk, r.logger)
	gate.SetStopHook(r.onRiskStop)
	gate.SetAlertHook(func(a types.RiskAlert) {
		alert := a
		r.emit(Event{Type: EventAlert, Timestamp: a.Timestamp, Alert: &alert})
	})

	sessions := make(map[string]*strategy.Session, len(assignments))
	perCode := r.cfg.Trading.InitialCapital / float64(len(assignments))
	for rawCode, name := range assignments {
		code := symbol.Normalize(rawCode)
		algo, err := r.registry.New(name)
		if err != nil {
			gate.Close()
			return fmt.Errorf("runtime: assign %s: %w", code, err)
		}
		sess := strategy.NewSession(code, algo, r.logger)
		sess.SetCapital(perCode)
		if params, ok := r.cfg.StrategyParams[name]; ok {
			if err := sess.SetParams(params); err != nil {
				gate.Close()
				return fmt.Errorf("runtime: params for %s: %w", name, err)
			}
		}
		boundCode := code
		boundSess := sess
		sess.SetCallbacks(strategy.Callbacks{
			OnOrderIntent: func(o *types.Order) { r.onStrategyOrder(boundSess, o) },
			OnLog:         func(msg string) { r.logger.Info("[" + boundCode + "] " + msg) },
		})
		sessions[code] = sess
	}

	trader, err := buildTrader(r.cfg, r.logger)
	if err != nil {
		gate.Close()
		return err
	}
	eng := broker.NewTradingEngine(trader, r.logger)
	eng.SetCallbacks(broker.Callbacks{
		OnOrder:    func(o types.Order) { r.enqueue(brokerEvent{kind: evOrder, order: o}) },
		OnTrade:    func(tr types.Trade) { r.enqueue(brokerEvent{kind: evTrade, trade: tr}) },
		OnPosition: func(ps []types.Position) { r.enqueue(brokerEvent{kind: evPositions, positions: ps}) },
		OnAccount:  func(a types.AccountInfo) { r.enqueue(brokerEvent{kind: evAccount, account: a}) },
		OnError:    func(err error) { r.enqueue(brokerEvent{kind: evError, err: err}) },
	})
	if err := eng.Connect(ctx); err != nil {
		gate.Close()
		return fmt.Errorf("runtime: broker: %w", err)
	}

	acct, err := eng.QueryAccount(ctx)
	if err != nil {
		eng.Shutdown()
		gate.Close()
		return fmt.Errorf("runtime: initial account query: %w", err)
	}
	positions, err := eng.QueryPositions(ctx)
	if err != nil {
		eng.Shutdown()
		gate.Close()
		return fmt.Errorf("runtime: initial position query: %w", err)
	}
	gate.UpdatePeakValue(totalValue(acct, positions))
	eng.StartTrading()

	source, err := buildSource(r.cfg, r.logger)
	if err != nil {
		eng.Shutdown()
		gate.Close()
		return err
	}

	codes := make([]string, 0, len(sessions))
	for code := range sessions {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.running = true
	r.startedAt = r.nowFn()
	r.gate = gate
	r.eng = eng
	r.applier, _ = trader.(snapshotApplier)
	r.source = source
	r.sessions = sessions
	r.routes = make(map[string]orderRoute)
	r.unrouted = make(map[string][]brokerEvent)
	r.unroutedN = 0
	r.pending = make(map[string]pendingOrder)
	r.account = acct
	r.positions = positionMap(positions)
	r.prices = make(map[string]float64)
	r.riskPaused = ""
	r.ctx = runCtx
	r.cancel = cancel
	r.mu.Unlock()

	r.fanout.AttachSource(source)
	if err := r.fanout.Connect(runCtx); err != nil {
		r.teardown()
		return fmt.Errorf("runtime: data source: %w", err)
	}
	if err := r.fanout.Subscribe(codes); err != nil {
		r.teardown()
		return fmt.Errorf("runtime: subscribe: %w", err)
	}
	if err := r.fanout.Start(); err != nil {
		r.teardown()
		return fmt.Errorf("runtime: start feed: %w", err)
	}

	for _, sess := range sessions {
		sess.Start()
	}
	snapCB := r.fanout.AddSnapshotCallback("", r.onSnapshot)
	r.mu.Lock()
	r.snapCB = snapCB
	r.mu.Unlock()

	r.wg.Add(2)
	go r.drainLoop(runCtx)
	go r.refreshLoop(runCtx)

	r.logger.Info("session started",
		"broker", trader.Name(), "source", source.Name(), "codes", codes)
	return nil
}

// Stop tears the session down in reverse start order. Safe to call on a
// stopped runtime.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	r.teardown()
	r.logger.Info("session stopped")
}

// teardown releases everything Start acquired. Called with running
// already cleared (or never set).
func (r *Runtime) teardown() {
	r.mu.Lock()
	gate := r.gate
	eng := r.eng
	cancel := r.cancel
	snapCB := r.snapCB
	sessions := r.sessions
	codes := make([]string, 0, len(sessions))
	for code := range sessions {
		codes = append(codes, code)
	}
	r.running = false
	r.cancel = nil
	r.snapCB = 0
	r.mu.Unlock()

	if snapCB != 0 {
		r.fanout.RemoveCallback(snapCB)
	}
	if len(codes) > 0 {
		_ = r.fanout.Unsubscribe(codes)
	}
	_ = r.fanout.Stop()
	_ = r.fanout.Disconnect()

	for _, sess := range sessions {
		sess.Stop()
	}
	if eng != nil {
		eng.Shutdown()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	if gate != nil {
		_ = gate.Close()
	}

	// Session tables are cleared; the engine and gate handles stay so
	// late callbacks fail closed and alerts stay inspectable.
	r.mu.Lock()
	r.sessions = nil
	r.routes = nil
	r.unrouted = nil
	r.unroutedN = 0
	r.pending = nil
	r.positions = nil
	r.prices = nil
	r.source = nil
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Order intents
// ---------------------------------------------------------------------------

// onStrategyOrder is the OnOrderIntent sink for every session. It runs
// on the goroutine that delivered the bar, so intents from one code are
// processed in emission order.
func (r *Runtime) onStrategyOrder(sess *strategy.Session, order *types.Order) {
	if order == nil {
		return
	}
	r.mu.Lock()
	eng := r.eng
	gate := r.gate
	acct := r.account
	price := r.prices[order.Code]
	positions := positionsSlice(r.positions)
	autoExec := r.cfg.Trading.StrategyAutoExecute
	r.mu.Unlock()

	if eng == nil || !eng.IsTrading() {
		r.logger.Warn("order intent dropped: trading stopped",
			"code", order.Code, "side", order.Side, "quantity", order.Quantity)
		return
	}

	if ok, reason := gate.CheckOrder(order, price, acct, positions); !ok {
		rejected := *order
		rejected.Status = types.StatusRejected
		rejected.Message = reason
		sess.UpdateOrder(rejected)
		metrics.OrdersRejected.WithLabelValues(string(order.Side)).Inc()
		r.emit(Event{Type: EventOrder, Order: &rejected})
		return
	}

	if !autoExec {
		held := *order
		held.Status = types.StatusPending
		held.Message = "awaiting manual confirmation"
		sess.UpdateOrder(held)
		r.mu.Lock()
		r.pending[held.ID] = pendingOrder{sess: sess, order: held}
		r.mu.Unlock()
		r.logger.Info("order held for confirmation",
			"id", held.ID, "code", held.Code, "side", held.Side,
			"price", held.Price, "quantity", held.Quantity)
		r.emit(Event{Type: EventPendingOrder, Order: &held})
		return
	}

	r.route(sess, *order)
}

// route submits an approved intent to the trading engine and registers
// the broker id so asynchronous fills find their way back.
func (r *Runtime) route(sess *strategy.Session, order types.Order) {
	r.mu.Lock()
	eng := r.eng
	ctx := r.ctx
	r.mu.Unlock()
	if eng == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var res broker.OrderResult
	if order.Side == types.BUY {
		res = eng.Buy(ctx, order.Code, order.Price, order.Quantity, order.Type)
	} else {
		res = eng.Sell(ctx, order.Code, order.Price, order.Quantity, order.Type)
	}
	if !res.OK || res.Order == nil {
		rejected := order
		rejected.Status = types.StatusRejected
		rejected.Message = res.Message
		sess.UpdateOrder(rejected)
		r.emit(Event{Type: EventOrder, Order: &rejected})
		return
	}

	brokerID := res.Order.ID
	r.mu.Lock()
	r.routes[brokerID] = orderRoute{sess: sess, localID: order.ID}
	stash := r.unrouted[brokerID]
	delete(r.unrouted, brokerID)
	r.unroutedN -= len(stash)
	r.mu.Unlock()

	// Mirror the venue's acceptance into the session under the local id.
	mirror := *res.Order
	mirror.ID = order.ID
	sess.UpdateOrder(mirror)

	// Events that raced ahead of route registration replay in order.
	for _, ev := range stash {
		r.dispatch(ev)
	}
}

// PendingOrders lists semi-auto holds awaiting confirmation, oldest
// first.
func (r *Runtime) PendingOrders() []types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Order, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReleasePending routes a held order to the broker. The risk check ran
// at intent time; the trading engine still refuses if trading stopped
// in between.
func (r *Runtime) ReleasePending(orderID string) error {
	r.mu.Lock()
	hold, ok := r.pending[orderID]
	delete(r.pending, orderID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no pending order %s", orderID)
	}
	r.logger.Info("pending order released", "id", orderID)
	r.route(hold.sess, hold.order)
	return nil
}

// DiscardPending drops a held order without routing it.
func (r *Runtime) DiscardPending(orderID string) error {
	r.mu.Lock()
	hold, ok := r.pending[orderID]
	delete(r.pending, orderID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no pending order %s", orderID)
	}
	cancelled := hold.order
	cancelled.Status = types.StatusCancelled
	cancelled.Message = "discarded before execution"
	hold.sess.UpdateOrder(cancelled)
	r.logger.Info("pending order discarded", "id", orderID)
	r.emit(Event{Type: EventOrder, Order: &cancelled})
	return nil
}

// CancelOrder cancels a routed order at the broker by broker id. The
// resulting status change flows back through the event queue.
func (r *Runtime) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	r.mu.Lock()
	eng := r.eng
	r.mu.Unlock()
	if eng == nil {
		return false, fmt.Errorf("runtime: not running")
	}
	return eng.Cancel(ctx, brokerOrderID)
}

// ResetRisk zeros the daily risk counters and re-enables trading after
// a cut-out.
func (r *Runtime) ResetRisk() {
	r.mu.Lock()
	gate := r.gate
	eng := r.eng
	running := r.running
	r.riskPaused = ""
	r.mu.Unlock()
	if gate != nil {
		gate.ResetDaily()
	}
	if eng != nil && running {
		eng.StartTrading()
	}
}

// onRiskStop is the gate's cut-out hook: stop taking orders but keep
// the session alive so positions and data continue to be tracked.
func (r *Runtime) onRiskStop(reason string) {
	r.mu.Lock()
	r.riskPaused = reason
	eng := r.eng
	r.mu.Unlock()
	if eng != nil {
		eng.StopTrading()
	}
	r.logger.Error("risk cut-out: order entry suspended", "reason", reason)
}

// ---------------------------------------------------------------------------
// Broker event handling
// ---------------------------------------------------------------------------

func (r *Runtime) enqueue(ev brokerEvent) {
	select {
	case r.brokerCh <- ev:
	default:
		r.logger.Warn("broker event queue full, dropping event", "kind", ev.kind)
	}
}

func (r *Runtime) drainLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.brokerCh:
			r.dispatch(ev)
		}
	}
}

func (r *Runtime) dispatch(ev brokerEvent) {
	switch ev.kind {
	case evOrder:
		r.handleOrderEvent(ev.order)
	case evTrade:
		r.handleTradeEvent(ev.trade)
	case evPositions:
		r.handlePositions(ev.positions)
	case evAccount:
		r.handleAccount(ev.account)
	case evError:
		r.logger.Warn("broker error", "error", ev.err)
	}
}

// stashLocked parks an event for an order id seen before its route was
// registered. Caller holds r.mu.
func (r *Runtime) stashLocked(orderID string, ev brokerEvent) {
	if r.unroutedN >= maxUnrouted {
		r.logger.Warn("unrouted event overflow, dropping", "order_id", orderID)
		return
	}
	r.unrouted[orderID] = append(r.unrouted[orderID], ev)
	r.unroutedN++
}

func (r *Runtime) handleOrderEvent(order types.Order) {
	r.mu.Lock()
	route, ok := r.routes[order.ID]
	if !ok {
		r.stashLocked(order.ID, brokerEvent{kind: evOrder, order: order})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	mirror := order
	mirror.ID = route.localID
	route.sess.UpdateOrder(mirror)
	out := order
	r.emit(Event{Type: EventOrder, Order: &out})
}

func (r *Runtime) handleTradeEvent(trade types.Trade) {
	r.mu.Lock()
	route, ok := r.routes[trade.OrderID]
	if !ok {
		r.stashLocked(trade.OrderID, brokerEvent{kind: evTrade, trade: trade})
		r.mu.Unlock()
		return
	}
	gate := r.gate
	r.mu.Unlock()

	local := trade
	local.OrderID = route.localID
	order, known := route.sess.Order(route.localID)
	if !known {
		order = types.Order{
			ID: route.localID, Code: trade.Code, Side: trade.Side,
			Price: trade.Price, Quantity: trade.Quantity, CreatedAt: trade.Timestamp,
		}
	}
	order.FilledQuantity += trade.Quantity
	order.FilledPrice = trade.Price
	if order.FilledQuantity >= order.Quantity {
		order.Status = types.StatusFilled
	} else {
		order.Status = types.StatusSubmitted
	}

	realized := route.sess.DeliverFill(order, local)
	if gate != nil {
		gate.OnTradeCompleted(local)
		if trade.Side == types.SELL {
			gate.CheckDailyLoss(realized)
		}
	}
	out := trade
	r.emit(Event{Type: EventTrade, Trade: &out})
	r.logger.Info("fill applied", "order_id", trade.OrderID, "code", trade.Code,
		"side", trade.Side, "price", trade.Price, "quantity", trade.Quantity,
		"realized", realized)
}

func (r *Runtime) handlePositions(positions []types.Position) {
	r.mu.Lock()
	r.positions = positionMap(positions)
	gate := r.gate
	r.mu.Unlock()

	metrics.PositionsOpen.Set(float64(len(positions)))
	if gate != nil {
		for _, p := range positions {
			gate.CheckPosition(p)
		}
	}
}

func (r *Runtime) handleAccount(acct types.AccountInfo) {
	r.mu.Lock()
	if acct.TotalValue <= 0 {
		mv := acct.MarketValue
		if mv <= 0 {
			for _, p := range r.positions {
				mv += p.MarketValue()
			}
		}
		acct.TotalValue = acct.Cash + acct.Frozen + mv
	}
	r.account = acct
	gate := r.gate
	r.mu.Unlock()

	metrics.EquityGauge.Set(acct.TotalValue)
	metrics.CashGauge.Set(acct.Cash)
	if gate != nil {
		gate.CheckDrawdown(acct.TotalValue)
	}
}

// ---------------------------------------------------------------------------
// Market data handling
// ---------------------------------------------------------------------------

// onSnapshot is the global snapshot callback registered on the fanout.
// It pushes prices into the simulator's matcher, refreshes per-position
// marks, runs advisory position checks and converts the snapshot into a
// bar for the session trading that code.
func (r *Runtime) onSnapshot(snap types.Snapshot) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.prices[snap.Code] = snap.Last
	var marked *types.Position
	if p, ok := r.positions[snap.Code]; ok && snap.Last > 0 {
		p.CurrentPrice = snap.Last
		r.positions[snap.Code] = p
		copied := p
		marked = &copied
	}
	sess := r.sessions[snap.Code]
	applier := r.applier
	gate := r.gate
	r.mu.Unlock()

	if applier != nil {
		applier.ApplySnapshot(snap)
	}
	if marked != nil && gate != nil {
		gate.CheckPosition(*marked)
	}
	if sess != nil {
		sess.DeliverBar(types.BarFromSnapshot(snap))
	}
}

// ---------------------------------------------------------------------------
// Periodic refresh
// ---------------------------------------------------------------------------

func (r *Runtime) refreshLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(accountRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshState(ctx)
		}
	}
}

// refreshState re-queries account and positions so drawdown tracking
// keeps moving between fills (quotes move equity without any broker
// event).
func (r *Runtime) refreshState(ctx context.Context) {
	r.mu.Lock()
	eng := r.eng
	r.mu.Unlock()
	if eng == nil {
		return
	}
	if positions, err := eng.QueryPositions(ctx); err == nil {
		r.handlePositions(positions)
	} else if ctx.Err() == nil {
		r.logger.Debug("position refresh failed", "error", err)
	}
	if acct, err := eng.QueryAccount(ctx); err == nil {
		r.handleAccount(acct)
	} else if ctx.Err() == nil {
		r.logger.Debug("account refresh failed", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// Summary returns the session overview.
func (r *Runtime) Summary() Summary {
	r.mu.Lock()
	s := Summary{
		Running:          r.running,
		StartedAt:        r.startedAt,
		Cash:             r.account.Cash,
		TotalValue:       r.account.TotalValue,
		PositionCount:    len(r.positions),
		PendingOrders:    len(r.pending),
		RiskPausedReason: r.riskPaused,
		TradingAllowed:   true,
	}
	if r.running {
		s.Strategies = make(map[string]string, len(r.sessions))
		for code, sess := range r.sessions {
			s.Strategies[code] = sess.AlgorithmName()
		}
	}
	if r.eng != nil {
		s.Broker = r.eng.Trader().Name()
	}
	if r.source != nil {
		s.DataSource = r.source.Name()
	}
	var mv float64
	for _, p := range r.positions {
		mv += p.MarketValue()
	}
	s.MarketValue = mv
	gate := r.gate
	r.mu.Unlock()

	if s.TotalValue <= 0 {
		s.TotalValue = s.Cash + s.MarketValue
	}
	if s.TotalValue > 0 {
		s.PositionPct = s.MarketValue / s.TotalValue * 100
	}
	if gate != nil {
		st := gate.Stats()
		s.TradingAllowed = st.TradingAllowed
		s.PeakValue = st.PeakValue
		s.DailyTrades = st.DailyTrades
		s.DailyLoss = st.DailyLoss
		s.AlertCount = st.AlertCount
		if st.PeakValue > 0 && s.TotalValue > 0 {
			s.DrawdownPct = (st.PeakValue - s.TotalValue) / st.PeakValue * 100
			if s.DrawdownPct < 0 {
				s.DrawdownPct = 0
			}
		}
	}
	return s
}

// Alerts returns the risk gate's alert ring, empty when stopped.
func (r *Runtime) Alerts() []types.RiskAlert {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate == nil {
		return nil
	}
	return gate.Alerts()
}

// Positions returns current holdings sorted by code.
func (r *Runtime) Positions() []types.Position {
	r.mu.Lock()
	out := positionsSlice(r.positions)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Session returns the live session for a code.
func (r *Runtime) Session(code string) (*strategy.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[symbol.Normalize(code)]
	return sess, ok
}

func (r *Runtime) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.nowFn()
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Debug("ui event dropped", "type", ev.Type)
	}
}

func positionMap(positions []types.Position) map[string]types.Position {
	m := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		m[p.Code] = p
	}
	return m
}

func positionsSlice(m map[string]types.Position) []types.Position {
	out := make([]types.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func totalValue(acct types.AccountInfo, positions []types.Position) float64 {
	if acct.TotalValue > 0 {
		return acct.TotalValue
	}
	mv := acct.MarketValue
	if mv <= 0 {
		for _, p := range positions {
			mv += p.MarketValue()
		}
	}
	return acct.Cash + acct.Frozen + mv
}

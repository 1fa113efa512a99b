// Package backtest replays daily bars through the strategy abstraction and
// reports performance.
//
// The replay is deterministic: dates are the sorted union across all
// codes, pending orders match against a bar before the bar is delivered,
// and equity is sampled once per date after every code has been processed.
// Fills use the same match rules and fee schedule as the simulated broker.
package backtest

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/fees"
	"quantdesk/internal/match"
	"quantdesk/internal/strategy"
	"quantdesk/pkg/types"
)

// Config selects the strategy and the cost model for one run.
type Config struct {
	Strategy       string             // registry name
	Params         map[string]float64 // strategy parameters, may be nil
	InitialCapital float64
	CommissionRate float64
	Slippage       float64
}

// Engine runs one backtest. Build a fresh engine per run.
type Engine struct {
	cfg    Config
	reg    *strategy.Registry
	logger *slog.Logger

	sessions map[string]*strategy.Session
	pending  map[string][]*types.Order
	lots     map[string][]fifoLot
	trades   []types.Trade
	realized []float64 // realized PnL per completed SELL
}

// fifoLot is one BUY execution waiting to be paired with SELLs.
type fifoLot struct {
	qty        int64
	price      float64
	commission float64
	origQty    int64
}

// New creates an engine over the given strategy registry.
func New(cfg Config, reg *strategy.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		logger:   logger.With("component", "backtest"),
		sessions: make(map[string]*strategy.Session),
		pending:  make(map[string][]*types.Order),
		lots:     make(map[string][]fifoLot),
	}
}

// Run replays bars (code to date-ascending series; unsorted input is
// sorted internally) and returns the aggregated result.
func (e *Engine) Run(bars map[string][]types.Bar) (*Result, error) {
	if e.cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest: initial capital must be positive")
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("backtest: no bar data")
	}

	codes := make([]string, 0, len(bars))
	series := make(map[string]map[int64]types.Bar, len(bars))
	dateSet := make(map[int64]struct{})
	for code, bs := range bars {
		if len(bs) == 0 {
			return nil, fmt.Errorf("backtest: empty bar series for %s", code)
		}
		codes = append(codes, code)
		byDate := make(map[int64]types.Bar, len(bs))
		for _, b := range bs {
			key := b.Timestamp.UnixNano()
			byDate[key] = b
			dateSet[key] = struct{}{}
		}
		series[code] = byDate
	}
	sort.Strings(codes)

	dates := make([]int64, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	perCode := e.cfg.InitialCapital / float64(len(codes))
	for _, code := range codes {
		algo, err := e.reg.New(e.cfg.Strategy)
		if err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		sess := strategy.NewSession(code, algo, e.logger)
		sess.SetCapital(perCode)
		if err := sess.SetParams(e.cfg.Params); err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		c := code
		sess.SetCallbacks(strategy.Callbacks{
			OnOrderIntent: func(o *types.Order) { e.pending[c] = append(e.pending[c], o) },
			OnLog:         func(msg string) { e.logger.Debug(msg, "code", c) },
		})
		e.sessions[code] = sess
	}

	for _, sess := range e.sessions {
		sess.Start()
	}

	equity := make([]EquityPoint, 0, len(dates))
	for _, d := range dates {
		for _, code := range codes {
			bar, ok := series[code][d]
			if !ok {
				continue
			}
			e.matchPending(code, bar)
			e.sessions[code].DeliverBar(bar)
		}
		var total float64
		for _, sess := range e.sessions {
			total += sess.TotalValue()
		}
		equity = append(equity, EquityPoint{Date: time.Unix(0, d).UTC(), Value: total})
	}

	for _, sess := range e.sessions {
		sess.Stop()
	}

	result := buildResult(e.cfg.InitialCapital, equity, e.trades, e.realized)
	e.logger.Info("backtest finished",
		"strategy", e.cfg.Strategy,
		"codes", len(codes),
		"bars", len(dates),
		"trades", result.TotalTrades,
		"total_return", result.TotalReturn)
	return result, nil
}

// matchPending runs every live order for code against the bar. An order
// either fills in full, gets rejected for insufficient cash, or stays
// pending. Cancelled orders fall out of the queue.
func (e *Engine) matchPending(code string, bar types.Bar) {
	queue := e.pending[code]
	if len(queue) == 0 {
		return
	}
	sess := e.sessions[code]
	ctx := match.Context{Open: bar.Open, High: bar.High, Low: bar.Low}

	var still []*types.Order
	for _, order := range queue {
		if order.Status != types.StatusSubmitted {
			continue
		}
		fill := match.Match(order.Side, order.Type, order.Price, ctx, e.cfg.Slippage)
		if !fill.OK {
			still = append(still, order)
			continue
		}
		commission := fees.Total(order.Side, fill.Price, order.Quantity, e.cfg.CommissionRate)
		if order.Side == types.BUY {
			if cost := fill.Price*float64(order.Quantity) + commission; cost > sess.Cash() {
				order.Status = types.StatusRejected
				order.Message = fmt.Sprintf("insufficient cash: need %.2f", cost)
				e.logger.Debug("order rejected at fill", "code", code, "reason", order.Message)
				continue
			}
		}
		e.execute(sess, order, fill.Price, commission, bar.Timestamp)
	}
	e.pending[code] = still
}

func (e *Engine) execute(sess *strategy.Session, order *types.Order, price, commission float64, ts time.Time) {
	filled := *order
	filled.Status = types.StatusFilled
	filled.FilledQuantity = order.Quantity
	filled.FilledPrice = price

	trade := types.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Code:       order.Code,
		Side:       order.Side,
		Price:      price,
		Quantity:   order.Quantity,
		Commission: commission,
		Timestamp:  ts,
	}
	sess.DeliverFill(filled, trade)
	e.trades = append(e.trades, trade)

	switch order.Side {
	case types.BUY:
		e.lots[order.Code] = append(e.lots[order.Code], fifoLot{
			qty:        order.Quantity,
			price:      price,
			commission: commission,
			origQty:    order.Quantity,
		})
	case types.SELL:
		e.realized = append(e.realized, e.pairSell(order.Code, price, order.Quantity, commission))
	}
}

// pairSell consumes BUY lots oldest-first and returns the realized PnL of
// this SELL: price difference minus the sell commission and the consumed
// share of each lot's buy commission.
func (e *Engine) pairSell(code string, sellPrice float64, sellQty int64, sellCommission float64) float64 {
	pnl := -sellCommission
	remaining := sellQty
	lots := e.lots[code]
	for remaining > 0 && len(lots) > 0 {
		lot := &lots[0]
		q := lot.qty
		if q > remaining {
			q = remaining
		}
		pnl += (sellPrice - lot.price) * float64(q)
		pnl -= lot.commission * float64(q) / float64(lot.origQty)
		lot.qty -= q
		remaining -= q
		if lot.qty == 0 {
			lots = lots[1:]
		}
	}
	e.lots[code] = lots
	return pnl
}

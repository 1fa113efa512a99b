package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantdesk/internal/config"
	"quantdesk/internal/metrics"
	"quantdesk/pkg/types"
)

// maxAlerts bounds the in-memory alert ring. The CSV journal keeps the
// full history.
const maxAlerts = 1000

// positionFlag marks which advisory condition last fired for a code, so
// a position sitting past its threshold produces one alert instead of
// one per snapshot. The flag re-arms when the condition clears.
type positionFlag struct {
	stopLoss   bool
	takeProfit bool
	trailing   bool
	highWater  float64
}

// Gate is the pre-trade and post-trade risk authority. Every order
// intent passes CheckOrder before it may reach a broker; fills and
// account updates feed the daily-loss and drawdown cut-outs.
//
// All counters are guarded by the gate's own mutex. Callers must not
// hold external locks while calling into the gate: the stop and alert
// hooks are invoked with no gate lock held and may call back into the
// owner.
type Gate struct {
	cfg     config.RiskConfig
	logger  *slog.Logger
	journal *Journal
	nowFn   func() time.Time

	mu             sync.Mutex
	tradingAllowed bool
	pausedReason   string
	dailyTrades    int
	dailyLoss      float64
	lastTradeTime  time.Time
	peakValue      float64
	alerts         []types.RiskAlert
	flags          map[string]*positionFlag

	onStop  func(reason string)
	onAlert func(types.RiskAlert)
}

// Snapshot is a point-in-time copy of the gate's counters.
type Snapshot struct {
	TradingAllowed bool    `json:"trading_allowed"`
	PausedReason   string  `json:"paused_reason,omitempty"`
	PeakValue      float64 `json:"peak_value"`
	DailyTrades    int     `json:"daily_trades"`
	DailyLoss      float64 `json:"daily_loss"`
	AlertCount     int     `json:"alert_count"`
}

// NewGate builds a gate from config with trading enabled and all
// counters at zero. The CSV journal is opened from cfg.RiskJournalPath;
// if the path is empty or unwritable the gate runs with the in-memory
// ring alone.
func NewGate(cfg config.RiskConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:            cfg,
		logger:         logger.With("component", "risk"),
		nowFn:          time.Now,
		tradingAllowed: true,
		flags:          make(map[string]*positionFlag),
	}
	if cfg.RiskJournalPath != "" {
		j, err := OpenJournal(cfg.RiskJournalPath)
		if err != nil {
			g.logger.Warn("risk journal unavailable, keeping alerts in memory only",
				"path", cfg.RiskJournalPath, "error", err)
		} else {
			g.journal = j
		}
	}
	return g
}

// SetStopHook registers the callback fired once when a cut-out trips.
func (g *Gate) SetStopHook(fn func(reason string)) {
	g.mu.Lock()
	g.onStop = fn
	g.mu.Unlock()
}

// SetAlertHook registers a callback fired for every alert the gate
// records, after it has been journaled.
func (g *Gate) SetAlertHook(fn func(types.RiskAlert)) {
	g.mu.Lock()
	g.onAlert = fn
	g.mu.Unlock()
}

// CheckOrder runs the pre-trade chain and reports whether the order may
// proceed. The reason string is empty on success. Checks run in a fixed
// order and the first failure wins; a zero or negative limit disables
// that individual check. marketPrice may be zero when no quote has been
// seen yet, which disables the deviation check for this call.
func (g *Gate) CheckOrder(order *types.Order, marketPrice float64, account types.AccountInfo, positions []types.Position) (bool, string) {
	if order == nil {
		return false, "nil order"
	}
	now := g.nowFn()

	g.mu.Lock()
	if !g.tradingAllowed {
		reason := "trading suspended: " + g.pausedReason
		g.mu.Unlock()
		g.reject(order.Code, reason)
		return false, reason
	}
	if g.cfg.MaxDailyTrades > 0 && g.dailyTrades >= g.cfg.MaxDailyTrades {
		reason := fmt.Sprintf("daily trade limit reached (%d)", g.cfg.MaxDailyTrades)
		g.mu.Unlock()
		g.reject(order.Code, reason)
		return false, reason
	}
	if g.cfg.MinTradeInterval > 0 && !g.lastTradeTime.IsZero() {
		if since := now.Sub(g.lastTradeTime); since < g.cfg.MinTradeInterval {
			reason := fmt.Sprintf("trading too fast: %s since last trade, minimum %s",
				since.Round(time.Millisecond), g.cfg.MinTradeInterval)
			g.mu.Unlock()
			g.reject(order.Code, reason)
			return false, reason
		}
	}
	g.mu.Unlock()

	if g.cfg.MaxPriceDeviation > 0 && marketPrice > 0 && order.Price > 0 {
		deviation := (order.Price - marketPrice) / marketPrice * 100
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > g.cfg.MaxPriceDeviation {
			reason := fmt.Sprintf("price %.2f deviates %.2f%% from market %.2f, limit %.2f%%",
				order.Price, deviation, marketPrice, g.cfg.MaxPriceDeviation)
			g.reject(order.Code, reason)
			return false, reason
		}
	}

	if order.Side == types.BUY {
		if ok, reason := g.checkBuyExposure(order, account, positions); !ok {
			g.reject(order.Code, reason)
			return false, reason
		}
	}
	return true, ""
}

func (g *Gate) checkBuyExposure(order *types.Order, account types.AccountInfo, positions []types.Position) (bool, string) {
	cost := order.Price * float64(order.Quantity)
	if cost > account.Cash {
		return false, fmt.Sprintf("insufficient cash: need %.2f, have %.2f", cost, account.Cash)
	}

	total := account.TotalValue
	if total <= 0 {
		total = account.Cash
		for _, p := range positions {
			total += p.MarketValue()
		}
	}
	if total <= 0 {
		return true, ""
	}

	var codeValue, allValue float64
	for _, p := range positions {
		mv := p.MarketValue()
		allValue += mv
		if p.Code == order.Code {
			codeValue += mv
		}
	}
	if g.cfg.MaxPositionPct > 0 {
		pct := (codeValue + cost) / total * 100
		if pct > g.cfg.MaxPositionPct {
			return false, fmt.Sprintf("position in %s would reach %.2f%% of equity, limit %.2f%%",
				order.Code, pct, g.cfg.MaxPositionPct)
		}
	}
	if g.cfg.MaxTotalPositionPct > 0 {
		pct := (allValue + cost) / total * 100
		if pct > g.cfg.MaxTotalPositionPct {
			return false, fmt.Sprintf("total exposure would reach %.2f%% of equity, limit %.2f%%",
				pct, g.cfg.MaxTotalPositionPct)
		}
	}
	return true, ""
}

// OnTradeCompleted bumps the daily trade counter and stamps the
// minimum-interval clock. Call it once per fill event.
func (g *Gate) OnTradeCompleted(trade types.Trade) {
	g.mu.Lock()
	g.dailyTrades++
	g.lastTradeTime = g.nowFn()
	g.mu.Unlock()
	_ = trade
}

// CheckDailyLoss accumulates realized losses (negative PnL) and reports
// whether the session loss cap is breached. The first breach suspends
// trading, records a CRITICAL alert and fires the stop hook.
func (g *Gate) CheckDailyLoss(realized float64) bool {
	g.mu.Lock()
	if realized < 0 {
		g.dailyLoss += -realized
	}
	breached := g.cfg.MaxDailyLoss > 0 && g.dailyLoss >= g.cfg.MaxDailyLoss
	reason := ""
	if breached && g.tradingAllowed {
		reason = fmt.Sprintf("daily loss %.2f breached limit %.2f", g.dailyLoss, g.cfg.MaxDailyLoss)
		g.tradingAllowed = false
		g.pausedReason = reason
	}
	stop := g.onStop
	g.mu.Unlock()

	if reason != "" {
		g.record(types.AlertCritical, "", reason)
		if stop != nil {
			stop(reason)
		}
	}
	return breached
}

// UpdatePeakValue raises the session peak equity. The peak never
// decreases within a session.
func (g *Gate) UpdatePeakValue(totalValue float64) {
	g.mu.Lock()
	if totalValue > g.peakValue {
		g.peakValue = totalValue
	}
	g.mu.Unlock()
}

// CheckDrawdown folds totalValue into the peak and reports whether the
// drawdown from peak breaches the configured limit. The first breach
// suspends trading, records a CRITICAL alert and fires the stop hook.
func (g *Gate) CheckDrawdown(totalValue float64) bool {
	if totalValue <= 0 {
		return false
	}
	g.mu.Lock()
	if totalValue > g.peakValue {
		g.peakValue = totalValue
	}
	breached := false
	reason := ""
	if g.cfg.MaxDrawdownPct > 0 && g.peakValue > 0 {
		drawdown := (g.peakValue - totalValue) / g.peakValue * 100
		if drawdown >= g.cfg.MaxDrawdownPct {
			breached = true
			if g.tradingAllowed {
				reason = fmt.Sprintf("drawdown %.2f%% breached limit %.2f%% (peak %.2f, current %.2f)",
					drawdown, g.cfg.MaxDrawdownPct, g.peakValue, totalValue)
				g.tradingAllowed = false
				g.pausedReason = reason
			}
		}
	}
	stop := g.onStop
	g.mu.Unlock()

	if reason != "" {
		g.record(types.AlertCritical, "", reason)
		if stop != nil {
			stop(reason)
		}
	}
	return breached
}

// CheckPosition emits advisory alerts for a held position: HIGH when
// the loss passes stop_loss_pct, MEDIUM when the gain passes
// take_profit_pct, HIGH when the price retraces trailing_stop_pct from
// its high-water mark while still above cost. Each condition fires once
// and re-arms when it clears. Advisory only: the gate never closes
// positions.
func (g *Gate) CheckPosition(pos types.Position) {
	g.mu.Lock()
	if pos.Quantity <= 0 {
		delete(g.flags, pos.Code)
		g.mu.Unlock()
		return
	}
	flag := g.flags[pos.Code]
	if flag == nil {
		flag = &positionFlag{}
		g.flags[pos.Code] = flag
	}
	if pos.CurrentPrice > flag.highWater {
		flag.highWater = pos.CurrentPrice
	}

	profitPct := pos.ProfitPct()
	type pending struct {
		level types.AlertLevel
		msg   string
	}
	var out []pending

	if g.cfg.StopLossPct > 0 {
		if profitPct <= -g.cfg.StopLossPct {
			if !flag.stopLoss {
				flag.stopLoss = true
				out = append(out, pending{types.AlertHigh,
					fmt.Sprintf("stop loss: %s down %.2f%%, threshold %.2f%%", pos.Code, -profitPct, g.cfg.StopLossPct)})
			}
		} else {
			flag.stopLoss = false
		}
	}
	if g.cfg.TakeProfitPct > 0 {
		if profitPct >= g.cfg.TakeProfitPct {
			if !flag.takeProfit {
				flag.takeProfit = true
				out = append(out, pending{types.AlertMedium,
					fmt.Sprintf("take profit: %s up %.2f%%, threshold %.2f%%", pos.Code, profitPct, g.cfg.TakeProfitPct)})
			}
		} else {
			flag.takeProfit = false
		}
	}
	if g.cfg.TrailingStopPct > 0 && flag.highWater > 0 && pos.CurrentPrice > pos.AvgCost {
		retrace := (flag.highWater - pos.CurrentPrice) / flag.highWater * 100
		if retrace >= g.cfg.TrailingStopPct {
			if !flag.trailing {
				flag.trailing = true
				out = append(out, pending{types.AlertHigh,
					fmt.Sprintf("trailing stop: %s retraced %.2f%% from high %.2f, threshold %.2f%%",
						pos.Code, retrace, flag.highWater, g.cfg.TrailingStopPct)})
			}
		} else {
			flag.trailing = false
		}
	}
	code := pos.Code
	g.mu.Unlock()

	for _, p := range out {
		g.record(p.level, code, p.msg)
	}
}

// ResetDaily zeros the daily counters and re-enables trading. Peak
// equity is kept: drawdown is measured per session, not per day.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	g.dailyTrades = 0
	g.dailyLoss = 0
	g.lastTradeTime = time.Time{}
	g.tradingAllowed = true
	g.pausedReason = ""
	g.mu.Unlock()
	g.logger.Info("daily risk counters reset")
}

// TradingAllowed reports whether new orders may be submitted.
func (g *Gate) TradingAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tradingAllowed
}

// PausedReason returns the cut-out reason, empty while trading is
// allowed.
func (g *Gate) PausedReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pausedReason
}

// Alerts returns a copy of the in-memory alert ring, oldest first.
func (g *Gate) Alerts() []types.RiskAlert {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.RiskAlert, len(g.alerts))
	copy(out, g.alerts)
	return out
}

// ClearAlerts empties the in-memory ring. The CSV journal is untouched.
func (g *Gate) ClearAlerts() {
	g.mu.Lock()
	g.alerts = nil
	g.mu.Unlock()
}

// Stats returns a copy of the gate counters.
func (g *Gate) Stats() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		TradingAllowed: g.tradingAllowed,
		PausedReason:   g.pausedReason,
		PeakValue:      g.peakValue,
		DailyTrades:    g.dailyTrades,
		DailyLoss:      g.dailyLoss,
		AlertCount:     len(g.alerts),
	}
}

// Close releases the journal file.
func (g *Gate) Close() error {
	if g.journal != nil {
		return g.journal.Close()
	}
	return nil
}

// reject records a pre-trade rejection as a MEDIUM alert.
func (g *Gate) reject(code, reason string) {
	g.record(types.AlertMedium, code, "order rejected: "+reason)
}

// record appends an alert to the ring, mirrors it to the journal and
// fires the alert hook. Journal failures are logged and swallowed.
func (g *Gate) record(level types.AlertLevel, code, message string) {
	alert := types.RiskAlert{
		Level:     level,
		Code:      code,
		Message:   message,
		Timestamp: g.nowFn(),
	}
	g.mu.Lock()
	g.alerts = append(g.alerts, alert)
	if len(g.alerts) > maxAlerts {
		g.alerts = g.alerts[len(g.alerts)-maxAlerts:]
	}
	hook := g.onAlert
	g.mu.Unlock()

	metrics.RiskAlerts.WithLabelValues(string(level)).Inc()
	switch level {
	case types.AlertCritical:
		g.logger.Error("risk alert", "level", level, "code", code, "message", message)
	case types.AlertHigh:
		g.logger.Warn("risk alert", "level", level, "code", code, "message", message)
	default:
		g.logger.Info("risk alert", "level", level, "code", code, "message", message)
	}
	if g.journal != nil {
		if err := g.journal.Append(alert); err != nil {
			g.logger.Warn("risk journal write failed", "error", err)
		}
	}
	if hook != nil {
		hook(alert)
	}
}

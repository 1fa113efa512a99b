package backtest

import (
	"math"
	"time"

	"quantdesk/pkg/types"
)

// tradingDaysPerYear annualizes daily statistics.
const tradingDaysPerYear = 252

// riskFreeRate is the annual baseline subtracted in the Sharpe ratio.
const riskFreeRate = 0.03

// EquityPoint is one sample of total portfolio value.
type EquityPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Result aggregates one backtest run. All ratio fields are fractions
// (0.1 = 10%) except WinRate, which is also a fraction of closed trades.
type Result struct {
	InitialCapital float64       `json:"initial_capital"`
	FinalValue     float64       `json:"final_value"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
	DailyReturns   []float64     `json:"daily_returns"`
	Trades         []types.Trade `json:"trades"`

	TotalReturn  float64 `json:"total_return"`
	AnnualReturn float64 `json:"annual_return"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Volatility   float64 `json:"volatility"`
	Sharpe       float64 `json:"sharpe"`
	Calmar       float64 `json:"calmar"`

	TotalTrades     int     `json:"total_trades"`
	WinTrades       int     `json:"win_trades"`
	LossTrades      int     `json:"loss_trades"`
	WinRate         float64 `json:"win_rate"`
	AvgProfit       float64 `json:"avg_profit"`
	AvgLoss         float64 `json:"avg_loss"`
	MaxProfit       float64 `json:"max_profit"`
	MaxLoss         float64 `json:"max_loss"`
	ProfitLossRatio float64 `json:"profit_loss_ratio"`
}

// buildResult computes every scalar from the equity curve and the realized
// PnL of completed SELLs.
func buildResult(initial float64, equity []EquityPoint, trades []types.Trade, realized []float64) *Result {
	r := &Result{
		InitialCapital: initial,
		EquityCurve:    equity,
		Trades:         trades,
		TotalTrades:    len(trades),
	}
	if len(equity) == 0 {
		return r
	}
	r.FinalValue = equity[len(equity)-1].Value
	r.TotalReturn = (r.FinalValue - initial) / initial

	r.DailyReturns = make([]float64, 0, len(equity)-1)
	prev := equity[0].Value
	for _, p := range equity[1:] {
		if prev > 0 {
			r.DailyReturns = append(r.DailyReturns, (p.Value-prev)/prev)
		} else {
			r.DailyReturns = append(r.DailyReturns, 0)
		}
		prev = p.Value
	}

	if n := len(r.DailyReturns); n > 0 {
		r.AnnualReturn = math.Pow(1+r.TotalReturn, tradingDaysPerYear/float64(n)) - 1
		r.Volatility = stddev(r.DailyReturns) * math.Sqrt(tradingDaysPerYear)
	}

	peak := equity[0].Value
	for _, p := range equity {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			if dd := (peak - p.Value) / peak; dd > r.MaxDrawdown {
				r.MaxDrawdown = dd
			}
		}
	}

	if r.Volatility > 0 {
		r.Sharpe = (r.AnnualReturn - riskFreeRate) / r.Volatility
	}
	if r.MaxDrawdown > 0 {
		r.Calmar = r.AnnualReturn / r.MaxDrawdown
	}

	var profitSum, lossSum float64
	for _, pnl := range realized {
		switch {
		case pnl > 0:
			r.WinTrades++
			profitSum += pnl
			if pnl > r.MaxProfit {
				r.MaxProfit = pnl
			}
		case pnl < 0:
			r.LossTrades++
			lossSum += pnl
			if pnl < r.MaxLoss {
				r.MaxLoss = pnl
			}
		}
	}
	if closed := r.WinTrades + r.LossTrades; closed > 0 {
		r.WinRate = float64(r.WinTrades) / float64(closed)
	}
	if r.WinTrades > 0 {
		r.AvgProfit = profitSum / float64(r.WinTrades)
	}
	if r.LossTrades > 0 {
		r.AvgLoss = lossSum / float64(r.LossTrades)
	}
	if r.AvgLoss != 0 {
		r.ProfitLossRatio = math.Abs(r.AvgProfit / r.AvgLoss)
	}
	return r
}

// stddev is the sample standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

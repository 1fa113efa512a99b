// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the workbench: bars, quote
// snapshots, orders, trades, positions and risk alerts. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Core enums
// ---------------------------------------------------------------------------

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported execution styles.
type OrderType string

const (
	Limit  OrderType = "LIMIT"  // rest at the limit price until matched
	Market OrderType = "MARKET" // fill at the prevailing reference price
)

// OrderStatus is the order lifecycle state. PENDING and SUBMITTED are live;
// the remaining three are terminal and never transition again.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"   // created, not yet routed (semi-auto hold)
	StatusSubmitted OrderStatus = "SUBMITTED" // accepted by the broker, resting
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// AlertLevel grades risk alerts from advisory to session-stopping.
type AlertLevel string

const (
	AlertLow      AlertLevel = "LOW"
	AlertMedium   AlertLevel = "MEDIUM"
	AlertHigh     AlertLevel = "HIGH"
	AlertCritical AlertLevel = "CRITICAL"
)

// LotSize is the board-lot unit for A-share orders. Order quantities are
// normalized down to a multiple of this before submission; anything below
// one lot is rejected.
const LotSize int64 = 100

// NormalizeQuantity rounds qty down to a whole number of lots. Returns 0
// when qty is below one lot (callers treat 0 as a rejection).
func NormalizeQuantity(qty int64) int64 {
	if qty < LotSize {
		return 0
	}
	return qty - qty%LotSize
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV record for a time window. Immutable once emitted.
type Bar struct {
	Code      string    `json:"code"`      // normalized stock code, e.g. "sz000001"
	Timestamp time.Time `json:"timestamp"` // window open time
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`   // shares
	Turnover  float64   `json:"turnover"` // currency amount, 0 when the source omits it
}

// Tick is a single trade print.
type Tick struct {
	Code      string    `json:"code"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the latest quote for one code plus session aggregates and
// optional 5-level depth. Depth slices are either empty or length 5,
// best price first.
type Snapshot struct {
	Code      string  `json:"code"`
	Name      string  `json:"name,omitempty"`
	Last      float64 `json:"last"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	Volume    float64 `json:"volume"`   // cumulative session volume
	Turnover  float64 `json:"turnover"` // cumulative session turnover

	BidPrices  []float64 `json:"bid_prices,omitempty"`
	BidVolumes []float64 `json:"bid_volumes,omitempty"`
	AskPrices  []float64 `json:"ask_prices,omitempty"`
	AskVolumes []float64 `json:"ask_volumes,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Change returns the absolute move versus the prior close.
func (s Snapshot) Change() float64 {
	return s.Last - s.PrevClose
}

// ChangePct returns the percent move versus the prior close, 0 when the
// prior close is unknown.
func (s Snapshot) ChangePct() float64 {
	if s.PrevClose == 0 {
		return 0
	}
	return (s.Last - s.PrevClose) / s.PrevClose * 100
}

// BarFromSnapshot converts a snapshot into a bar using the session
// aggregates. The conversion is total and deterministic: the same
// snapshot always yields the same bar.
func BarFromSnapshot(s Snapshot) Bar {
	return Bar{
		Code:      s.Code,
		Timestamp: s.Timestamp,
		Open:      s.Open,
		High:      s.High,
		Low:       s.Low,
		Close:     s.Last,
		Volume:    s.Volume,
		Turnover:  s.Turnover,
	}
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// Order is a single order through its lifecycle. The broker assigns ID on
// acceptance; strategies track a locally-unique id until then.
type Order struct {
	ID             string      `json:"id"`
	Code           string      `json:"code"`
	Side           Side        `json:"side"`
	Price          float64     `json:"price"` // limit price; reference price for MARKET fills
	Quantity       int64       `json:"quantity"` // positive multiple of LotSize
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	FilledQuantity int64       `json:"filled_quantity"`
	FilledPrice    float64     `json:"filled_price"` // volume-weighted fill price
	Message        string      `json:"message,omitempty"` // rejection or cancel reason, empty otherwise
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Trade is one execution. Commission includes the 0.1% stamp duty on SELL.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Code       string    `json:"code"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Quantity   int64     `json:"quantity"`
	Commission float64   `json:"commission"`
	Timestamp  time.Time `json:"timestamp"`
}

// Position is the holding for one code. A position with Quantity 0 is
// deleted rather than stored.
type Position struct {
	Code         string  `json:"code"`
	Quantity     int64   `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	CurrentPrice float64 `json:"current_price"`
}

// MarketValue returns quantity times the current price.
func (p Position) MarketValue() float64 {
	return float64(p.Quantity) * p.CurrentPrice
}

// Profit returns the unrealized gain at the current price.
func (p Position) Profit() float64 {
	return (p.CurrentPrice - p.AvgCost) * float64(p.Quantity)
}

// ProfitPct returns the unrealized gain as a percent of cost, 0 when the
// cost basis is unknown.
func (p Position) ProfitPct() float64 {
	if p.AvgCost == 0 {
		return 0
	}
	return (p.CurrentPrice - p.AvgCost) / p.AvgCost * 100
}

// AccountInfo is the broker account summary.
type AccountInfo struct {
	AccountID   string  `json:"account_id"`
	Cash        float64 `json:"cash"`
	Frozen      float64 `json:"frozen"`
	MarketValue float64 `json:"market_value"`
	TotalValue  float64 `json:"total_value"`
	Profit      float64 `json:"profit"` // intraday
	ProfitPct   float64 `json:"profit_pct"`
}

// RiskAlert is one entry in the risk gate's alert ring. Code is empty for
// account-level alerts.
type RiskAlert struct {
	Level     AlertLevel `json:"level"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

func (a RiskAlert) String() string {
	return fmt.Sprintf("[%s] %s %s", a.Level, a.Code, a.Message)
}

// StrategyInfo describes a registered strategy plug-in.
type StrategyInfo struct {
	Name        string             `json:"name"`
	Source      string             `json:"source"` // registration origin, e.g. "builtin"
	Params      map[string]float64 `json:"params,omitempty"`
	Description string             `json:"description,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

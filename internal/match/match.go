// Package match holds the fill rules shared by the backtest engine and the
// simulated broker.
//
// An order is matched against a price context: a full bar when replaying
// history, or a single market price when simulating live. The rules are
// deliberately conservative: a limit order fills in full at the limit or
// better (plus slippage), or not at all. Partial fills are not modeled.
package match

import "quantdesk/pkg/types"

// Context is the price environment one matching attempt sees. Open doubles
// as the reference price for MARKET fills and for price improvement on
// limit orders.
type Context struct {
	Open float64
	High float64
	Low  float64
}

// AtPrice builds a degenerate context from a single market price, the way
// the simulator sees the world between bars.
func AtPrice(p float64) Context {
	return Context{Open: p, High: p, Low: p}
}

// Fill is the outcome of one matching attempt.
type Fill struct {
	OK    bool
	Price float64 // execution price after slippage
}

// Match decides whether an order executes in this context.
//
// LIMIT BUY fills when the context traded at or below the limit, at
// min(limit, open) worsened by slippage. LIMIT SELL mirrors it. MARKET
// fills at the reference price as-is.
func Match(side types.Side, typ types.OrderType, limit float64, c Context, slippage float64) Fill {
	if typ == types.Market {
		if c.Open <= 0 {
			return Fill{}
		}
		return Fill{OK: true, Price: c.Open}
	}

	switch side {
	case types.BUY:
		if c.Low <= limit {
			px := limit
			if c.Open < px {
				px = c.Open
			}
			return Fill{OK: true, Price: px * (1 + slippage)}
		}
	case types.SELL:
		if c.High >= limit {
			px := limit
			if c.Open > px {
				px = c.Open
			}
			return Fill{OK: true, Price: px * (1 - slippage)}
		}
	}
	return Fill{}
}

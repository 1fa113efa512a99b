// Package fees computes trading costs.
//
// Costs are computed with decimal arithmetic so that repeated accumulation
// into cash ledgers does not drift: fill price and quantity multiply
// exactly, and only the final value converts back to float64.
package fees

import (
	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

// StampDutyRate is charged on SELL executions only.
const StampDutyRate = 0.001

// Commission returns price * qty * rate.
func Commission(price float64, qty int64, rate float64) float64 {
	v := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(qty)).
		Mul(decimal.NewFromFloat(rate))
	f, _ := v.Float64()
	return f
}

// StampDuty returns the SELL-side duty, 0 for BUY.
func StampDuty(side types.Side, price float64, qty int64) float64 {
	if side != types.SELL {
		return 0
	}
	return Commission(price, qty, StampDutyRate)
}

// Total returns commission plus stamp duty for one execution.
func Total(side types.Side, price float64, qty int64, commissionRate float64) float64 {
	c := decimal.NewFromFloat(Commission(price, qty, commissionRate)).
		Add(decimal.NewFromFloat(StampDuty(side, price, qty)))
	f, _ := c.Float64()
	return f
}

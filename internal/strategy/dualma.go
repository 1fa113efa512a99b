package strategy

import (
	"fmt"

	"quantdesk/pkg/indicator"
	"quantdesk/pkg/types"
)

// DualMA holds while the fast moving average sits above the slow one and
// is flat otherwise. It enters as soon as the state turns bullish (not
// only on a strict crossing), so a series that is already trending when
// both windows fill still produces an entry.
//
// Parameters: fast (default 5), slow (20), position_pct (0.9).
type DualMA struct{}

// NewDualMA returns the algorithm. All state lives in the session.
func NewDualMA() *DualMA { return &DualMA{} }

func (d *DualMA) Name() string { return "dual_ma" }

// Validate rejects unknown or unusable parameters.
func (d *DualMA) Validate(params map[string]float64) error {
	for name, v := range params {
		switch name {
		case "fast", "slow":
			if v < 1 {
				return fmt.Errorf("%s must be >= 1, got %v", name, v)
			}
		case "position_pct":
			if v <= 0 || v > 1 {
				return fmt.Errorf("position_pct must be in (0, 1], got %v", v)
			}
		default:
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	if f, s := params["fast"], params["slow"]; f != 0 && s != 0 && f >= s {
		return fmt.Errorf("fast window %v must be below slow window %v", f, s)
	}
	return nil
}

func (d *DualMA) OnBar(s *Session, bar types.Bar) {
	fast := int(s.Param("fast", 5))
	slow := int(s.Param("slow", 20))
	pct := s.Param("position_pct", 0.9)

	closes := s.CloseSeries(slow + 1)
	if len(closes) < slow {
		return
	}
	fastMA := indicator.MA(closes, fast)
	slowMA := indicator.MA(closes, slow)
	f, sl := fastMA[len(fastMA)-1], slowMA[len(slowMA)-1]
	if !indicator.Defined(f) || !indicator.Defined(sl) {
		return
	}

	held := s.Position().Quantity
	switch {
	case f > sl && held == 0:
		// Market entry with the bar close as the reference price. A limit
		// at the close would never fill on a steadily rising series.
		qty := int64(s.Cash() * pct / bar.Close)
		if order := s.Buy(bar.Close, qty, types.Market); order != nil {
			s.log(fmt.Sprintf("dual_ma buy %d ref %.2f (fast %.3f > slow %.3f)", order.Quantity, order.Price, f, sl))
		}
	case f < sl && held > 0:
		if order := s.Sell(bar.Close, held, types.Market); order != nil {
			s.log(fmt.Sprintf("dual_ma sell %d ref %.2f (fast %.3f < slow %.3f)", order.Quantity, order.Price, f, sl))
		}
	}
}

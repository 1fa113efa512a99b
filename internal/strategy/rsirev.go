package strategy

import (
	"fmt"

	"quantdesk/pkg/indicator"
	"quantdesk/pkg/types"
)

// RSIReversal buys oversold dips and exits overbought spikes.
//
// Parameters: period (default 14), oversold (30), overbought (70),
// position_pct (0.5).
type RSIReversal struct{}

// NewRSIReversal returns the algorithm. All state lives in the session.
func NewRSIReversal() *RSIReversal { return &RSIReversal{} }

func (r *RSIReversal) Name() string { return "rsi_reversal" }

func (r *RSIReversal) Validate(params map[string]float64) error {
	for name, v := range params {
		switch name {
		case "period":
			if v < 2 {
				return fmt.Errorf("period must be >= 2, got %v", v)
			}
		case "oversold", "overbought":
			if v < 0 || v > 100 {
				return fmt.Errorf("%s must be in [0, 100], got %v", name, v)
			}
		case "position_pct":
			if v <= 0 || v > 1 {
				return fmt.Errorf("position_pct must be in (0, 1], got %v", v)
			}
		default:
			return fmt.Errorf("unknown parameter %q", name)
		}
	}
	if lo, hi := params["oversold"], params["overbought"]; lo != 0 && hi != 0 && lo >= hi {
		return fmt.Errorf("oversold %v must be below overbought %v", lo, hi)
	}
	return nil
}

func (r *RSIReversal) OnBar(s *Session, bar types.Bar) {
	period := int(s.Param("period", 14))
	oversold := s.Param("oversold", 30)
	overbought := s.Param("overbought", 70)
	pct := s.Param("position_pct", 0.5)

	closes := s.CloseSeries(period + 1)
	if len(closes) <= period {
		return
	}
	series := indicator.RSI(closes, period)
	rsi := series[len(series)-1]
	if !indicator.Defined(rsi) {
		return
	}

	held := s.Position().Quantity
	switch {
	case rsi <= oversold && held == 0:
		qty := int64(s.Cash() * pct / bar.Close)
		if order := s.Buy(bar.Close, qty, types.Market); order != nil {
			s.log(fmt.Sprintf("rsi_reversal buy %d ref %.2f (rsi %.1f)", order.Quantity, order.Price, rsi))
		}
	case rsi >= overbought && held > 0:
		if order := s.Sell(bar.Close, held, types.Market); order != nil {
			s.log(fmt.Sprintf("rsi_reversal sell %d ref %.2f (rsi %.1f)", order.Quantity, order.Price, rsi))
		}
	}
}

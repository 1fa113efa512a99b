package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"quantdesk/internal/symbol"
	"quantdesk/pkg/types"
)

// Quote objects arrive from bridges and push feeds with no fixed schema.
// The helpers below accept the common key spellings and scalar shapes
// (numbers as strings, epoch stamps in seconds or millis) and give back
// typed values, dropping anything that lacks the essentials.

var (
	quoteCodeKeys = []string{"code", "symbol", "stock_code", "ts_code"}
	quoteLastKeys = []string{"price", "last", "last_price", "current", "close", "now"}
	quotePrevKeys = []string{"prev_close", "pre_close", "preclose", "yesterday_close"}
	quoteVolKeys  = []string{"volume", "vol"}
	quoteAmtKeys  = []string{"turnover", "amount"}
	quoteTimeKeys = []string{"time", "timestamp", "datetime", "date", "trade_date"}
	quoteOpenKeys = []string{"open"}
	quoteHighKeys = []string{"high"}
	quoteLowKeys  = []string{"low"}
	quoteNameKeys = []string{"name", "stock_name"}
)

// snapshotFromMap builds a Snapshot from a loose quote object. ok is
// false when the code or last price is missing.
func snapshotFromMap(m map[string]interface{}) (types.Snapshot, bool) {
	code := symbol.Normalize(pickString(m, quoteCodeKeys...))
	last, haveLast := pickFloat(m, quoteLastKeys...)
	if code == "" || !haveLast {
		return types.Snapshot{}, false
	}

	snap := types.Snapshot{
		Code:      code,
		Name:      pickString(m, quoteNameKeys...),
		Last:      last,
		Timestamp: pickTime(m, quoteTimeKeys...),
	}
	snap.Open, _ = pickFloat(m, quoteOpenKeys...)
	snap.High, _ = pickFloat(m, quoteHighKeys...)
	snap.Low, _ = pickFloat(m, quoteLowKeys...)
	snap.PrevClose, _ = pickFloat(m, quotePrevKeys...)
	snap.Volume, _ = pickFloat(m, quoteVolKeys...)
	snap.Turnover, _ = pickFloat(m, quoteAmtKeys...)

	for i := 1; i <= depthLevels; i++ {
		n := strconv.Itoa(i)
		bp, okB := pickFloat(m, "bid"+n, "bid_price"+n, "buy"+n)
		ap, okA := pickFloat(m, "ask"+n, "ask_price"+n, "sell"+n)
		if !okB && !okA {
			break
		}
		bv, _ := pickFloat(m, "bid"+n+"_volume", "bid_vol"+n, "buy"+n+"_volume")
		av, _ := pickFloat(m, "ask"+n+"_volume", "ask_vol"+n, "sell"+n+"_volume")
		snap.BidPrices = append(snap.BidPrices, bp)
		snap.BidVolumes = append(snap.BidVolumes, bv)
		snap.AskPrices = append(snap.AskPrices, ap)
		snap.AskVolumes = append(snap.AskVolumes, av)
	}
	return snap, true
}

// barFromMap builds a Bar from a loose kline object.
func barFromMap(m map[string]interface{}) (types.Bar, bool) {
	code := symbol.Normalize(pickString(m, quoteCodeKeys...))
	closePx, haveClose := pickFloat(m, "close", "price", "last")
	if code == "" || !haveClose {
		return types.Bar{}, false
	}
	bar := types.Bar{
		Code:      code,
		Close:     closePx,
		Timestamp: pickTime(m, quoteTimeKeys...),
	}
	bar.Open, _ = pickFloat(m, quoteOpenKeys...)
	bar.High, _ = pickFloat(m, quoteHighKeys...)
	bar.Low, _ = pickFloat(m, quoteLowKeys...)
	bar.Volume, _ = pickFloat(m, quoteVolKeys...)
	bar.Turnover, _ = pickFloat(m, quoteAmtKeys...)
	return bar, true
}

// pickString returns the first present key as a string.
func pickString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case json.Number:
				return s.String()
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

// pickFloat returns the first present key coerced to float64.
func pickFloat(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, fok := anyToFloat(v); fok {
				return f, true
			}
		}
	}
	return 0, false
}

// pickTime returns the first present key parsed as a timestamp.
func pickTime(m map[string]interface{}, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if ts := parseRowTime(strings.TrimSpace(t)); !ts.IsZero() {
				return ts
			}
		case float64:
			if ts := epochToTime(int64(t)); !ts.IsZero() {
				return ts
			}
		case json.Number:
			if n, err := t.Int64(); err == nil {
				if ts := epochToTime(n); !ts.IsZero() {
					return ts
				}
			}
		}
	}
	return time.Time{}
}

func epochToTime(n int64) time.Time {
	switch {
	case n >= 1e12:
		return time.UnixMilli(n)
	case n >= 1e9:
		return time.Unix(n, 0)
	}
	return time.Time{}
}

// anyToFloat coerces JSON scalars to float64. Strings with thousands
// separators or surrounding space are accepted.
func anyToFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

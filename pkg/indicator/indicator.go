// Package indicator provides the technical indicators shared by backtests
// and live strategies.
//
// Every function is pure: it takes numeric series and returns new series
// aligned index-for-index with the input. Positions where the lookback
// window is not yet satisfied hold NaN ("undefined"); use Defined to test
// for it. A series shorter than its window yields an all-undefined result,
// never a panic. Multi-series functions compute over the shortest input.
package indicator

import "math"

// Defined reports whether an indicator value is defined (not NaN).
func Defined(v float64) bool { return !math.IsNaN(v) }

func undefined(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func minLen(series ...[]float64) int {
	if len(series) == 0 {
		return 0
	}
	n := len(series[0])
	for _, s := range series[1:] {
		if len(s) < n {
			n = len(s)
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Moving averages
// ---------------------------------------------------------------------------

// MA returns the arithmetic mean of the last n values at each position.
func MA(values []float64, n int) []float64 {
	out := undefined(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the exponential moving average with alpha = min(2/n, 1).
// The first defined value is the plain mean of the first n inputs.
func EMA(values []float64, n int) []float64 {
	out := undefined(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	alpha := 2 / float64(n)
	if alpha > 1 {
		alpha = 1
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += values[i]
	}
	out[n-1] = sum / float64(n)
	for i := n; i < len(values); i++ {
		out[i] = values[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// MACD returns (DIF, DEA, histogram) for the classic fast/slow/signal
// configuration. DIF = EMA(fast) - EMA(slow). DEA seeds from the mean of
// the first signal defined DIF values, then smooths with
// alpha = 2/(signal+1). Histogram = 2*(DIF-DEA).
func MACD(closes []float64, fast, slow, signal int) (dif, dea, hist []float64) {
	n := len(closes)
	dif, dea, hist = undefined(n), undefined(n), undefined(n)
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return dif, dea, hist
	}

	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	for i := 0; i < n; i++ {
		if Defined(emaFast[i]) && Defined(emaSlow[i]) {
			dif[i] = emaFast[i] - emaSlow[i]
		}
	}

	// Seed DEA from the first `signal` defined DIF values.
	first := -1
	for i := 0; i < n; i++ {
		if Defined(dif[i]) {
			first = i
			break
		}
	}
	if first < 0 || first+signal > n {
		return dif, dea, hist
	}
	alpha := 2 / float64(signal+1)
	var sum float64
	for i := first; i < first+signal; i++ {
		sum += dif[i]
	}
	seed := first + signal - 1
	dea[seed] = sum / float64(signal)
	for i := seed + 1; i < n; i++ {
		dea[i] = dif[i]*alpha + dea[i-1]*(1-alpha)
	}
	for i := seed; i < n; i++ {
		hist[i] = 2 * (dif[i] - dea[i])
	}
	return dif, dea, hist
}

// ---------------------------------------------------------------------------
// Oscillators
// ---------------------------------------------------------------------------

// KDJ returns the K, D and J lines. RSV uses an n-bar high/low channel
// (50 when the channel is flat); K and D smooth with factors m1 and m2,
// both seeded at the first RSV. J = 3K - 2D.
func KDJ(highs, lows, closes []float64, n, m1, m2 int) (k, d, j []float64) {
	length := minLen(highs, lows, closes)
	k, d, j = undefined(length), undefined(length), undefined(length)
	if n <= 0 || m1 <= 0 || m2 <= 0 || length < n {
		return k, d, j
	}

	for i := n - 1; i < length; i++ {
		hi, lo := highs[i], lows[i]
		for w := i - n + 1; w <= i; w++ {
			if highs[w] > hi {
				hi = highs[w]
			}
			if lows[w] < lo {
				lo = lows[w]
			}
		}
		rsv := 50.0
		if hi != lo {
			rsv = (closes[i] - lo) / (hi - lo) * 100
		}
		if i == n-1 {
			k[i] = rsv
			d[i] = rsv
		} else {
			k[i] = (k[i-1]*float64(m1-1) + rsv) / float64(m1)
			d[i] = (d[i-1]*float64(m2-1) + k[i]) / float64(m2)
		}
		j[i] = 3*k[i] - 2*d[i]
	}
	return k, d, j
}

// RSI returns the relative strength index with simple-average smoothing of
// gains and losses. 100 where the average loss is zero.
func RSI(closes []float64, n int) []float64 {
	out := undefined(len(closes))
	if n <= 0 || len(closes) <= n {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			gainSum += diff
		} else {
			lossSum -= diff
		}
		if i > n {
			old := closes[i-n] - closes[i-n-1]
			if old > 0 {
				gainSum -= old
			} else {
				lossSum += old
			}
		}
		if i >= n {
			out[i] = rsiValue(gainSum/float64(n), lossSum/float64(n))
		}
	}
	return out
}

// RSIEMA is RSI with exponential smoothing of gains and losses, using the
// EMA contract above.
func RSIEMA(closes []float64, n int) []float64 {
	out := undefined(len(closes))
	if n <= 0 || len(closes) <= n {
		return out
	}
	gains := make([]float64, len(closes)-1)
	losses := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			gains[i-1] = diff
		} else {
			losses[i-1] = -diff
		}
	}
	emaGain := EMA(gains, n)
	emaLoss := EMA(losses, n)
	for i := range emaGain {
		if Defined(emaGain[i]) && Defined(emaLoss[i]) {
			out[i+1] = rsiValue(emaGain[i], emaLoss[i])
		}
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// CCI returns the commodity channel index over typical prices, scaled by
// 0.015 times the mean absolute deviation. 0 where the window is flat.
func CCI(highs, lows, closes []float64, n int) []float64 {
	length := minLen(highs, lows, closes)
	out := undefined(length)
	if n <= 0 || length < n {
		return out
	}
	tp := make([]float64, length)
	for i := 0; i < length; i++ {
		tp[i] = (highs[i] + lows[i] + closes[i]) / 3
	}
	ma := MA(tp, n)
	for i := n - 1; i < length; i++ {
		var dev float64
		for w := i - n + 1; w <= i; w++ {
			dev += math.Abs(tp[w] - ma[i])
		}
		dev /= float64(n)
		if dev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - ma[i]) / (0.015 * dev)
	}
	return out
}

// ---------------------------------------------------------------------------
// Bands and ranges
// ---------------------------------------------------------------------------

// BOLL returns the Bollinger middle, upper and lower bands: middle = MA(n),
// upper/lower = middle +/- k sample standard deviations.
func BOLL(closes []float64, n int, k float64) (middle, upper, lower []float64) {
	length := len(closes)
	middle = MA(closes, n)
	upper, lower = undefined(length), undefined(length)
	if n <= 0 || length < n {
		return middle, upper, lower
	}
	for i := n - 1; i < length; i++ {
		var std float64
		if n > 1 {
			var ss float64
			for w := i - n + 1; w <= i; w++ {
				d := closes[w] - middle[i]
				ss += d * d
			}
			std = math.Sqrt(ss / float64(n-1))
		}
		upper[i] = middle[i] + k*std
		lower[i] = middle[i] - k*std
	}
	return middle, upper, lower
}

// ATR returns the average true range with Wilder smoothing (alpha = 1/n),
// seeded with the mean of the first n true ranges.
func ATR(highs, lows, closes []float64, n int) []float64 {
	length := minLen(highs, lows, closes)
	out := undefined(length)
	if n <= 0 || length < n {
		return out
	}
	tr := trueRanges(highs, lows, closes, length)
	var sum float64
	for i := 0; i < n; i++ {
		sum += tr[i]
	}
	out[n-1] = sum / float64(n)
	alpha := 1 / float64(n)
	for i := n; i < length; i++ {
		out[i] = out[i-1] + alpha*(tr[i]-out[i-1])
	}
	return out
}

func trueRanges(highs, lows, closes []float64, length int) []float64 {
	tr := make([]float64, length)
	for i := 0; i < length; i++ {
		if i == 0 {
			tr[i] = highs[i] - lows[i]
			continue
		}
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ---------------------------------------------------------------------------
// Volume-weighted
// ---------------------------------------------------------------------------

// OBV returns the cumulative on-balance volume, starting from the first
// bar's volume.
func OBV(closes, volumes []float64) []float64 {
	length := minLen(closes, volumes)
	out := undefined(length)
	if length == 0 {
		return out
	}
	out[0] = volumes[0]
	for i := 1; i < length; i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// VWAP returns the running volume-weighted average of typical prices.
// Undefined until cumulative volume is positive.
func VWAP(highs, lows, closes, volumes []float64) []float64 {
	length := minLen(highs, lows, closes, volumes)
	out := undefined(length)
	var pv, vol float64
	for i := 0; i < length; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3
		pv += tp * volumes[i]
		vol += volumes[i]
		if vol > 0 {
			out[i] = pv / vol
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Directional movement
// ---------------------------------------------------------------------------

// DMI returns the +DI, -DI and ADX lines with Wilder smoothing throughout.
// ADX needs roughly two windows of data before it is defined.
func DMI(highs, lows, closes []float64, n int) (plusDI, minusDI, adx []float64) {
	length := minLen(highs, lows, closes)
	plusDI, minusDI, adx = undefined(length), undefined(length), undefined(length)
	if n <= 0 || length <= n {
		return plusDI, minusDI, adx
	}

	tr := trueRanges(highs, lows, closes, length)
	plusDM := make([]float64, length)
	minusDM := make([]float64, length)
	for i := 1; i < length; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder-smoothed sums, seeded over indices [1, n].
	alpha := 1 / float64(n)
	var sTR, sPlus, sMinus float64
	for i := 1; i <= n; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}
	sTR /= float64(n)
	sPlus /= float64(n)
	sMinus /= float64(n)

	dx := undefined(length)
	setDI := func(i int) {
		if sTR == 0 {
			plusDI[i], minusDI[i], dx[i] = 0, 0, 0
			return
		}
		plusDI[i] = 100 * sPlus / sTR
		minusDI[i] = 100 * sMinus / sTR
		if sum := plusDI[i] + minusDI[i]; sum > 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
		} else {
			dx[i] = 0
		}
	}
	setDI(n)
	for i := n + 1; i < length; i++ {
		sTR = sTR + alpha*(tr[i]-sTR)
		sPlus = sPlus + alpha*(plusDM[i]-sPlus)
		sMinus = sMinus + alpha*(minusDM[i]-sMinus)
		setDI(i)
	}

	// ADX: Wilder smoothing of DX, seeded over its first n defined values.
	seed := 2 * n
	if seed >= length {
		return plusDI, minusDI, adx
	}
	var sum float64
	for i := n + 1; i <= seed; i++ {
		sum += dx[i]
	}
	adx[seed] = sum / float64(n)
	for i := seed + 1; i < length; i++ {
		adx[i] = adx[i-1] + alpha*(dx[i]-adx[i-1])
	}
	return plusDI, minusDI, adx
}

// ---------------------------------------------------------------------------
// Cross detectors
// ---------------------------------------------------------------------------

// CrossOver returns true at each position where a crossed strictly above b
// in the last step. Both pairs of values must be defined.
func CrossOver(a, b []float64) []bool {
	length := minLen(a, b)
	out := make([]bool, length)
	for i := 1; i < length; i++ {
		if !Defined(a[i-1]) || !Defined(b[i-1]) || !Defined(a[i]) || !Defined(b[i]) {
			continue
		}
		out[i] = a[i-1] <= b[i-1] && a[i] > b[i]
	}
	return out
}

// CrossUnder returns true at each position where a crossed strictly below b
// in the last step. Both pairs of values must be defined.
func CrossUnder(a, b []float64) []bool {
	length := minLen(a, b)
	out := make([]bool, length)
	for i := 1; i < length; i++ {
		if !Defined(a[i-1]) || !Defined(b[i-1]) || !Defined(a[i]) || !Defined(b[i]) {
			continue
		}
		out[i] = a[i-1] >= b[i-1] && a[i] < b[i]
	}
	return out
}

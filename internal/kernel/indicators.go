package kernel

// Technical indicator helpers shared by the kernels. All functions
// operate on float64 close series, newest value last; callers convert
// decimals at the boundary. Insufficient lookback returns NaN so a
// warming-up kernel can tell "no value yet" from zero.

import "math"

// SMA returns the n-period simple moving average of the tail of prices.
func SMA(prices []float64, n int) float64 {
	if n <= 0 || len(prices) < n {
		return math.NaN()
	}
	var sum float64
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n)
}

// EMA returns the n-period exponential moving average over the whole
// series, seeded with the first value.
func EMA(prices []float64, n int) float64 {
	if n <= 0 || len(prices) < n {
		return math.NaN()
	}
	k := 2.0 / float64(n+1)
	ema := prices[0]
	for _, p := range prices[1:] {
		ema = p*k + ema*(1-k)
	}
	return ema
}

// RSI returns the n-period Relative Strength Index using Wilder's
// smoothing.
func RSI(prices []float64, n int) float64 {
	if n <= 0 || len(prices) < n+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	for i := n + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line and its signal line for the conventional
// 12/26/9 periods.
func MACD(prices []float64) (macd, signal float64) {
	const fast, slow, sig = 12, 26, 9
	if len(prices) < slow+sig {
		return math.NaN(), math.NaN()
	}

	kFast := 2.0 / float64(fast+1)
	kSlow := 2.0 / float64(slow+1)
	kSig := 2.0 / float64(sig+1)

	emaFast, emaSlow := prices[0], prices[0]
	line := 0.0
	signal = 0.0
	seeded := false
	for i, p := range prices[1:] {
		emaFast = p*kFast + emaFast*(1-kFast)
		emaSlow = p*kSlow + emaSlow*(1-kSlow)
		line = emaFast - emaSlow
		if i+1 >= slow {
			if !seeded {
				signal = line
				seeded = true
			} else {
				signal = line*kSig + signal*(1-kSig)
			}
		}
	}
	return line, signal
}

// Bollinger returns the position of the last price within the n-period
// 2-sigma Bollinger band, scaled to [-1, 1] at the bands.
func Bollinger(prices []float64, n int) float64 {
	if n <= 1 || len(prices) < n {
		return math.NaN()
	}
	mid := SMA(prices, n)
	var variance float64
	for _, p := range prices[len(prices)-n:] {
		d := p - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(n))
	if sd == 0 {
		return 0
	}
	return (prices[len(prices)-1] - mid) / (2 * sd)
}

// Return is the fractional change over the last n steps.
func Return(prices []float64, n int) float64 {
	if n <= 0 || len(prices) < n+1 {
		return math.NaN()
	}
	prev := prices[len(prices)-1-n]
	if prev == 0 {
		return math.NaN()
	}
	return (prices[len(prices)-1] - prev) / prev
}

// Volatility is the standard deviation of one-step returns over the
// last n steps.
func Volatility(prices []float64, n int) float64 {
	if n <= 1 || len(prices) < n+1 {
		return math.NaN()
	}
	rets := make([]float64, 0, n)
	for i := len(prices) - n; i < len(prices); i++ {
		if prices[i-1] == 0 {
			return math.NaN()
		}
		rets = append(rets, (prices[i]-prices[i-1])/prices[i-1])
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var variance float64
	for _, r := range rets {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(rets)))
}

// ComputeFeatures derives the shared factor vector from a close series.
// NaN fields are zeroed so models see a dense vector once the minimum
// history is available.
func ComputeFeatures(prices []float64) Features {
	last := 0.0
	if len(prices) > 0 {
		last = prices[len(prices)-1]
	}
	macd, signal := MACD(prices)
	f := Features{
		Price:        last,
		SMAFast:      SMA(prices, 7),
		SMASlow:      SMA(prices, 25),
		EMA:          EMA(prices, 12),
		RSI:          RSI(prices, 14),
		MACD:         macd,
		MACDSignal:   signal,
		BollingerPos: Bollinger(prices, 20),
		Return:       Return(prices, 1),
		Volatility:   Volatility(prices, 20),
	}
	v := f.Vector()
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return Features{
		Price: v[0], SMAFast: v[1], SMASlow: v[2], EMA: v[3], RSI: v[4],
		MACD: v[5], MACDSignal: v[6], BollingerPos: v[7], Return: v[8], Volatility: v[9],
	}
}

package strategy

import "math"

// Indicator series mirror the pandas convention: the output is the same
// length as the input, with NaN until the warmup window is satisfied.

// SMA returns the simple moving average of values over window.
func SMA(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	if window <= 0 || len(values) < window {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// RollingStdDev returns the rolling population standard deviation of values
// over window.
func RollingStdDev(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	if window <= 0 || len(values) < window {
		return out
	}
	for i := window - 1; i < len(values); i++ {
		var sum float64
		for _, v := range values[i-window+1 : i+1] {
			sum += v
		}
		mean := sum / float64(window)
		var variance float64
		for _, v := range values[i-window+1 : i+1] {
			d := v - mean
			variance += d * d
		}
		out[i] = math.Sqrt(variance / float64(window))
	}
	return out
}

// MRAT returns the moving average ratio fastSMA/slowSMA for each index.
func MRAT(values []float64, fast, slow int) []float64 {
	fastMA := SMA(values, fast)
	slowMA := SMA(values, slow)
	out := nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(fastMA[i]) && !math.IsNaN(slowMA[i]) && slowMA[i] != 0 {
			out[i] = fastMA[i] / slowMA[i]
		}
	}
	return out
}

// ZScore returns the rolling z-score of values against their own SMA and
// population standard deviation over window.
func ZScore(values []float64, window int) []float64 {
	mean := SMA(values, window)
	std := RollingStdDev(values, window)
	out := nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(mean[i]) && !math.IsNaN(std[i]) && std[i] != 0 {
			out[i] = (values[i] - mean[i]) / std[i]
		}
	}
	return out
}

// RSI returns the relative strength index with Wilder smoothing over period.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
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

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

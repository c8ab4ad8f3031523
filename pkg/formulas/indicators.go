// Package formulas wraps go-talib with the indicator set used by the signal
// engine. Every function returns nil when the input series is too short;
// callers treat an absent indicator as a missing vote, never an error.
package formulas

import (
	"github.com/markcheno/go-talib"
)

// Default periods used by the signal cycle.
const (
	DefaultRSIPeriod       = 14
	DefaultSMAPeriod       = 20
	DefaultEMAPeriod       = 12
	DefaultMACDFast        = 12
	DefaultMACDSlow        = 26
	DefaultMACDSignal      = 9
	DefaultBollingerPeriod = 20
	DefaultBollingerK      = 2.0
)

// CalculateSMA returns the Simple Moving Average of the last `length` closes.
//
//	SMA = sum(closes[-length:]) / length
func CalculateSMA(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length {
		return nil
	}

	sma := talib.Sma(closes, length)
	return lastValid(sma)
}

// CalculateEMA returns the Exponential Moving Average of the closes.
//
//	EMA_t = price_t * k + EMA_{t-1} * (1 - k), k = 2 / (length + 1)
//
// The series is seeded with the SMA of the first `length` closes. Unlike a
// trailing SMA fallback, a series shorter than `length` yields no value.
func CalculateEMA(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length {
		return nil
	}

	ema := talib.Ema(closes, length)
	return lastValid(ema)
}

// CalculateRSI returns the Relative Strength Index with Wilder smoothing.
//
//	RSI = 100 - 100 / (1 + avgGain / avgLoss)
//
// Needs at least length+1 closes to form the first delta window. An all-gain
// series reads 100, an all-loss series reads 0.
func CalculateRSI(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length+1 {
		return nil
	}

	rsi := talib.Rsi(closes, length)
	return lastValid(rsi)
}

// MACD holds the three values of the Moving Average Convergence Divergence
// indicator at one point in time.
type MACD struct {
	Line      float64 `json:"line"`      // EMA(fast) - EMA(slow)
	Signal    float64 `json:"signal"`    // EMA(signal) of the line
	Histogram float64 `json:"histogram"` // line - signal
}

// CalculateMACD returns the MACD triple for the closes, or nil when the
// series cannot cover the slow EMA plus the signal EMA warm-up.
func CalculateMACD(closes []float64, fast, slow, signal int) *MACD {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return nil
	}
	if len(closes) < slow+signal-1 {
		return nil
	}

	line, sig, hist := talib.Macd(closes, fast, slow, signal)
	l := lastValid(line)
	s := lastValid(sig)
	h := lastValid(hist)
	if l == nil || s == nil || h == nil {
		return nil
	}

	return &MACD{Line: *l, Signal: *s, Histogram: *h}
}

// BollingerBands holds the band values around a simple moving average.
type BollingerBands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// CalculateBollingerBands returns the bands for the closes. The deviation is
// the population standard deviation of the window (TA-Lib convention), and
// the bands sit k deviations either side of the SMA middle.
func CalculateBollingerBands(closes []float64, length int, k float64) *BollingerBands {
	if length <= 0 || len(closes) < length {
		return nil
	}

	upper, middle, lower := talib.BBands(closes, length, k, k, 0)
	u := lastValid(upper)
	m := lastValid(middle)
	l := lastValid(lower)
	if u == nil || m == nil || l == nil {
		return nil
	}

	return &BollingerBands{Upper: *u, Middle: *m, Lower: *l}
}

// Position reports where price sits within the bands, 0.0 at the lower band
// and 1.0 at the upper, clamped. Collapsed bands read 0.5.
func (b BollingerBands) Position(price float64) float64 {
	width := b.Upper - b.Lower
	if width == 0 {
		return 0.5
	}

	pos := (price - b.Lower) / width
	if pos < 0 {
		return 0
	}
	if pos > 1 {
		return 1
	}
	return pos
}

// lastValid returns a pointer to the last non-NaN value of the series.
func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return nil
	}
	return &v
}

// isNaN avoids importing math for a single comparison.
func isNaN(f float64) bool {
	return f != f
}

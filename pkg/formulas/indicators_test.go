package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantSeries(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func rampSeries(start, step float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = start + step*float64(i)
	}
	return s
}

func TestCalculateSMA(t *testing.T) {
	got := CalculateSMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NotNil(t, got)
	assert.InDelta(t, 4.0, *got, 1e-9)

	assert.Nil(t, CalculateSMA([]float64{1, 2}, 3), "insufficient data")
	assert.Nil(t, CalculateSMA(nil, 3))
	assert.Nil(t, CalculateSMA([]float64{1, 2, 3}, 0), "non-positive period")
}

func TestCalculateEMA(t *testing.T) {
	got := CalculateEMA(constantSeries(2.5, 40), 12)
	require.NotNil(t, got)
	assert.InDelta(t, 2.5, *got, 1e-9, "EMA of a constant series is the constant")

	// A rising series pulls the EMA above the same-period SMA midpoint lag.
	closes := rampSeries(100, 1, 60)
	ema := CalculateEMA(closes, 12)
	sma := CalculateSMA(closes, 26)
	require.NotNil(t, ema)
	require.NotNil(t, sma)
	assert.Greater(t, *ema, *sma)

	assert.Nil(t, CalculateEMA(rampSeries(100, 1, 11), 12), "insufficient data")
}

func TestCalculateRSI_Extremes(t *testing.T) {
	up := CalculateRSI(rampSeries(100, 0.5, 30), 14)
	require.NotNil(t, up)
	assert.InDelta(t, 100.0, *up, 1e-9, "all gains reads 100")

	down := CalculateRSI(rampSeries(100, -0.5, 30), 14)
	require.NotNil(t, down)
	assert.InDelta(t, 0.0, *down, 1e-9, "all losses reads 0")

	assert.Nil(t, CalculateRSI(rampSeries(100, 0.5, 14), 14), "needs period+1 closes")
}

func TestCalculateRSI_Bounded(t *testing.T) {
	closes := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28, 46.00,
		46.03, 46.41, 46.22, 45.64, 46.21, 46.25, 45.71, 46.45,
	}
	rsi := CalculateRSI(closes, 14)
	require.NotNil(t, rsi)
	assert.GreaterOrEqual(t, *rsi, 0.0)
	assert.LessOrEqual(t, *rsi, 100.0)
}

func TestCalculateMACD(t *testing.T) {
	flat := CalculateMACD(constantSeries(10, 60), DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal)
	require.NotNil(t, flat)
	assert.InDelta(t, 0.0, flat.Line, 1e-9)
	assert.InDelta(t, 0.0, flat.Signal, 1e-9)
	assert.InDelta(t, 0.0, flat.Histogram, 1e-9)

	rising := CalculateMACD(rampSeries(100, 1, 80), DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal)
	require.NotNil(t, rising)
	assert.Greater(t, rising.Line, 0.0, "fast EMA leads slow EMA in an uptrend")
	assert.InDelta(t, rising.Line-rising.Signal, rising.Histogram, 1e-9)

	assert.Nil(t, CalculateMACD(rampSeries(100, 1, 33), 12, 26, 9), "needs slow+signal-1 closes")
	assert.Nil(t, CalculateMACD(rampSeries(100, 1, 80), 26, 12, 9), "fast must be shorter than slow")
}

func TestCalculateBollingerBands(t *testing.T) {
	// Population standard deviation of 1..20 is sqrt((20^2-1)/12).
	closes := rampSeries(1, 1, 20)
	bands := CalculateBollingerBands(closes, 20, 2.0)
	require.NotNil(t, bands)

	sigma := math.Sqrt((20.0*20.0 - 1.0) / 12.0)
	assert.InDelta(t, 10.5, bands.Middle, 1e-6)
	assert.InDelta(t, 10.5+2*sigma, bands.Upper, 1e-6)
	assert.InDelta(t, 10.5-2*sigma, bands.Lower, 1e-6)

	assert.Nil(t, CalculateBollingerBands(rampSeries(1, 1, 19), 20, 2.0), "insufficient data")
}

func TestBollingerBands_Position(t *testing.T) {
	bands := BollingerBands{Upper: 110, Middle: 100, Lower: 90}

	assert.InDelta(t, 0.5, bands.Position(100), 1e-9)
	assert.InDelta(t, 1.0, bands.Position(110), 1e-9)
	assert.InDelta(t, 0.0, bands.Position(90), 1e-9)
	assert.InDelta(t, 0.75, bands.Position(105), 1e-9)
	assert.InDelta(t, 1.0, bands.Position(150), 1e-9, "clamped above")
	assert.InDelta(t, 0.0, bands.Position(50), 1e-9, "clamped below")

	collapsed := BollingerBands{Upper: 100, Middle: 100, Lower: 100}
	assert.InDelta(t, 0.5, collapsed.Position(100), 1e-9)
}

package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestOHLCVBar_Validate(t *testing.T) {
	base := OHLCVBar{
		Symbol:    "CDR",
		Timestamp: mustTime("2026-03-02T09:05:00Z"),
		Open:      dec("265.00"),
		High:      dec("266.50"),
		Low:       dec("264.10"),
		Close:     dec("265.20"),
		Volume:    12000,
	}

	testCases := []struct {
		name    string
		mutate  func(*OHLCVBar)
		wantErr bool
	}{
		{name: "valid bar", mutate: func(b *OHLCVBar) {}, wantErr: false},
		{name: "low above close", mutate: func(b *OHLCVBar) { b.Low = dec("265.30") }, wantErr: true},
		{name: "high below open", mutate: func(b *OHLCVBar) { b.High = dec("264.90") }, wantErr: true},
		{name: "negative volume", mutate: func(b *OHLCVBar) { b.Volume = -1 }, wantErr: true},
		{name: "empty symbol", mutate: func(b *OHLCVBar) { b.Symbol = "" }, wantErr: true},
		{name: "flat bar", mutate: func(b *OHLCVBar) {
			b.Open, b.High, b.Low, b.Close = dec("10"), dec("10"), dec("10"), dec("10")
		}, wantErr: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bar := base
			tc.mutate(&bar)
			err := bar.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, KindInvariant, KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTradingSignal_Validate_EnvelopeOrdering(t *testing.T) {
	buy := TradingSignal{
		Type:          SignalBuy,
		Confidence:    82,
		PriceAtSignal: dec("265.20"),
		TargetPrice:   dec("273.1560"),
		StopLossPrice: dec("259.8960"),
	}
	assert.NoError(t, buy.Validate())

	// Inverted envelope must be rejected.
	bad := buy
	bad.TargetPrice = dec("260.00")
	assert.Error(t, bad.Validate())

	sell := TradingSignal{
		Type:          SignalSell,
		Confidence:    70,
		PriceAtSignal: dec("86.91"),
		TargetPrice:   dec("84.30"),
		StopLossPrice: dec("88.65"),
	}
	assert.NoError(t, sell.Validate())

	badSell := sell
	badSell.StopLossPrice = dec("85.00")
	assert.Error(t, badSell.Validate())

	// Hold signals carry no envelope.
	hold := TradingSignal{Type: SignalHold, Confidence: 0}
	assert.NoError(t, hold.Validate())
}

func TestRealisedReturnPct(t *testing.T) {
	// Buy entered at 265.20, exited at target 273.1560: +3.00%.
	got := RealisedReturnPct(SignalBuy, dec("265.20"), dec("273.1560"))
	assert.True(t, got.Equal(dec("3.0000")), "got %s", got)

	// Buy stopped at 259.8960: -2.00%.
	got = RealisedReturnPct(SignalBuy, dec("265.20"), dec("259.8960"))
	assert.True(t, got.Equal(dec("-2.0000")), "got %s", got)

	// Sell entered at 86.91, closed at 86.50: positive for a short.
	got = RealisedReturnPct(SignalSell, dec("86.91"), dec("86.50"))
	assert.True(t, got.GreaterThan(dec("0.47")) && got.LessThan(dec("0.48")), "got %s", got)

	// Zero entry yields zero, never a division error.
	got = RealisedReturnPct(SignalBuy, decimal.Zero, dec("10"))
	assert.True(t, got.IsZero())
}

func TestUserPreferences_EffectiveRiskParams(t *testing.T) {
	prefs := DefaultPreferences(1)
	require.NoError(t, prefs.Validate())

	// Moderate style keeps the base percentages.
	assert.True(t, prefs.EffectiveTargetProfitPct().Equal(dec("0.03")),
		"target: %s", prefs.EffectiveTargetProfitPct())
	assert.True(t, prefs.EffectiveStopLossPct().Equal(dec("0.02")),
		"stop: %s", prefs.EffectiveStopLossPct())

	// Scalping tightens both.
	prefs.TradingStyle = StyleScalping
	assert.True(t, prefs.EffectiveTargetProfitPct().Equal(dec("0.012")))
	assert.True(t, prefs.EffectiveStopLossPct().Equal(dec("0.01")))

	// Swing widens both.
	prefs.TradingStyle = StyleSwing
	assert.True(t, prefs.EffectiveTargetProfitPct().Equal(dec("0.06")))
	assert.True(t, prefs.EffectiveStopLossPct().Equal(dec("0.03")))
}

func TestUserPreferences_Validate(t *testing.T) {
	prefs := DefaultPreferences(1)

	prefs.MinConfidenceThreshold = 20
	assert.Error(t, prefs.Validate())

	prefs.MinConfidenceThreshold = 96
	assert.Error(t, prefs.Validate())

	prefs.MinConfidenceThreshold = 60
	prefs.MaxSignalsPerDay = 0
	assert.Error(t, prefs.Validate())

	prefs.MaxSignalsPerDay = 5
	prefs.TradingStyle = TradingStyle("yolo")
	assert.Error(t, prefs.Validate())
}

func TestPositionSizing(t *testing.T) {
	prefs := DefaultPreferences(1)
	prefs.AvailableCapital = dec("10000")

	// 10% of 10000 = 1000 PLN.
	value := prefs.PositionValue()
	assert.True(t, value.Equal(dec("1000")), "got %s", value)

	// Integer shares, floored.
	assert.Equal(t, int64(3), SharesFor(value, dec("265.20")))
	assert.Equal(t, int64(0), SharesFor(value, decimal.Zero))

	// Position value never exceeds available capital.
	prefs.MaxPositionSizePct = dec("150")
	assert.True(t, prefs.PositionValue().Equal(dec("10000")))

	// No capital configured: no position.
	prefs.AvailableCapital = decimal.Zero
	assert.True(t, prefs.PositionValue().IsZero())
}

func TestSignalType_Opposite(t *testing.T) {
	assert.Equal(t, SignalSell, SignalBuy.Opposite())
	assert.Equal(t, SignalBuy, SignalSell.Opposite())
	assert.Equal(t, SignalHold, SignalHold.Opposite())
}

func TestClassification_Validate(t *testing.T) {
	c := Classification{
		OverallSentiment: SentimentPositive,
		SentimentScore:   0.7,
		Confidence:       0.85,
		Impact:           ImpactHigh,
		PerStock: []StockSentiment{
			{Symbol: "PKN", SentimentScore: 0.9, Confidence: 0.95, Relevance: 0.8},
		},
	}
	assert.NoError(t, c.Validate([]string{"PKN", "PKO"}))

	// Per-stock entries must reference mentioned symbols only.
	assert.Error(t, c.Validate([]string{"PKO"}))

	c.SentimentScore = 1.5
	assert.Error(t, c.Validate([]string{"PKN"}))
}

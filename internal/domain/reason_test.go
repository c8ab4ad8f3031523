package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestReason_JSONDiscriminator(t *testing.T) {
	testCases := []struct {
		name   string
		reason Reason
	}{
		{
			name:   "insufficient data",
			reason: InsufficientDataReason(),
		},
		{
			name: "technical votes",
			reason: TechnicalReason(TechnicalVotes{
				Bullish: []string{"rsi_oversold", "below_lower_band", "macd_cross_up", "sma_cross_up"},
			}),
		},
		{
			name: "news adjusted",
			reason: NewsAdjustedReason(NewsAdjustment{
				Technical:         TechnicalVotes{Bullish: []string{"rsi_oversold"}},
				OriginalType:      SignalBuy,
				OriginalConf:      60,
				WeightedSentiment: 0.62,
				Impact:            ImpactHigh,
				Boost:             22.5,
			}),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.reason)
			require.NoError(t, err)

			var got Reason
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tc.reason.Kind, got.Kind)
			assert.Equal(t, tc.reason.Technical, got.Technical)
			assert.Equal(t, tc.reason.News, got.News)
		})
	}
}

func TestReason_UnmarshalRejectsUnknownKind(t *testing.T) {
	var r Reason
	err := json.Unmarshal([]byte(`{"kind":"astrology"}`), &r)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{}`), &r)
	assert.Error(t, err)
}

func TestReason_Summary(t *testing.T) {
	veto := NewsAdjustedReason(NewsAdjustment{
		OriginalType:      SignalBuy,
		WeightedSentiment: -0.72,
		Impact:            ImpactVeryHigh,
		Veto:              true,
	})
	assert.Contains(t, veto.Summary(), "news_veto")

	assert.Equal(t, "insufficient data", InsufficientDataReason().Summary())
}

func TestNewsAggregate_HasNews(t *testing.T) {
	empty := NewsAggregate{Symbol: "CDR"}
	assert.False(t, empty.HasNews())

	filled := NewsAggregate{Symbol: "CDR", ArticleCount: 2, TotalWeight: 1.2}
	assert.True(t, filled.HasNews())
}

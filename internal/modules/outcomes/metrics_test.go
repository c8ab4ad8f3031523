package outcomes

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojtczak/sygnal/internal/domain"
)

func resolvedSignal(sigType domain.SignalType, res domain.Resolution, realised string, holding int64) domain.TradingSignal {
	sig := domain.TradingSignal{
		ID:            uuid.NewString(),
		UserID:        1,
		Symbol:        "CDR",
		SessionKey:    "2026-02-02",
		CreatedAt:     time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Type:          sigType,
		Confidence:    70,
		PriceAtSignal: decimal.RequireFromString("100"),
	}
	sig.Outcome = &domain.SignalOutcome{
		SignalID:       sig.ID,
		Resolution:     res,
		ExitPrice:      decimal.RequireFromString("100"),
		ExitAt:         sig.CreatedAt.Add(time.Duration(holding) * time.Minute),
		RealisedPct:    decimal.RequireFromString(realised),
		HoldingMinutes: holding,
	}
	return sig
}

func pendingSignal(sigType domain.SignalType) domain.TradingSignal {
	return domain.TradingSignal{
		ID:            uuid.NewString(),
		UserID:        1,
		Symbol:        "PKN",
		SessionKey:    "2026-02-02",
		CreatedAt:     time.Date(2026, 2, 2, 11, 0, 0, 0, time.UTC),
		Type:          sigType,
		Confidence:    60,
		PriceAtSignal: decimal.RequireFromString("100"),
	}
}

func withNews(sig domain.TradingSignal, sentiment float64) domain.TradingSignal {
	sig.NewsImpact = &domain.NewsAggregate{
		Symbol:            sig.Symbol,
		WeightedSentiment: sentiment,
		TotalWeight:       2.5,
		ArticleCount:      3,
	}
	return sig
}

func TestComputeDailyMetrics_MixedSession(t *testing.T) {
	signals := []domain.TradingSignal{
		withNews(resolvedSignal(domain.SignalBuy, domain.ResolutionTargetHit, "3", 95), 0.62),
		withNews(resolvedSignal(domain.SignalBuy, domain.ResolutionStopHit, "-2", 30), -0.4),
		resolvedSignal(domain.SignalSell, domain.ResolutionSessionClose, "0.5", 240),
		resolvedSignal(domain.SignalBuy, domain.ResolutionCancelled, "-0.75", 15),
		pendingSignal(domain.SignalBuy),
		{Type: domain.SignalHold, Symbol: "KGH"},
	}

	m := ComputeDailyMetrics("2026-02-02", signals)

	assert.Equal(t, "2026-02-02", m.SessionKey)
	assert.Equal(t, 5, m.Total, "holds carry no position and are not counted")
	assert.Equal(t, 1, m.TargetHits)
	assert.Equal(t, 1, m.StopHits)
	assert.Equal(t, 1, m.SessionCloses)
	assert.Equal(t, 1, m.Cancelled)
	assert.Equal(t, 1, m.Pending)
	assert.Equal(t, 2, m.Profitable)

	// The cancelled signal's -0.75% never enters the return stats.
	assert.InDelta(t, 200.0/3.0, m.WinRate, 1e-9)
	assert.InDelta(t, 0.5, m.MeanReturnPct, 1e-9)
	assert.InDelta(t, 2.5, m.StdDevReturnPct, 1e-9)
	assert.InDelta(t, 3.0, m.BestReturnPct, 1e-9)
	assert.InDelta(t, -2.0, m.WorstReturnPct, 1e-9)
	assert.InDelta(t, 365.0/3.0, m.AvgHoldingMinutes, 1e-9)

	assert.Equal(t, 2, m.NewsSignals)
	assert.InDelta(t, 1.0, m.NewsCorrelation, 1e-9, "sentiment and return move together")
}

func TestComputeDailyMetrics_EmptySession(t *testing.T) {
	m := ComputeDailyMetrics("2026-02-03", nil)
	assert.Equal(t, DailyMetrics{SessionKey: "2026-02-03"}, m)
}

func TestComputeDailyMetrics_SingleResolution(t *testing.T) {
	signals := []domain.TradingSignal{
		resolvedSignal(domain.SignalBuy, domain.ResolutionTargetHit, "1.25", 40),
	}

	m := ComputeDailyMetrics("2026-02-02", signals)

	assert.Equal(t, 100.0, m.WinRate)
	assert.InDelta(t, 1.25, m.MeanReturnPct, 1e-9)
	assert.Zero(t, m.StdDevReturnPct, "one sample has no spread")
	assert.InDelta(t, 1.25, m.BestReturnPct, 1e-9)
	assert.InDelta(t, 1.25, m.WorstReturnPct, 1e-9)
	assert.InDelta(t, 40.0, m.AvgHoldingMinutes, 1e-9)
}

func TestComputeDailyMetrics_AllPending(t *testing.T) {
	signals := []domain.TradingSignal{
		pendingSignal(domain.SignalBuy),
		pendingSignal(domain.SignalSell),
	}

	m := ComputeDailyMetrics("2026-02-02", signals)

	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 2, m.Pending)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.MeanReturnPct)
	assert.Zero(t, m.BestReturnPct)
}

func TestComputeDailyMetrics_CancelledNewsIsNotCounted(t *testing.T) {
	signals := []domain.TradingSignal{
		withNews(resolvedSignal(domain.SignalBuy, domain.ResolutionCancelled, "-0.5", 10), 0.7),
		resolvedSignal(domain.SignalBuy, domain.ResolutionTargetHit, "2", 60),
	}

	m := ComputeDailyMetrics("2026-02-02", signals)

	assert.Zero(t, m.NewsSignals)
	assert.Zero(t, m.NewsCorrelation)
}

func TestComputeDailyMetrics_NewsCorrelationSign(t *testing.T) {
	// Sentiment rises while the realised return falls.
	signals := []domain.TradingSignal{
		withNews(resolvedSignal(domain.SignalBuy, domain.ResolutionStopHit, "-2", 20), 0.8),
		withNews(resolvedSignal(domain.SignalBuy, domain.ResolutionSessionClose, "0.5", 120), 0.1),
		withNews(resolvedSignal(domain.SignalBuy, domain.ResolutionTargetHit, "3", 45), -0.5),
	}

	m := ComputeDailyMetrics("2026-02-02", signals)

	assert.Equal(t, 3, m.NewsSignals)
	assert.InDelta(t, -0.9991, m.NewsCorrelation, 0.0005)
}

type fakeSessionSource struct {
	signals []domain.TradingSignal
	err     error
}

func (f fakeSessionSource) ForSession(string) ([]domain.TradingSignal, error) {
	return f.signals, f.err
}

func TestReporter_Daily(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	source := fakeSessionSource{signals: []domain.TradingSignal{
		resolvedSignal(domain.SignalBuy, domain.ResolutionTargetHit, "3", 95),
	}}

	m, err := NewReporter(source, log).Daily("2026-02-02")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-02", m.SessionKey)
	assert.Equal(t, 1, m.TargetHits)
}

func TestReporter_DailyLoadFailure(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	source := fakeSessionSource{err: errors.New("database locked")}

	_, err := NewReporter(source, log).Daily("2026-02-02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load session 2026-02-02")
}

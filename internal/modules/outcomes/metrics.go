package outcomes

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/wojtczak/sygnal/internal/domain"
)

// SessionSource lists a session's signals with outcomes attached.
type SessionSource interface {
	ForSession(sessionKey string) ([]domain.TradingSignal, error)
}

// DailyMetrics aggregates one session's realised performance. Cancelled
// signals are counted but excluded from the return statistics; their slot
// was re-traded by the successor.
type DailyMetrics struct {
	SessionKey        string  `json:"session_key"`
	Total             int     `json:"total"`
	TargetHits        int     `json:"target_hits"`
	StopHits          int     `json:"stop_hits"`
	SessionCloses     int     `json:"session_closes"`
	Cancelled         int     `json:"cancelled"`
	Pending           int     `json:"pending"`
	Profitable        int     `json:"profitable"`
	WinRate           float64 `json:"win_rate"`
	MeanReturnPct     float64 `json:"mean_return_pct"`
	StdDevReturnPct   float64 `json:"stddev_return_pct"`
	BestReturnPct     float64 `json:"best_return_pct"`
	WorstReturnPct    float64 `json:"worst_return_pct"`
	AvgHoldingMinutes float64 `json:"avg_holding_minutes"`
	NewsSignals       int     `json:"news_signals"`
	NewsCorrelation   float64 `json:"news_correlation"`
}

// Reporter computes outcome metrics for the ops surface and the status CLI.
type Reporter struct {
	signals SessionSource
	log     zerolog.Logger
}

// NewReporter creates the metrics reporter.
func NewReporter(signals SessionSource, log zerolog.Logger) *Reporter {
	return &Reporter{
		signals: signals,
		log:     log.With().Str("service", "outcome_metrics").Logger(),
	}
}

// Daily loads the session's signals and folds them into aggregate metrics.
func (r *Reporter) Daily(sessionKey string) (DailyMetrics, error) {
	signals, err := r.signals.ForSession(sessionKey)
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("failed to load session %s: %w", sessionKey, err)
	}
	return ComputeDailyMetrics(sessionKey, signals), nil
}

// ComputeDailyMetrics folds a session's signals into aggregate performance.
// Market resolutions (target, stop, session close) feed the return stats;
// WinRate is the profitable share of those. NewsCorrelation is the Pearson
// correlation between weighted news sentiment and the realised return of
// news-touched signals.
func ComputeDailyMetrics(sessionKey string, signals []domain.TradingSignal) DailyMetrics {
	m := DailyMetrics{SessionKey: sessionKey}

	var (
		returns     []float64
		holdings    []float64
		sentiments  []float64
		newsReturns []float64
	)

	for i := range signals {
		sig := signals[i]
		if sig.Type == domain.SignalHold {
			// Holds carry no position.
			continue
		}
		m.Total++

		if sig.Outcome == nil {
			m.Pending++
			continue
		}
		o := sig.Outcome

		switch o.Resolution {
		case domain.ResolutionTargetHit:
			m.TargetHits++
		case domain.ResolutionStopHit:
			m.StopHits++
		case domain.ResolutionSessionClose:
			m.SessionCloses++
		case domain.ResolutionCancelled:
			m.Cancelled++
			continue
		default:
			continue
		}

		ret, _ := o.RealisedPct.Float64()
		returns = append(returns, ret)
		holdings = append(holdings, float64(o.HoldingMinutes))
		if ret > 0 {
			m.Profitable++
		}

		if sig.NewsImpact != nil && sig.NewsImpact.HasNews() {
			m.NewsSignals++
			sentiments = append(sentiments, sig.NewsImpact.WeightedSentiment)
			newsReturns = append(newsReturns, ret)
		}
	}

	if len(returns) > 0 {
		m.WinRate = float64(m.Profitable) / float64(len(returns)) * 100
		m.MeanReturnPct = stat.Mean(returns, nil)
		m.BestReturnPct = floats.Max(returns)
		m.WorstReturnPct = floats.Min(returns)
		m.AvgHoldingMinutes = stat.Mean(holdings, nil)
	}
	if len(returns) > 1 {
		if sd := stat.StdDev(returns, nil); !math.IsNaN(sd) {
			m.StdDevReturnPct = sd
		}
	}
	if len(sentiments) > 1 {
		if c := stat.Correlation(sentiments, newsReturns, nil); !math.IsNaN(c) {
			m.NewsCorrelation = c
		}
	}
	return m
}

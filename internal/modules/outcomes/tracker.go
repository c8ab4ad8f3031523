// Package outcomes resolves open signals against recorded bars and
// aggregates the realised performance of a session.
package outcomes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// SignalSource is the slice of the signal ledger the tracker consumes.
type SignalSource interface {
	Unresolved(limit int) ([]domain.TradingSignal, error)
	UnresolvedForSession(sessionKey string) ([]domain.TradingSignal, error)
	AttachOutcome(outcome domain.SignalOutcome) error
}

// BarSource reads recorded bars.
type BarSource interface {
	BarsBetween(symbol string, from, to time.Time) ([]domain.OHLCVBar, error)
}

// TrackerConfig tunes the resolution sweeps.
type TrackerConfig struct {
	// BatchSize caps how many signals one mid-session sweep examines.
	BatchSize int
}

// Tracker finalises signals. Mid-session sweeps resolve target and stop
// touches; the close sweep settles whatever remains at the session's last
// recorded bar. Outcomes are write-once, so sweeps can always be re-run.
type Tracker struct {
	cfg     TrackerConfig
	signals SignalSource
	bars    BarSource
	clock   domain.Clock
	events  *events.Manager
	log     zerolog.Logger
}

// NewTracker wires the outcome tracker.
func NewTracker(
	cfg TrackerConfig,
	signals SignalSource,
	bars BarSource,
	clock domain.Clock,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Tracker{
		cfg:     cfg,
		signals: signals,
		bars:    bars,
		clock:   clock,
		events:  eventManager,
		log:     log.With().Str("service", "outcomes").Logger(),
	}
}

// Stats summarises one resolution sweep.
type Stats struct {
	Checked    int
	TargetHits int
	StopHits   int
	Closed     int
	StillOpen  int
	Failures   int
}

// Resolve scans unresolved signals and finalises the first target or stop
// touch in bar order. Signals whose envelope has not fired yet stay open.
func (t *Tracker) Resolve(ctx context.Context) (Stats, error) {
	sigs, err := t.signals.Unresolved(t.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list unresolved signals: %w", err)
	}
	return t.resolve(ctx, sigs, t.clock.Now().UTC(), false)
}

// CloseSession finalises everything still unresolved for the session. A
// signal whose envelope never fired exits at the session's last recorded
// bar; one with no bars after creation exits flat at its entry price.
func (t *Tracker) CloseSession(ctx context.Context, sessionKey string) (Stats, error) {
	sigs, err := t.signals.UnresolvedForSession(sessionKey)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list unresolved signals for %s: %w", sessionKey, err)
	}

	// Cap the bar window at the session's day so a late re-run cannot settle
	// against bars from a following session.
	to := t.clock.Now().UTC()
	if day, err := time.Parse("2006-01-02", sessionKey); err == nil {
		if end := day.AddDate(0, 0, 1); end.Before(to) {
			to = end
		}
	}

	return t.resolve(ctx, sigs, to, true)
}

func (t *Tracker) resolve(ctx context.Context, sigs []domain.TradingSignal, to time.Time, settle bool) (Stats, error) {
	var stats Stats

	for i := range sigs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		sig := sigs[i]
		stats.Checked++

		bars, err := t.bars.BarsBetween(sig.Symbol, sig.CreatedAt, to)
		if err != nil {
			stats.Failures++
			t.log.Warn().Err(err).Str("signal_id", sig.ID).Str("symbol", sig.Symbol).
				Msg("Failed to read bars, leaving signal open")
			continue
		}

		outcome := firstTouch(sig, bars)
		if outcome == nil && settle {
			outcome = settleAtClose(sig, bars)
		}
		if outcome == nil {
			stats.StillOpen++
			continue
		}

		if err := t.signals.AttachOutcome(*outcome); err != nil {
			if domain.KindOf(err) == domain.KindInvariant {
				// Raced another writer (a supersede or a parallel sweep);
				// the first resolution stands.
				t.log.Debug().Str("signal_id", sig.ID).Msg("Outcome already attached")
				continue
			}
			stats.Failures++
			t.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("Failed to attach outcome")
			continue
		}

		switch outcome.Resolution {
		case domain.ResolutionTargetHit:
			stats.TargetHits++
		case domain.ResolutionStopHit:
			stats.StopHits++
		default:
			stats.Closed++
		}
		t.emitResolved(sig, *outcome)
		t.log.Info().
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Str("resolution", string(outcome.Resolution)).
			Str("realised_pct", outcome.RealisedPct.String()).
			Int64("holding_minutes", outcome.HoldingMinutes).
			Msg("Signal resolved")
	}

	if stats.Checked > 0 {
		t.log.Info().
			Int("checked", stats.Checked).
			Int("target_hits", stats.TargetHits).
			Int("stop_hits", stats.StopHits).
			Int("closed", stats.Closed).
			Int("still_open", stats.StillOpen).
			Int("failures", stats.Failures).
			Msg("Outcome sweep finished")
	}
	return stats, nil
}

// firstTouch returns the earliest bar-level resolution, or nil when neither
// envelope level was touched. When one bar spans both levels the target
// wins.
func firstTouch(sig domain.TradingSignal, bars []domain.OHLCVBar) *domain.SignalOutcome {
	for i := range bars {
		bar := bars[i]

		var (
			resolution domain.Resolution
			exit       decimal.Decimal
		)
		switch sig.Type {
		case domain.SignalBuy:
			switch {
			case bar.High.GreaterThanOrEqual(sig.TargetPrice):
				resolution, exit = domain.ResolutionTargetHit, sig.TargetPrice
			case bar.Low.LessThanOrEqual(sig.StopLossPrice):
				resolution, exit = domain.ResolutionStopHit, sig.StopLossPrice
			default:
				continue
			}
		case domain.SignalSell:
			switch {
			case bar.Low.LessThanOrEqual(sig.TargetPrice):
				resolution, exit = domain.ResolutionTargetHit, sig.TargetPrice
			case bar.High.GreaterThanOrEqual(sig.StopLossPrice):
				resolution, exit = domain.ResolutionStopHit, sig.StopLossPrice
			default:
				continue
			}
		default:
			return nil
		}
		return outcomeAt(sig, resolution, exit, bar.Timestamp)
	}
	return nil
}

// settleAtClose exits at the last recorded bar, or flat at the entry price
// when the session produced no bars after the signal.
func settleAtClose(sig domain.TradingSignal, bars []domain.OHLCVBar) *domain.SignalOutcome {
	if len(bars) == 0 {
		return outcomeAt(sig, domain.ResolutionSessionClose, sig.PriceAtSignal, sig.CreatedAt)
	}
	last := bars[len(bars)-1]
	return outcomeAt(sig, domain.ResolutionSessionClose, last.Close, last.Timestamp)
}

func outcomeAt(sig domain.TradingSignal, resolution domain.Resolution, exit decimal.Decimal, at time.Time) *domain.SignalOutcome {
	exitAt := at.UTC()
	return &domain.SignalOutcome{
		SignalID:       sig.ID,
		Resolution:     resolution,
		ExitPrice:      exit,
		ExitAt:         exitAt,
		RealisedPct:    domain.RealisedReturnPct(sig.Type, sig.PriceAtSignal, exit),
		HoldingMinutes: int64(exitAt.Sub(sig.CreatedAt.UTC()).Minutes()),
	}
}

func (t *Tracker) emitResolved(sig domain.TradingSignal, o domain.SignalOutcome) {
	if t.events == nil {
		return
	}
	t.events.EmitTyped(events.SignalResolved, "outcomes", &events.SignalResolvedData{
		SignalID:        o.SignalID,
		Resolution:      string(o.Resolution),
		RealisedPct:     o.RealisedPct.String(),
		HoldingMinutes:  o.HoldingMinutes,
		ExitPrice:       o.ExitPrice.String(),
		SessionKey:      sig.SessionKey,
		UserID:          sig.UserID,
		Symbol:          sig.Symbol,
		SignalType:      string(sig.Type),
		ConfidenceAtGen: sig.Confidence,
	})
}

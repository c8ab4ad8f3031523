// Package signals turns indicator sets and news sentiment into per-user
// trading signals and persists them to ledger.db. The generator is pure;
// eligibility filtering, deduplication, and persistence happen in Service.
package signals

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/modules/indicators"
)

// Vote thresholds and confidence arithmetic for the technical score.
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0

	minVotesForSide = 3
	baseConfidence  = 50.0 // preliminary confidence at exactly three votes
	votesStep       = 10.0 // added per vote beyond three
	sideCeiling     = 90.0 // preliminary confidence is clamped here
	holdConfidence  = 30.0 // neutral candidate, below every valid threshold

	// News gates. Sentiment is the analyzer's weighted score in [-1, +1].
	boostSentimentGate      = 0.5 // aligned news boosts a side candidate
	vetoSentimentGate       = 0.7 // opposing significant news vetoes it
	conversionSentimentGate = 0.8 // extreme very_high news converts a hold

	significantBoostFactor = 1.5
	conversionBase         = 60.0
	conversionSpan         = 30.0

	// DefaultNewsBoost is the base confidence boost applied when news
	// sentiment aligns with a technical candidate.
	DefaultNewsBoost = 15.0
)

// profileScales maps the signal profile to the multiplier applied to every
// news-driven confidence adjustment.
var profileScales = map[string]float64{
	"conservative": 0.5,
	"balanced":     1.0,
	"aggressive":   1.5,
}

// GeneratorConfig tunes the news adjustment step.
type GeneratorConfig struct {
	Profile   string  // conservative, balanced, or aggressive
	NewsBoost float64 // base boost, default 15
}

// Generator scores one (indicator set, news aggregate, preferences) triple
// into a decision. It holds no state beyond configuration and is safe for
// concurrent use.
type Generator struct {
	cfg   GeneratorConfig
	scale float64
	log   zerolog.Logger
}

// NewGenerator validates the profile and builds a generator.
func NewGenerator(cfg GeneratorConfig, log zerolog.Logger) (*Generator, error) {
	if cfg.NewsBoost <= 0 {
		cfg.NewsBoost = DefaultNewsBoost
	}

	scale, ok := profileScales[cfg.Profile]
	if !ok {
		return nil, domain.NewConfigError(fmt.Sprintf("unknown signal profile %q", cfg.Profile))
	}

	return &Generator{
		cfg:   cfg,
		scale: scale,
		log:   log.With().Str("component", "signal_generator").Logger(),
	}, nil
}

// Decision is the outcome of evaluating one stock for one user. The risk
// envelope is populated only for non-hold decisions.
type Decision struct {
	Type           domain.SignalType
	Confidence     float64
	Reason         domain.Reason
	News           *domain.NewsAggregate
	ModifiedByNews bool

	PriceAtSignal decimal.Decimal
	TargetPrice   decimal.Decimal
	StopLossPrice decimal.Decimal
	PositionSize  int64
}

// Evaluate scores the indicator set, applies at most one news adjustment,
// enforces the user's confidence threshold, and derives the risk envelope.
// An incomplete indicator window yields hold with confidence 0, which no
// news aggregate may modify.
func (g *Generator) Evaluate(set *indicators.IndicatorSet, news domain.NewsAggregate, prefs domain.UserPreferences) Decision {
	if set == nil || !set.Complete() {
		return Decision{
			Type:   domain.SignalHold,
			Reason: domain.InsufficientDataReason(),
		}
	}

	votes := CollectVotes(set)
	sigType, conf := scoreVotes(votes)
	reason := domain.TechnicalReason(votes)
	modified := false

	if news.HasNews() {
		if newType, newConf, adj, applied := g.adjust(sigType, conf, votes, news); applied {
			sigType, conf = newType, newConf
			reason = domain.NewsAdjustedReason(adj)
			modified = true

			g.log.Debug().
				Str("symbol", set.Symbol).
				Str("type", string(sigType)).
				Float64("sentiment", news.WeightedSentiment).
				Str("impact", string(news.Impact)).
				Bool("veto", adj.Veto).
				Bool("converted", adj.Converted).
				Msg("News adjusted technical candidate")
		}
	}

	conf = math.Floor(clamp(conf, 0, 100))

	if sigType != domain.SignalHold && conf < prefs.MinConfidenceThreshold {
		sigType = domain.SignalHold
	}

	d := Decision{
		Type:           sigType,
		Confidence:     conf,
		Reason:         reason,
		ModifiedByNews: modified,
	}
	if news.HasNews() {
		agg := news
		d.News = &agg
	}
	if sigType != domain.SignalHold {
		d.PriceAtSignal, d.TargetPrice, d.StopLossPrice = envelope(sigType, set.Close, prefs)
		d.PositionSize = domain.SharesFor(prefs.PositionValue(), d.PriceAtSignal)
	}

	return d
}

// CollectVotes evaluates the four indicator checks. Each indicator casts at
// most one vote. Bollinger votes on band regions: any close below the middle
// band counts bullish, below the lower band under its stronger name, and the
// bearish side mirrors.
func CollectVotes(set *indicators.IndicatorSet) domain.TechnicalVotes {
	var votes domain.TechnicalVotes

	if set.RSI != nil {
		switch {
		case *set.RSI < rsiOversold:
			votes.Bullish = append(votes.Bullish, "rsi_oversold")
		case *set.RSI > rsiOverbought:
			votes.Bearish = append(votes.Bearish, "rsi_overbought")
		}
	}

	if b := set.Bollinger; b != nil {
		switch {
		case set.Close < b.Middle:
			name := "lower_half"
			if set.Close <= b.Lower {
				name = "below_lower_band"
			}
			votes.Bullish = append(votes.Bullish, name)
		case set.Close > b.Middle:
			name := "upper_half"
			if set.Close >= b.Upper {
				name = "above_upper_band"
			}
			votes.Bearish = append(votes.Bearish, name)
		}
	}

	switch {
	case set.MACDCrossedAbove():
		votes.Bullish = append(votes.Bullish, "macd_cross_up")
	case set.MACDCrossedBelow():
		votes.Bearish = append(votes.Bearish, "macd_cross_down")
	}

	switch {
	case set.SMACrossedAbove():
		votes.Bullish = append(votes.Bullish, "sma_cross_up")
	case set.SMACrossedBelow():
		votes.Bearish = append(votes.Bearish, "sma_cross_down")
	}

	return votes
}

// scoreVotes requires at least three concurring votes for a side; anything
// less is a neutral hold candidate.
func scoreVotes(votes domain.TechnicalVotes) (domain.SignalType, float64) {
	if n := len(votes.Bullish); n >= minVotesForSide {
		return domain.SignalBuy, preliminaryConfidence(n)
	}
	if n := len(votes.Bearish); n >= minVotesForSide {
		return domain.SignalSell, preliminaryConfidence(n)
	}
	return domain.SignalHold, holdConfidence
}

func preliminaryConfidence(n int) float64 {
	return clamp(baseConfidence+votesStep*float64(n-minVotesForSide), baseConfidence, sideCeiling)
}

// adjust applies at most one news rule to the candidate: boost when
// sentiment aligns, veto when strongly opposed with significant impact, or
// conversion of a hold under extreme very_high news. Returns applied=false
// when no gate fires.
func (g *Generator) adjust(
	sigType domain.SignalType,
	conf float64,
	votes domain.TechnicalVotes,
	news domain.NewsAggregate,
) (domain.SignalType, float64, domain.NewsAdjustment, bool) {
	s := news.WeightedSentiment
	adj := domain.NewsAdjustment{
		Technical:         votes,
		OriginalType:      sigType,
		OriginalConf:      conf,
		WeightedSentiment: s,
		Impact:            news.Impact,
	}

	switch sigType {
	case domain.SignalBuy:
		if s <= -vetoSentimentGate && news.Impact.IsSignificant() {
			adj.Veto = true
			return domain.SignalHold, conf, adj, true
		}
		if s >= boostSentimentGate {
			adj.Boost = g.boost(news.Impact)
			return sigType, conf + adj.Boost, adj, true
		}

	case domain.SignalSell:
		if s >= vetoSentimentGate && news.Impact.IsSignificant() {
			adj.Veto = true
			return domain.SignalHold, conf, adj, true
		}
		if s <= -boostSentimentGate {
			adj.Boost = g.boost(news.Impact)
			return sigType, conf + adj.Boost, adj, true
		}

	case domain.SignalHold:
		if math.Abs(s) >= conversionSentimentGate && news.Impact == domain.ImpactVeryHigh {
			adj.Converted = true
			newType := domain.SignalBuy
			if s < 0 {
				newType = domain.SignalSell
			}
			return newType, conversionBase + math.Abs(s)*conversionSpan*g.scale, adj, true
		}
	}

	return sigType, conf, adj, false
}

// boost returns the profile-scaled confidence boost, raised for high and
// very_high impact news.
func (g *Generator) boost(impact domain.ImpactLevel) float64 {
	b := g.cfg.NewsBoost * g.scale
	if impact.IsSignificant() {
		b *= significantBoostFactor
	}
	return b
}

// envelope derives target and stop prices from the style-adjusted
// percentages. Buy targets above entry with the stop below; sell mirrors.
func envelope(sigType domain.SignalType, close float64, prefs domain.UserPreferences) (price, target, stop decimal.Decimal) {
	price = decimal.NewFromFloat(close)
	one := decimal.NewFromInt(1)
	tp := prefs.EffectiveTargetProfitPct()
	sl := prefs.EffectiveStopLossPct()

	if sigType == domain.SignalBuy {
		target = domain.RoundPrice(price.Mul(one.Add(tp)))
		stop = domain.RoundPrice(price.Mul(one.Sub(sl)))
	} else {
		target = domain.RoundPrice(price.Mul(one.Sub(tp)))
		stop = domain.RoundPrice(price.Mul(one.Add(sl)))
	}
	return price, target, stop
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

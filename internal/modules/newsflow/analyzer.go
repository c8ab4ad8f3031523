package newsflow

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/market"
)

// momentumSplit separates recent contributions from older ones when
// computing sentiment momentum.
const momentumSplit = 2 * time.Hour

// AnalyzerConfig tunes the aggregation window and filtering.
type AnalyzerConfig struct {
	Profile         string             // named profile, default intraday_default
	HalfLifeMinutes int                // overrides the profile half-life when > 0
	LookbackHours   int                // window length, default 168
	SourceWeights   map[string]float64 // feed id -> weight, absent means 1.0
	MinConfidence   float64            // classifications below this are ignored
}

func (c *AnalyzerConfig) applyDefaults() {
	if c.Profile == "" {
		c.Profile = ProfileIntradayDefault
	}
	if c.LookbackHours <= 0 {
		c.LookbackHours = 168
	}
}

// Analyzer turns classified articles into one time-weighted sentiment
// aggregate per stock. Each article contributes
//
//	w = sourceWeight · periodWeight(age) · impactWeight · exp(−ln2·age/halfLife)
//
// scaled by the breaking-news multiplier (significant impact within the last
// hour) and by the market-timing multiplier of the publication instant.
type Analyzer struct {
	store    domain.NewsStore
	calendar *market.Calendar
	clock    domain.Clock
	profile  Profile
	cfg      AnalyzerConfig
	log      zerolog.Logger
}

// NewAnalyzer resolves the configured profile and builds the analyzer.
func NewAnalyzer(
	cfg AnalyzerConfig,
	store domain.NewsStore,
	calendar *market.Calendar,
	clock domain.Clock,
	log zerolog.Logger,
) (*Analyzer, error) {
	cfg.applyDefaults()

	profile, err := ProfileByName(cfg.Profile)
	if err != nil {
		return nil, err
	}
	if cfg.HalfLifeMinutes > 0 {
		profile.HalfLifeMinutes = cfg.HalfLifeMinutes
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	return &Analyzer{
		store:    store,
		calendar: calendar,
		clock:    clock,
		profile:  profile,
		cfg:      cfg,
		log:      log.With().Str("component", "news_analyzer").Logger(),
	}, nil
}

// Profile returns the resolved profile, half-life override applied.
func (a *Analyzer) Profile() Profile {
	return a.profile
}

// Aggregate computes the weighted sentiment for one stock over the lookback
// window ending now. When no article carries weight the zero aggregate is
// returned, which HasNews reports as false.
func (a *Analyzer) Aggregate(symbol string) (domain.NewsAggregate, error) {
	now := a.clock.Now().UTC()
	since := now.Add(-time.Duration(a.cfg.LookbackHours) * time.Hour)

	articles, err := a.store.ClassifiedSince(symbol, since, now)
	if err != nil {
		return domain.NewsAggregate{}, fmt.Errorf("failed to load classified news for %s: %w", symbol, err)
	}

	agg := domain.NewsAggregate{
		Symbol:      symbol,
		WindowStart: since,
		WindowEnd:   now,
	}

	var (
		sumSW, sumW       float64
		recentSW, recentW float64
		olderSW, olderW   float64
		peak              domain.ImpactLevel
	)

	for _, article := range articles {
		c := article.Classification
		if c == nil || c.Confidence < a.cfg.MinConfidence {
			continue
		}
		score, ok := stockScore(c, symbol)
		if !ok {
			continue
		}

		age := now.Sub(article.PublishedAt)
		if age < 0 {
			age = 0
		}

		w := a.weight(article.Source, c.Impact, article.PublishedAt, age)
		if w <= 0 || w < a.profile.MinWeightThreshold {
			continue
		}

		sumSW += score * w
		sumW += w
		agg.ArticleCount++
		if peak == "" || c.Impact.Weight() > peak.Weight() {
			peak = c.Impact
		}

		if age <= momentumSplit {
			recentSW += score * w
			recentW += w
		} else {
			olderSW += score * w
			olderW += w
		}
	}

	if sumW == 0 {
		return agg, nil
	}

	agg.WeightedSentiment = sumSW / sumW
	agg.TotalWeight = sumW
	agg.Impact = peak
	if recentW > 0 && olderW > 0 {
		agg.Momentum = recentSW/recentW - olderSW/olderW
	}
	agg.Summary = a.summary(agg)

	a.log.Debug().
		Str("symbol", symbol).
		Int("articles", agg.ArticleCount).
		Float64("sentiment", agg.WeightedSentiment).
		Float64("momentum", agg.Momentum).
		Str("impact", string(agg.Impact)).
		Msg("Aggregated news sentiment")

	return agg, nil
}

// weight computes one article's contribution.
func (a *Analyzer) weight(source string, impact domain.ImpactLevel, publishedAt time.Time, age time.Duration) float64 {
	w := a.sourceWeight(source) * a.profile.periodWeight(age) * impact.Weight() * a.profile.decay(age)

	if impact.IsSignificant() && age <= time.Hour {
		w *= a.profile.BreakingMultiplier
	}

	switch {
	case a.calendar.IsInSession(publishedAt):
		w *= a.profile.MarketHoursMultiplier
	case a.calendar.IsPreMarket(publishedAt):
		w *= a.profile.PreMarketMultiplier
	}

	return w
}

func (a *Analyzer) sourceWeight(source string) float64 {
	if w, ok := a.cfg.SourceWeights[source]; ok {
		return w
	}
	return 1.0
}

func (a *Analyzer) summary(agg domain.NewsAggregate) string {
	noun := "articles"
	if agg.ArticleCount == 1 {
		noun = "article"
	}
	return fmt.Sprintf("%d %s over %dh, weighted sentiment %+.2f, peak impact %s",
		agg.ArticleCount, noun, a.cfg.LookbackHours, agg.WeightedSentiment, agg.Impact)
}

// stockScore extracts the per-stock sentiment entry for the symbol.
func stockScore(c *domain.Classification, symbol string) (float64, bool) {
	for _, ps := range c.PerStock {
		if ps.Symbol == symbol {
			return ps.SentimentScore, true
		}
	}
	return 0, false
}

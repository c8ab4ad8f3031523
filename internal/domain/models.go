// Package domain provides the core domain models shared by every module:
// stocks, OHLCV bars, news articles and their classifications, user trading
// preferences, trading signals, and signal outcomes.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits carried by every persisted
// price. Division and quantisation round half-to-even.
const PriceScale = 4

// RoundPrice quantises a price to PriceScale digits using banker's rounding.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(PriceScale)
}

// Stock is a GPW-listed instrument known to the engine. Stocks are imported
// by the operator; the engine only reads them.
type Stock struct {
	Symbol      string `json:"symbol"` // 3-6 upper-case letters, unique
	Name        string `json:"name"`
	Market      string `json:"market"`
	Industry    string `json:"industry"`
	IsMonitored bool   `json:"is_monitored"`
}

// OHLCVBar is a single minute-aligned price bar. Bars are append-only and
// unique per (symbol, timestamp).
type OHLCVBar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"` // UTC, minute-aligned
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// Validate checks the bar invariants: low <= open,close <= high and a
// non-negative volume. Bars failing validation are never persisted.
func (b OHLCVBar) Validate() error {
	if b.Symbol == "" {
		return NewInvariantError("bar has empty symbol")
	}
	if b.Timestamp.IsZero() {
		return NewInvariantError("bar has zero timestamp")
	}
	if b.Volume < 0 {
		return NewInvariantError("bar volume is negative")
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return NewInvariantError("bar low exceeds open or close")
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return NewInvariantError("bar high is below open or close")
	}
	return nil
}

// Session is one trading day on the exchange, bounded by the local open and
// close times.
type Session struct {
	Date         time.Time `json:"date"` // local midnight, Europe/Warsaw
	Open         time.Time `json:"open"`
	Close        time.Time `json:"close"`
	IsTradingDay bool      `json:"is_trading_day"`
}

// Key returns the session identity used on signal records (YYYY-MM-DD local).
func (s Session) Key() string {
	return s.Date.Format("2006-01-02")
}

// Contains reports whether t falls inside the session window.
func (s Session) Contains(t time.Time) bool {
	if !s.IsTradingDay {
		return false
	}
	return !t.Before(s.Open) && !t.After(s.Close)
}

// Sentiment is the discrete sentiment label attached by the classifier.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ImpactLevel ranks the market-moving potential of an article.
type ImpactLevel string

const (
	ImpactMinimal  ImpactLevel = "minimal"
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactVeryHigh ImpactLevel = "very_high"
)

// Weight returns the aggregation weight for the impact level.
func (i ImpactLevel) Weight() float64 {
	switch i {
	case ImpactVeryHigh:
		return 2.0
	case ImpactHigh:
		return 1.5
	case ImpactMedium:
		return 1.0
	case ImpactLow:
		return 0.6
	case ImpactMinimal:
		return 0.3
	default:
		return 1.0
	}
}

// IsSignificant reports whether the level is high or very_high. Significant
// impact gates the breaking-news multiplier, the news confidence boost
// scaling, and the news veto.
func (i ImpactLevel) IsSignificant() bool {
	return i == ImpactHigh || i == ImpactVeryHigh
}

// NewsArticle is a collected news item. Articles are written once by the
// collector and mutated exactly once when a classification is attached.
type NewsArticle struct {
	ID              int64           `json:"id"`
	Source          string          `json:"source"`
	URL             string          `json:"url"` // unique
	Title           string          `json:"title"`
	Body            string          `json:"body"`
	PublishedAt     time.Time       `json:"published_at"` // UTC
	MentionedStocks []string        `json:"mentioned_stocks"`
	Classification  *Classification `json:"classification,omitempty"`
}

// StockSentiment is the per-stock entry of a classification.
type StockSentiment struct {
	Symbol         string  `json:"symbol"`
	SentimentScore float64 `json:"sentiment_score"` // [-1, +1]
	Confidence     float64 `json:"confidence"`      // [0, 1]
	Relevance      float64 `json:"relevance"`       // [0, 1]
}

// Classification is the AI assessment of one article.
type Classification struct {
	OverallSentiment Sentiment        `json:"overall_sentiment"`
	SentimentScore   float64          `json:"sentiment_score"` // [-1, +1]
	Confidence       float64          `json:"confidence"`      // [0, 1]
	Impact           ImpactLevel      `json:"impact"`
	PerStock         []StockSentiment `json:"per_stock"`
	Provider         string           `json:"provider"`
	ClassifiedAt     time.Time        `json:"classified_at"`
}

// Validate checks classification invariants. Per-stock entries may only
// reference symbols the article actually mentions.
func (c Classification) Validate(mentioned []string) error {
	if c.SentimentScore < -1 || c.SentimentScore > 1 {
		return NewInvariantError("sentiment score outside [-1, 1]")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return NewInvariantError("classification confidence outside [0, 1]")
	}
	known := make(map[string]bool, len(mentioned))
	for _, s := range mentioned {
		known[s] = true
	}
	for _, ps := range c.PerStock {
		if !known[ps.Symbol] {
			return NewInvariantError("classification references unmentioned symbol " + ps.Symbol)
		}
	}
	return nil
}

// SignalType is the advisory direction of a trading signal.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// Opposite returns the opposing non-hold direction; hold maps to hold.
func (t SignalType) Opposite() SignalType {
	switch t {
	case SignalBuy:
		return SignalSell
	case SignalSell:
		return SignalBuy
	default:
		return SignalHold
	}
}

// TradingSignal is one advisory emitted for a (user, stock) pair during a
// session. Non-hold signals carry a full risk envelope.
type TradingSignal struct {
	ID             string          `json:"id"` // uuid
	UserID         int64           `json:"user_id"`
	Symbol         string          `json:"symbol"`
	SessionKey     string          `json:"session_key"` // YYYY-MM-DD local
	CreatedAt      time.Time       `json:"created_at"`  // UTC
	Type           SignalType      `json:"type"`
	Confidence     float64         `json:"confidence"` // [0, 100]
	PriceAtSignal  decimal.Decimal `json:"price_at_signal"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	StopLossPrice  decimal.Decimal `json:"stop_loss_price"`
	PositionSize   int64           `json:"position_size"` // integer shares
	Reason         Reason          `json:"reason"`
	NewsImpact     *NewsAggregate  `json:"news_impact,omitempty"`
	ModifiedByNews bool            `json:"modified_by_news"`
	IsDispatched   bool            `json:"is_dispatched"`
	DispatchedAt   *time.Time      `json:"dispatched_at,omitempty"`
	Outcome        *SignalOutcome  `json:"outcome,omitempty"`
}

// Validate checks the risk-envelope ordering for non-hold signals:
// buy requires target > entry > stop, sell the mirror image.
func (s TradingSignal) Validate() error {
	switch s.Type {
	case SignalBuy:
		if !s.TargetPrice.GreaterThan(s.PriceAtSignal) || !s.PriceAtSignal.GreaterThan(s.StopLossPrice) {
			return NewInvariantError("buy signal envelope must satisfy target > entry > stop")
		}
	case SignalSell:
		if !s.TargetPrice.LessThan(s.PriceAtSignal) || !s.PriceAtSignal.LessThan(s.StopLossPrice) {
			return NewInvariantError("sell signal envelope must satisfy target < entry < stop")
		}
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return NewInvariantError("signal confidence outside [0, 100]")
	}
	return nil
}

// IsOpen reports whether the signal is an unresolved non-hold advisory.
func (s TradingSignal) IsOpen() bool {
	return s.Type != SignalHold && s.Outcome == nil
}

// Resolution is the terminal state of a signal outcome.
type Resolution string

const (
	ResolutionTargetHit    Resolution = "target_hit"
	ResolutionStopHit      Resolution = "stop_hit"
	ResolutionSessionClose Resolution = "closed_at_session_end"
	ResolutionCancelled    Resolution = "cancelled"
)

// SignalOutcome records how a signal resolved. Written once, immutable.
type SignalOutcome struct {
	SignalID       string          `json:"signal_id"`
	Resolution     Resolution      `json:"resolution"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	ExitAt         time.Time       `json:"exit_at"` // UTC
	RealisedPct    decimal.Decimal `json:"realised_return_pct"`
	HoldingMinutes int64           `json:"holding_minutes"`
}

// RealisedReturnPct computes the signed realised return of exiting at
// exitPrice a position entered at entry, for the given direction.
func RealisedReturnPct(signalType SignalType, entry, exitPrice decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	diff := exitPrice.Sub(entry)
	if signalType == SignalSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(100)).DivRound(entry, PriceScale)
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReasonKind discriminates the Reason variants.
type ReasonKind string

const (
	ReasonInsufficientData ReasonKind = "insufficient_data"
	ReasonTechnicalVotes   ReasonKind = "technical_votes"
	ReasonNewsAdjusted     ReasonKind = "news_adjusted"
)

// TechnicalVotes describes the indicator evidence behind a signal.
type TechnicalVotes struct {
	Bullish []string `json:"bullish"`
	Bearish []string `json:"bearish"`
}

// NewsAdjustment describes how news sentiment changed a technical candidate.
type NewsAdjustment struct {
	Technical         TechnicalVotes `json:"technical"`
	OriginalType      SignalType     `json:"original_type"`
	OriginalConf      float64        `json:"original_confidence"`
	WeightedSentiment float64        `json:"weighted_sentiment"`
	Impact            ImpactLevel    `json:"impact"`
	Boost             float64        `json:"boost"`
	Veto              bool           `json:"veto"`
	Converted         bool           `json:"converted"`
}

// Reason is a tagged variant recording why a signal was emitted. It is
// persisted as a discriminated JSON column.
type Reason struct {
	Kind      ReasonKind
	Technical *TechnicalVotes
	News      *NewsAdjustment
}

// InsufficientDataReason is the reason attached to hold(confidence=0) signals
// emitted when the indicator window is too short.
func InsufficientDataReason() Reason {
	return Reason{Kind: ReasonInsufficientData}
}

// TechnicalReason records a purely technical decision.
func TechnicalReason(votes TechnicalVotes) Reason {
	return Reason{Kind: ReasonTechnicalVotes, Technical: &votes}
}

// NewsAdjustedReason records a decision that news sentiment modified.
func NewsAdjustedReason(adj NewsAdjustment) Reason {
	return Reason{Kind: ReasonNewsAdjusted, News: &adj}
}

// reasonEnvelope is the persisted JSON shape.
type reasonEnvelope struct {
	Kind      ReasonKind      `json:"kind"`
	Technical *TechnicalVotes `json:"technical,omitempty"`
	News      *NewsAdjustment `json:"news,omitempty"`
}

// MarshalJSON encodes the reason with its discriminator.
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(reasonEnvelope{Kind: r.Kind, Technical: r.Technical, News: r.News})
}

// UnmarshalJSON decodes a discriminated reason payload.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var env reasonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode reason: %w", err)
	}
	switch env.Kind {
	case ReasonInsufficientData, ReasonTechnicalVotes, ReasonNewsAdjusted:
	case "":
		return fmt.Errorf("reason missing kind discriminator")
	default:
		return fmt.Errorf("unknown reason kind %q", env.Kind)
	}
	r.Kind = env.Kind
	r.Technical = env.Technical
	r.News = env.News
	return nil
}

// Summary renders a short human-readable description for notifications.
func (r Reason) Summary() string {
	switch r.Kind {
	case ReasonInsufficientData:
		return "insufficient data"
	case ReasonTechnicalVotes:
		if r.Technical == nil {
			return "technical analysis"
		}
		if len(r.Technical.Bullish) >= len(r.Technical.Bearish) {
			return fmt.Sprintf("technical: %s", joinShort(r.Technical.Bullish))
		}
		return fmt.Sprintf("technical: %s", joinShort(r.Technical.Bearish))
	case ReasonNewsAdjusted:
		if r.News == nil {
			return "news adjusted"
		}
		if r.News.Veto {
			return fmt.Sprintf("news_veto: sentiment %.2f against %s", r.News.WeightedSentiment, r.News.OriginalType)
		}
		if r.News.Converted {
			return fmt.Sprintf("news conversion: sentiment %.2f, impact %s", r.News.WeightedSentiment, r.News.Impact)
		}
		return fmt.Sprintf("news adjusted: sentiment %.2f, boost %+.1f", r.News.WeightedSentiment, r.News.Boost)
	default:
		return string(r.Kind)
	}
}

func joinShort(parts []string) string {
	const max = 3
	if len(parts) <= max {
		return join(parts)
	}
	return join(parts[:max]) + ", ..."
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// NewsAggregate is the time-weighted sentiment summary the analyzer produces
// for one stock. A zero aggregate (ArticleCount == 0) means no weighted news.
type NewsAggregate struct {
	Symbol            string      `json:"symbol"`
	WeightedSentiment float64     `json:"weighted_sentiment"` // [-1, +1]
	TotalWeight       float64     `json:"total_weight"`
	ArticleCount      int         `json:"article_count"`
	Momentum          float64     `json:"momentum"`
	Impact            ImpactLevel `json:"impact"`
	Summary           string      `json:"summary"`
	WindowStart       time.Time   `json:"window_start"`
	WindowEnd         time.Time   `json:"window_end"`
}

// HasNews reports whether any article carried weight in the window.
func (a NewsAggregate) HasNews() bool {
	return a.ArticleCount > 0 && a.TotalWeight > 0
}

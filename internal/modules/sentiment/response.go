package sentiment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wojtczak/sygnal/internal/domain"
)

// analysisResponse is the JSON shape requested from every provider.
type analysisResponse struct {
	OverallSentiment string          `json:"overall_sentiment"`
	SentimentScore   float64         `json:"overall_sentiment_score"`
	Confidence       float64         `json:"confidence_score"`
	MarketImpact     string          `json:"market_impact"`
	StockAnalysis    []stockAnalysis `json:"stock_analysis"`
}

type stockAnalysis struct {
	Symbol         string  `json:"stock_symbol"`
	SentimentScore float64 `json:"sentiment_score"`
	Confidence     float64 `json:"confidence"`
	Relevance      float64 `json:"relevance"`
}

// parseAnalysis decodes a provider reply into a classification. Models wrap
// JSON in markdown fences or prose often enough that the payload is sliced
// out before decoding. Per-stock entries for symbols the article does not
// mention are discarded rather than failing the whole classification.
func parseAnalysis(content, provider string, mentioned []string, now time.Time) (domain.Classification, error) {
	payload := extractJSON(content)
	if payload == "" {
		return domain.Classification{}, domain.NewMalformedError("provider reply contains no JSON object")
	}

	var resp analysisResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return domain.Classification{}, domain.NewMalformedError("provider reply is not valid JSON: " + err.Error())
	}

	known := make(map[string]bool, len(mentioned))
	for _, s := range mentioned {
		known[strings.ToUpper(s)] = true
	}

	c := domain.Classification{
		OverallSentiment: normalizeSentiment(resp.OverallSentiment),
		SentimentScore:   clamp(resp.SentimentScore, -1, 1),
		Confidence:       clamp(resp.Confidence, 0, 1),
		Impact:           normalizeImpact(resp.MarketImpact),
		Provider:         provider,
		ClassifiedAt:     now.UTC(),
	}

	for _, sa := range resp.StockAnalysis {
		symbol := strings.ToUpper(strings.TrimSpace(sa.Symbol))
		if !known[symbol] {
			continue
		}
		c.PerStock = append(c.PerStock, domain.StockSentiment{
			Symbol:         symbol,
			SentimentScore: clamp(sa.SentimentScore, -1, 1),
			Confidence:     clamp(sa.Confidence, 0, 1),
			Relevance:      clamp(sa.Relevance, 0, 1),
		})
	}

	return c, nil
}

// extractJSON returns the JSON object embedded in a model reply: the body of
// a ```json fence when present, otherwise the span from the first '{' to the
// last '}'.
func extractJSON(content string) string {
	if i := strings.Index(content, "```json"); i >= 0 {
		content = content[i+len("```json"):]
		if j := strings.Index(content, "```"); j >= 0 {
			content = content[:j]
		}
	} else if i := strings.Index(content, "```"); i >= 0 {
		content = content[i+len("```"):]
		if j := strings.Index(content, "```"); j >= 0 {
			content = content[:j]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}

// normalizeSentiment folds provider vocabulary onto the three-level scale.
func normalizeSentiment(s string) domain.Sentiment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "very_positive":
		return domain.SentimentPositive
	case "negative", "very_negative":
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}

// normalizeImpact parses the impact level, defaulting unknown values to low.
func normalizeImpact(s string) domain.ImpactLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal":
		return domain.ImpactMinimal
	case "low":
		return domain.ImpactLow
	case "medium":
		return domain.ImpactMedium
	case "high":
		return domain.ImpactHigh
	case "very_high":
		return domain.ImpactVeryHigh
	default:
		return domain.ImpactLow
	}
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

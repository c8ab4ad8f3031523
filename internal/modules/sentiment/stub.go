package sentiment

import (
	"context"
	"time"

	"github.com/wojtczak/sygnal/internal/domain"
)

// StubClassifier marks every article neutral with minimal impact. It is the
// terminal provider in every chain, so classification always completes even
// with no LLM configured; zero-score entries leave the weighted sentiment at
// zero, which keeps signals news-neutral.
type StubClassifier struct{}

var _ domain.Classifier = (*StubClassifier)(nil)

// NewStubClassifier creates the stub provider.
func NewStubClassifier() *StubClassifier { return &StubClassifier{} }

// Name implements domain.Classifier.
func (s *StubClassifier) Name() string { return "stub" }

// Available implements domain.Classifier. The stub is always available.
func (s *StubClassifier) Available(context.Context) bool { return true }

// Classify implements domain.Classifier.
func (s *StubClassifier) Classify(_ context.Context, article domain.NewsArticle, _ []domain.Stock) (domain.Classification, error) {
	c := domain.Classification{
		OverallSentiment: domain.SentimentNeutral,
		SentimentScore:   0,
		Confidence:       0.3,
		Impact:           domain.ImpactMinimal,
		Provider:         s.Name(),
		ClassifiedAt:     time.Now().UTC(),
	}

	for _, symbol := range article.MentionedStocks {
		c.PerStock = append(c.PerStock, domain.StockSentiment{
			Symbol:         symbol,
			SentimentScore: 0,
			Confidence:     0.3,
			Relevance:      0.5,
		})
	}

	return c, nil
}

package sentiment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// StockSource lists the universe offered to providers for symbol resolution.
type StockSource interface {
	Monitored() ([]domain.Stock, error)
}

// WeightedProvider pairs a classifier with its selection weight. Higher
// weight is tried first; availability decides the final pick.
type WeightedProvider struct {
	Classifier domain.Classifier
	Weight     float64
}

// ServiceConfig tunes the classification batch.
type ServiceConfig struct {
	BatchSize   int
	CallTimeout time.Duration
}

func (c *ServiceConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
}

// Service classifies pending articles in bounded batches. One failing
// article never blocks the rest of the batch.
type Service struct {
	cfg       ServiceConfig
	providers []WeightedProvider
	store     domain.NewsStore
	stocks    StockSource
	events    *events.Manager
	log       zerolog.Logger
}

// NewService creates the classification service. Providers are ordered by
// descending weight once, at construction.
func NewService(
	cfg ServiceConfig,
	providers []WeightedProvider,
	store domain.NewsStore,
	stocks StockSource,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	cfg.applyDefaults()

	ordered := make([]WeightedProvider, len(providers))
	copy(ordered, providers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Weight > ordered[j].Weight
	})

	return &Service{
		cfg:       cfg,
		providers: ordered,
		store:     store,
		stocks:    stocks,
		events:    eventManager,
		log:       log.With().Str("service", "sentiment").Logger(),
	}
}

// Stats summarises one classification batch.
type Stats struct {
	Pending    int
	Classified int
	Failures   int
}

// ClassifyPending classifies up to BatchSize unclassified articles, oldest
// first. Articles that fail stay unclassified and are retried on the next
// cycle.
func (s *Service) ClassifyPending(ctx context.Context) (Stats, error) {
	articles, err := s.store.Unclassified(s.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list unclassified articles: %w", err)
	}

	stats := Stats{Pending: len(articles)}
	if len(articles) == 0 {
		return stats, nil
	}

	universe, err := s.stocks.Monitored()
	if err != nil {
		return stats, fmt.Errorf("failed to list universe for classification: %w", err)
	}

	for _, article := range articles {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		classification, err := s.classifyOne(ctx, article, universe)
		if err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Int64("article_id", article.ID).Msg("Article classification failed")
			continue
		}

		if err := s.store.AttachClassification(article.ID, classification); err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Int64("article_id", article.ID).Msg("Failed to attach classification")
			continue
		}
		stats.Classified++

		if s.events != nil {
			s.events.EmitTyped(events.ArticleClassified, "sentiment", &events.ArticleClassifiedData{
				ArticleID: article.ID,
				Provider:  classification.Provider,
				Sentiment: string(classification.OverallSentiment),
				Score:     classification.SentimentScore,
				Symbols:   article.MentionedStocks,
			})
		}
	}

	s.log.Info().
		Int("pending", stats.Pending).
		Int("classified", stats.Classified).
		Int("failures", stats.Failures).
		Msg("Classification batch complete")

	return stats, nil
}

// classifyOne walks the provider chain in weight order and returns the first
// successful classification.
func (s *Service) classifyOne(ctx context.Context, article domain.NewsArticle, universe []domain.Stock) (domain.Classification, error) {
	var lastErr error

	for _, provider := range s.providers {
		if !provider.Classifier.Available(ctx) {
			s.log.Debug().Str("provider", provider.Classifier.Name()).Msg("Provider unavailable, trying next")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		classification, err := provider.Classifier.Classify(callCtx, article, universe)
		cancel()

		if err != nil {
			lastErr = err
			s.log.Warn().Err(err).
				Str("provider", provider.Classifier.Name()).
				Int64("article_id", article.ID).
				Msg("Provider classification failed, trying next")
			continue
		}

		return classification, nil
	}

	if lastErr != nil {
		return domain.Classification{}, lastErr
	}
	return domain.Classification{}, domain.NewTransientError("classify article", fmt.Errorf("no provider available"))
}

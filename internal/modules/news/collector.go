package news

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// Feed is one RSS source to poll.
type Feed struct {
	ID  string
	URL string
}

// StockSource lists the stocks used for mention detection.
type StockSource interface {
	Monitored() ([]domain.Stock, error)
}

// CollectorConfig tunes the news collector.
type CollectorConfig struct {
	FeedTimeout time.Duration
	UserAgent   string
}

func (c *CollectorConfig) applyDefaults() {
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "sygnal-news/1.0"
	}
}

// Collector polls RSS feeds, deduplicates articles by URL, and tags each
// article with the universe stocks it mentions. Feeds are polled
// sequentially; a failure in one feed never aborts the rest.
type Collector struct {
	cfg    CollectorConfig
	parser *gofeed.Parser
	stocks StockSource
	store  domain.NewsStore
	events *events.Manager
	log    zerolog.Logger
}

// NewCollector creates a news collector.
func NewCollector(
	cfg CollectorConfig,
	stocks StockSource,
	store domain.NewsStore,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Collector {
	cfg.applyDefaults()

	parser := gofeed.NewParser()
	parser.UserAgent = cfg.UserAgent

	return &Collector{
		cfg:    cfg,
		parser: parser,
		stocks: stocks,
		store:  store,
		events: eventManager,
		log:    log.With().Str("component", "news_collector").Logger(),
	}
}

// Stats summarises one collection run.
type Stats struct {
	Feeds    int
	Items    int
	Inserted int
	Skipped  int
	Dropped  int
	Failures int
}

// Collect polls every feed once. The returned error is non-nil only when
// the run could not start at all; per-feed failures are counted in
// Stats.Failures.
func (c *Collector) Collect(ctx context.Context, feeds []Feed) (Stats, error) {
	stocks, err := c.stocks.Monitored()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list universe for mention detection: %w", err)
	}
	detector := NewDetector(stocks)

	stats := Stats{Feeds: len(feeds)}
	for _, feed := range feeds {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		inserted, skipped, dropped, items, err := c.collectFeed(ctx, feed, detector)
		stats.Items += items
		stats.Inserted += inserted
		stats.Skipped += skipped
		stats.Dropped += dropped
		if err != nil {
			stats.Failures++
			c.log.Warn().Err(err).Str("feed", feed.ID).Msg("News collection failed for feed")
			continue
		}

		if c.events != nil && inserted+skipped > 0 {
			c.events.EmitTyped(events.ArticlesCollected, "news", &events.ArticlesCollectedData{
				FeedID:   feed.ID,
				Inserted: inserted,
				Skipped:  skipped,
			})
		}
	}

	c.log.Info().
		Int("feeds", stats.Feeds).
		Int("items", stats.Items).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Int("dropped", stats.Dropped).
		Int("failures", stats.Failures).
		Msg("News collection cycle complete")

	return stats, nil
}

// collectFeed fetches and stores one feed's items.
func (c *Collector) collectFeed(ctx context.Context, feed Feed, detector *Detector) (inserted, skipped, dropped, items int, err error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FeedTimeout)
	defer cancel()

	parsed, err := c.parser.ParseURLWithContext(feed.URL, fctx)
	if err != nil {
		return 0, 0, 0, 0, domain.NewTransientError(fmt.Sprintf("fetch feed %s", feed.ID), err)
	}

	for _, item := range parsed.Items {
		items++

		article, ok := articleFromItem(item, feed.ID, detector)
		if !ok {
			dropped++
			continue
		}

		wrote, err := c.store.InsertArticle(article)
		if err != nil {
			return inserted, skipped, dropped, items, err
		}
		if wrote {
			inserted++
		} else {
			skipped++
		}
	}

	return inserted, skipped, dropped, items, nil
}

// articleFromItem converts one feed entry. Entries without a URL, a title,
// or a parseable publication time are dropped.
func articleFromItem(item *gofeed.Item, source string, detector *Detector) (domain.NewsArticle, bool) {
	if item == nil {
		return domain.NewsArticle{}, false
	}

	url := strings.TrimSpace(item.Link)
	title := strings.TrimSpace(item.Title)
	if url == "" || title == "" {
		return domain.NewsArticle{}, false
	}

	published := item.PublishedParsed
	if published == nil {
		published = item.UpdatedParsed
	}
	if published == nil {
		return domain.NewsArticle{}, false
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}

	article := domain.NewsArticle{
		Source:      source,
		URL:         url,
		Title:       title,
		Body:        strings.TrimSpace(body),
		PublishedAt: published.UTC(),
	}
	article.MentionedStocks = detector.Detect(article.Title + "\n" + article.Body)

	return article, true
}

package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// StockSource lists the instruments to collect. Satisfied by the universe
// repository.
type StockSource interface {
	Monitored() ([]domain.Stock, error)
}

// CollectorConfig tunes the price collector.
type CollectorConfig struct {
	BaseURL        string
	MaxConcurrency int
	RateLimit      float64 // requests per second across all symbols
	Timeout        time.Duration
	MaxRetries     int           // per-symbol fetch attempts beyond the first
	BackoffBase    time.Duration // first retry delay, doubled per attempt
	BackoffCap     time.Duration
}

func (c *CollectorConfig) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
}

// Collector fetches OHLCV snapshots from stooq for every monitored stock.
// Fetches are parallel across symbols under one shared rate limiter; a
// failure for one symbol never aborts the batch.
type Collector struct {
	cfg     CollectorConfig
	client  *http.Client
	stocks  StockSource
	bars    domain.OHLCVStore
	limiter *rate.Limiter
	events  *events.Manager
	loc     *time.Location
	log     zerolog.Logger
}

// NewCollector creates a price collector. loc is the quote source timezone
// (Europe/Warsaw for stooq).
func NewCollector(
	cfg CollectorConfig,
	stocks StockSource,
	bars domain.OHLCVStore,
	eventManager *events.Manager,
	loc *time.Location,
	log zerolog.Logger,
) *Collector {
	cfg.applyDefaults()

	return &Collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		stocks:  stocks,
		bars:    bars,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		events:  eventManager,
		loc:     loc,
		log:     log.With().Str("component", "price_collector").Logger(),
	}
}

// Stats summarises one collection run.
type Stats struct {
	Symbols  int
	Inserted int
	Skipped  int
	Dropped  int
	Failures int
}

// CollectAll fetches the latest snapshot for every monitored stock. The
// returned error is non-nil only when the run could not start at all;
// per-symbol failures are counted in Stats.Failures.
func (c *Collector) CollectAll(ctx context.Context) (Stats, error) {
	stocks, err := c.stocks.Monitored()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list monitored stocks: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = Stats{Symbols: len(stocks)}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)

	for _, stock := range stocks {
		symbol := stock.Symbol
		g.Go(func() error {
			inserted, skipped, dropped, err := c.collectSymbol(ctx, symbol)

			mu.Lock()
			defer mu.Unlock()
			stats.Inserted += inserted
			stats.Skipped += skipped
			stats.Dropped += dropped
			if err != nil {
				stats.Failures++
				c.log.Warn().Err(err).Str("symbol", symbol).Msg("Price collection failed for symbol")
			}
			// Per-symbol failures are isolated; only cancellation stops the group.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	c.log.Info().
		Int("symbols", stats.Symbols).
		Int("inserted", stats.Inserted).
		Int("skipped", stats.Skipped).
		Int("dropped", stats.Dropped).
		Int("failures", stats.Failures).
		Msg("Price collection cycle complete")

	return stats, nil
}

// collectSymbol fetches, parses, and appends the snapshot for one symbol.
func (c *Collector) collectSymbol(ctx context.Context, symbol string) (inserted, skipped, dropped int, err error) {
	body, err := c.fetchWithRetry(ctx, symbol)
	if err != nil {
		return 0, 0, 0, err
	}
	defer body.Close()

	result, err := ParseQuoteCSV(body, symbol, c.loc)
	if err != nil {
		return 0, 0, 0, err
	}
	dropped = result.Dropped

	for _, bar := range result.Bars {
		ok, err := c.bars.Append(bar)
		if err != nil {
			if errors.Is(err, domain.ErrInvariant) {
				dropped++
				continue
			}
			return inserted, skipped, dropped, err
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}

	if c.events != nil && inserted+skipped > 0 {
		c.events.EmitTyped(events.BarsCollected, "marketdata", &events.BarsCollectedData{
			Symbol:   symbol,
			Inserted: inserted,
			Skipped:  skipped,
			Source:   "stooq",
		})
	}

	return inserted, skipped, dropped, nil
}

// fetchWithRetry performs the HTTP GET under the shared rate limiter,
// retrying transient failures with exponential backoff.
func (c *Collector) fetchWithRetry(ctx context.Context, symbol string) (io.ReadCloser, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BackoffBase << (attempt - 1)
			if delay > c.cfg.BackoffCap {
				delay = c.cfg.BackoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.fetch(ctx, symbol)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrTransient) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Collector) fetch(ctx context.Context, symbol string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.quoteURL(symbol), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build quote request for %s: %w", symbol, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Sprintf("fetch quote %s", symbol), err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, domain.NewTransientError(
			fmt.Sprintf("fetch quote %s", symbol),
			fmt.Errorf("upstream status %d", resp.StatusCode),
		)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, domain.NewMalformedError(fmt.Sprintf("quote fetch for %s returned status %d", symbol, resp.StatusCode))
	}

	return resp.Body, nil
}

// quoteURL builds the stooq live-quote CSV URL. Stooq expects lower-case
// symbols.
func (c *Collector) quoteURL(symbol string) string {
	return fmt.Sprintf(
		"%s/q/l/?s=%s&f=sd2t2ohlcv&h&e=csv",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.QueryEscape(strings.ToLower(symbol)),
	)
}

package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/modules/indicators"
)

// StockSource lists the stocks to evaluate.
type StockSource interface {
	Monitored() ([]domain.Stock, error)
}

// IndicatorSource evaluates the indicator battery for one symbol.
type IndicatorSource interface {
	Compute(symbol string) (*indicators.IndicatorSet, error)
}

// NewsSource produces the time-weighted sentiment aggregate for one symbol.
type NewsSource interface {
	Aggregate(symbol string) (domain.NewsAggregate, error)
}

// VolumeSource reports recent average daily volume for liquidity checks.
type VolumeSource interface {
	AverageDailyVolume(symbol string, days int) (int64, error)
}

// ServiceConfig tunes the cycle-level gates.
type ServiceConfig struct {
	// LastEntryLocal is the local wall time after which the cycle stops
	// opening new positions; "" disables the cutoff.
	LastEntryLocal string
	// ADVWindowDays is the average-daily-volume lookback.
	ADVWindowDays int
}

// Service runs the signal cycle: for every (user, monitored stock) pair it
// evaluates the generator, filters by the user's eligibility rules, and
// persists non-hold decisions. Hold decisions are never persisted, so a
// cycle over an unchanged world writes nothing new.
type Service struct {
	cfg       ServiceConfig
	generator *Generator
	stocks    StockSource
	sets      IndicatorSource
	news      NewsSource
	volumes   VolumeSource
	users     domain.UserStore
	store     domain.SignalStore
	calendar  *market.Calendar
	clock     domain.Clock
	events    *events.Manager
	log       zerolog.Logger

	lastEntryMinutes int // minutes after local midnight, -1 when disabled
}

// NewService wires the signal cycle.
func NewService(
	cfg ServiceConfig,
	generator *Generator,
	stocks StockSource,
	sets IndicatorSource,
	news NewsSource,
	volumes VolumeSource,
	users domain.UserStore,
	store domain.SignalStore,
	calendar *market.Calendar,
	clock domain.Clock,
	eventManager *events.Manager,
	log zerolog.Logger,
) (*Service, error) {
	if cfg.ADVWindowDays <= 0 {
		cfg.ADVWindowDays = 30
	}

	lastEntry := -1
	if cfg.LastEntryLocal != "" {
		t, err := time.Parse("15:04", cfg.LastEntryLocal)
		if err != nil {
			return nil, domain.NewConfigError(fmt.Sprintf("invalid last entry time %q", cfg.LastEntryLocal))
		}
		lastEntry = t.Hour()*60 + t.Minute()
	}

	return &Service{
		cfg:              cfg,
		generator:        generator,
		stocks:           stocks,
		sets:             sets,
		news:             news,
		volumes:          volumes,
		users:            users,
		store:            store,
		calendar:         calendar,
		clock:            clock,
		events:           eventManager,
		log:              log.With().Str("service", "signals").Logger(),
		lastEntryMinutes: lastEntry,
	}, nil
}

// Stats summarises one signal cycle.
type Stats struct {
	Users        int
	Symbols      int
	Generated    int
	Superseded   int
	Holds        int
	Insufficient int
	Duplicates   int
	Filtered     int
	Failures     int
	WindowClosed bool
}

// GenerateAll runs the cycle over every monitored stock.
func (s *Service) GenerateAll(ctx context.Context) (Stats, error) {
	return s.GenerateFor(ctx, nil)
}

// GenerateFor runs the cycle over the named symbols, or all monitored stocks
// when symbols is empty. Per-symbol and per-user failures are isolated; only
// a failure to enumerate users or stocks aborts the cycle.
func (s *Service) GenerateFor(ctx context.Context, symbols []string) (Stats, error) {
	session := s.calendar.CurrentSession()
	if !session.IsTradingDay {
		s.log.Info().Msg("No trading session today, skipping signal cycle")
		return Stats{WindowClosed: true}, nil
	}
	if !s.entryWindowOpen(session) {
		s.log.Info().Str("session", session.Key()).Msg("Entry window closed, skipping signal cycle")
		return Stats{WindowClosed: true}, nil
	}

	users, err := s.users.ActiveUsers()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list active users: %w", err)
	}
	stocks, err := s.stocks.Monitored()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list monitored stocks: %w", err)
	}
	if len(symbols) > 0 {
		stocks = filterStocks(stocks, symbols)
		if len(stocks) < len(symbols) {
			s.log.Warn().
				Int("requested", len(symbols)).
				Int("monitored", len(stocks)).
				Msg("Some requested symbols are not monitored")
		}
	}

	stats := Stats{Users: len(users), Symbols: len(stocks)}

	counts := make(map[int64]int, len(users))
	countKnown := make(map[int64]bool, len(users))
	emitted := make(map[int64]int, len(users))

	for _, stock := range stocks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		set, err := s.sets.Compute(stock.Symbol)
		if err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Str("symbol", stock.Symbol).Msg("Indicator computation failed")
			continue
		}
		if set == nil || !set.Complete() {
			stats.Insufficient++
			continue
		}

		news, err := s.news.Aggregate(stock.Symbol)
		if err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Str("symbol", stock.Symbol).Msg("News aggregation failed")
			continue
		}

		adv, err := s.volumes.AverageDailyVolume(stock.Symbol, s.cfg.ADVWindowDays)
		if err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Str("symbol", stock.Symbol).Msg("Volume lookup failed")
			continue
		}

		price := decimal.NewFromFloat(set.Close)

		for _, user := range users {
			prefs, err := s.users.Preferences(user.ID)
			if err != nil {
				stats.Failures++
				s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("Preferences unavailable")
				continue
			}

			if adv < prefs.MinDailyVolume {
				stats.Filtered++
				continue
			}
			shares := domain.SharesFor(prefs.PositionValue(), price)
			if price.Mul(decimal.NewFromInt(shares)).LessThan(prefs.MinPositionValue) {
				stats.Filtered++
				continue
			}

			if !countKnown[user.ID] {
				n, err := s.store.CountForUserOnDate(user.ID, session.Key())
				if err != nil {
					stats.Failures++
					s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("Signal count unavailable")
					continue
				}
				counts[user.ID] = n
				countKnown[user.ID] = true
			}
			if counts[user.ID]+emitted[user.ID] >= prefs.MaxSignalsPerDay {
				stats.Filtered++
				continue
			}

			decision := s.generator.Evaluate(set, news, prefs)
			if decision.Type == domain.SignalHold {
				stats.Holds++
				continue
			}

			open, err := s.store.OpenSignal(user.ID, stock.Symbol)
			if err != nil {
				stats.Failures++
				s.log.Warn().Err(err).Int64("user_id", user.ID).Str("symbol", stock.Symbol).Msg("Open signal lookup failed")
				continue
			}
			if open != nil && open.Type == decision.Type {
				stats.Duplicates++
				continue
			}

			signal := s.buildSignal(user.ID, stock.Symbol, session, decision)

			var supersede *string
			if open != nil {
				supersede = &open.ID
			}
			if err := s.store.Insert(signal, supersede); err != nil {
				stats.Failures++
				s.log.Warn().Err(err).Str("signal_id", signal.ID).Msg("Signal insert failed")
				continue
			}

			emitted[user.ID]++
			stats.Generated++
			if open != nil {
				stats.Superseded++
				s.emitSuperseded(*open, signal.ID)
			}
			s.emitGenerated(signal)

			s.log.Info().
				Str("signal_id", signal.ID).
				Int64("user_id", user.ID).
				Str("symbol", stock.Symbol).
				Str("type", string(signal.Type)).
				Float64("confidence", signal.Confidence).
				Bool("news_adjusted", signal.ModifiedByNews).
				Msg("Signal generated")
		}
	}

	s.log.Info().
		Int("users", stats.Users).
		Int("symbols", stats.Symbols).
		Int("generated", stats.Generated).
		Int("superseded", stats.Superseded).
		Int("holds", stats.Holds).
		Int("filtered", stats.Filtered).
		Int("failures", stats.Failures).
		Msg("Signal cycle finished")

	return stats, nil
}

// entryWindowOpen reports whether new positions may still be opened: at or
// after session open, and not past the last-entry cutoff.
func (s *Service) entryWindowOpen(session domain.Session) bool {
	local := s.calendar.LocalNow()
	if local.Before(session.Open) {
		return false
	}
	if s.lastEntryMinutes >= 0 && local.Hour()*60+local.Minute() > s.lastEntryMinutes {
		return false
	}
	return true
}

func (s *Service) buildSignal(userID int64, symbol string, session domain.Session, d Decision) domain.TradingSignal {
	return domain.TradingSignal{
		ID:             uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		SessionKey:     session.Key(),
		CreatedAt:      s.clock.Now().UTC(),
		Type:           d.Type,
		Confidence:     d.Confidence,
		PriceAtSignal:  d.PriceAtSignal,
		TargetPrice:    d.TargetPrice,
		StopLossPrice:  d.StopLossPrice,
		PositionSize:   d.PositionSize,
		Reason:         d.Reason,
		NewsImpact:     d.News,
		ModifiedByNews: d.ModifiedByNews,
	}
}

func (s *Service) emitGenerated(sig domain.TradingSignal) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.SignalGenerated, "signals", &events.SignalEventData{
		SignalID:   sig.ID,
		UserID:     sig.UserID,
		Symbol:     sig.Symbol,
		Type:       string(sig.Type),
		Confidence: sig.Confidence,
	})
}

func (s *Service) emitSuperseded(old domain.TradingSignal, successorID string) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.SignalSuperseded, "signals", &events.SignalEventData{
		SignalID:     old.ID,
		UserID:       old.UserID,
		Symbol:       old.Symbol,
		Type:         string(old.Type),
		Confidence:   old.Confidence,
		SupersededBy: successorID,
	})
}

func filterStocks(stocks []domain.Stock, symbols []string) []domain.Stock {
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[strings.ToUpper(strings.TrimSpace(sym))] = true
	}

	out := make([]domain.Stock, 0, len(symbols))
	for _, stock := range stocks {
		if want[stock.Symbol] {
			out = append(out, stock)
		}
	}
	return out
}

package indicators

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// StockSource lists the stocks to evaluate.
type StockSource interface {
	Monitored() ([]domain.Stock, error)
}

// Service runs one indicator pass over the monitored universe and persists
// a snapshot per symbol.
type Service struct {
	stocks StockSource
	engine *Engine
	snaps  *SnapshotRepository
	events *events.Manager
	log    zerolog.Logger
}

// NewService creates the indicator service.
func NewService(
	stocks StockSource,
	engine *Engine,
	snaps *SnapshotRepository,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		stocks: stocks,
		engine: engine,
		snaps:  snaps,
		events: eventManager,
		log:    log.With().Str("service", "indicators").Logger(),
	}
}

// Stats summarises one indicator pass.
type Stats struct {
	Symbols  int
	Computed int
	Skipped  int
	Failures int
}

// ComputeAll evaluates every monitored symbol. Failures are isolated per
// symbol; a symbol with no bars yet, or whose latest bar already has a
// snapshot, counts as skipped.
func (s *Service) ComputeAll(ctx context.Context) (Stats, error) {
	stocks, err := s.stocks.Monitored()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Symbols: len(stocks)}
	for _, stock := range stocks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		set, err := s.engine.Compute(stock.Symbol)
		if err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Str("symbol", stock.Symbol).Msg("Indicator computation failed")
			continue
		}
		if set.BarCount == 0 {
			stats.Skipped++
			continue
		}

		saved, err := s.snaps.Save(set)
		if err != nil {
			stats.Failures++
			s.log.Warn().Err(err).Str("symbol", stock.Symbol).Msg("Snapshot write failed")
			continue
		}
		if !saved {
			stats.Skipped++
			continue
		}

		stats.Computed++
		if s.events != nil {
			s.events.EmitTyped(events.IndicatorsComputed, "indicators", &events.IndicatorsComputedData{
				Symbol:   stock.Symbol,
				BarCount: set.BarCount,
			})
		}
	}

	s.log.Info().
		Int("symbols", stats.Symbols).
		Int("computed", stats.Computed).
		Int("skipped", stats.Skipped).
		Int("failures", stats.Failures).
		Msg("Indicator pass finished")

	return stats, nil
}

package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/modules/news"
	"github.com/wojtczak/sygnal/internal/scheduler"
)

// RegisterRunners builds the scheduler coordinator, binds a runner to every
// schedule kind, seeds the default cadences, and subscribes the dispatcher
// to freshly generated signals.
func RegisterRunners(container *Container, cfg *config.Config, log zerolog.Logger) error {
	coordinator := scheduler.NewCoordinator(
		scheduler.CoordinatorConfig{
			TickInterval: time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		},
		container.ScheduleRepo,
		container.Pool,
		container.Calendar,
		&sessionCloser{container: container},
		container.Store.Reload,
		container.EventManager,
		log,
	)

	coordinator.Register(scheduler.KindPrice, func(ctx context.Context) (int, error) {
		stats, err := container.PriceCollector.CollectAll(ctx)
		return stats.Inserted, err
	})

	// One news run is collect-then-classify, so fresh articles reach the
	// analyzer within the same cadence.
	coordinator.Register(scheduler.KindNews, func(ctx context.Context) (int, error) {
		collected, err := container.NewsCollector.Collect(ctx, EnabledFeeds(container.Store.Current()))
		if err != nil {
			return collected.Inserted, err
		}
		classified, err := container.Sentiment.ClassifyPending(ctx)
		return collected.Inserted + classified.Classified, err
	})

	// The signal cycle recomputes indicators first and finishes with a
	// dispatch sweep that retries anything the immediate path dropped.
	coordinator.Register(scheduler.KindSignals, func(ctx context.Context) (int, error) {
		if _, err := container.Indicators.ComputeAll(ctx); err != nil {
			return 0, err
		}
		stats, err := container.Signals.GenerateAll(ctx)
		if err != nil {
			return stats.Generated, err
		}
		if _, err := container.Dispatcher.Sweep(ctx); err != nil {
			return stats.Generated, err
		}
		return stats.Generated, nil
	})

	coordinator.Register(scheduler.KindOutcomes, func(ctx context.Context) (int, error) {
		stats, err := container.Tracker.Resolve(ctx)
		return stats.TargetHits + stats.StopHits + stats.Closed, err
	})

	coordinator.Register(scheduler.KindMaintenance, container.Maintenance.Run)

	container.Coordinator = coordinator

	seeded, err := container.ScheduleRepo.Seed(scheduler.DefaultSchedules(
		cfg.Session.OpenLocal,
		cfg.Session.CloseLocal,
	))
	if err != nil {
		return fmt.Errorf("failed to seed default schedules: %w", err)
	}
	if seeded > 0 {
		log.Info().Int("schedules", seeded).Msg("Default schedules seeded")
	}

	// Generated signals go straight to the dispatch queue; the sweep above
	// is the catch-up path for drops and transient delivery failures.
	unsubscribe := container.EventBus.Subscribe(events.SignalGenerated, func(e *events.Event) {
		id, _ := e.Data["signal_id"].(string)
		if id != "" {
			container.Dispatcher.Enqueue(id)
		}
	})
	container.unsubscribe = append(container.unsubscribe, unsubscribe)

	log.Info().Msg("Schedule runners registered")

	return nil
}

// EnabledFeeds maps the configuration feed list into collector feeds.
func EnabledFeeds(cfg *config.Config) []news.Feed {
	enabled := cfg.EnabledFeeds()
	feeds := make([]news.Feed, 0, len(enabled))
	for _, f := range enabled {
		feeds = append(feeds, news.Feed{ID: f.ID, URL: f.URL})
	}
	return feeds
}

// sessionCloser settles a finished session: open signals close at the last
// bar, undispatched ones expire, opted-in users get their daily summary,
// and the session-closed event goes out once all three strands are done.
type sessionCloser struct {
	container *Container
}

func (s *sessionCloser) CloseSession(ctx context.Context, sessionKey string) error {
	c := s.container

	closed, err := c.Tracker.CloseSession(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", sessionKey, err)
	}

	expired, err := c.Dispatcher.ExpireSession(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("failed to expire undispatched signals for %s: %w", sessionKey, err)
	}

	// Summaries are best-effort; a mail failure must not fail settlement.
	if _, err := c.Dispatcher.SendDailySummaries(ctx, sessionKey); err != nil {
		c.log.Warn().Err(err).Str("session", sessionKey).Msg("Daily summaries failed")
	}

	c.EventManager.EmitTyped(events.SessionClosed, "scheduler", &events.SessionClosedData{
		SessionKey: sessionKey,
		Resolved:   closed.TargetHits + closed.StopHits + closed.Closed,
		Expired:    expired,
	})

	return nil
}

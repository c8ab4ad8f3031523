package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/modules/dispatch"
	"github.com/wojtczak/sygnal/internal/modules/indicators"
	"github.com/wojtczak/sygnal/internal/modules/marketdata"
	"github.com/wojtczak/sygnal/internal/modules/news"
	"github.com/wojtczak/sygnal/internal/modules/newsflow"
	"github.com/wojtczak/sygnal/internal/modules/outcomes"
	"github.com/wojtczak/sygnal/internal/modules/sentiment"
	"github.com/wojtczak/sygnal/internal/modules/signals"
	"github.com/wojtczak/sygnal/internal/reliability"
	"github.com/wojtczak/sygnal/internal/work"
)

// InitializeServices builds the service layer on top of the repositories.
// Construction order follows the data flow: calendar and events first, then
// the collectors, the analysis chain, and finally dispatch and maintenance.
func InitializeServices(container *Container, cfg *config.Config, clock domain.Clock, log zerolog.Logger) error {
	calendar, err := market.NewCalendar(market.Config{
		OpenLocal:     cfg.Session.OpenLocal,
		CloseLocal:    cfg.Session.CloseLocal,
		ExtraHolidays: cfg.Session.ExtraHolidays,
	}, clock)
	if err != nil {
		return fmt.Errorf("failed to build market calendar: %w", err)
	}
	container.Calendar = calendar

	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	container.Pool = work.NewPool(work.PoolConfig{}, log)

	container.PriceCollector = marketdata.NewCollector(
		marketdata.CollectorConfig{
			BaseURL:        cfg.Collector.BaseURL,
			MaxConcurrency: cfg.Collector.MaxConcurrency,
			RateLimit:      cfg.Collector.RateLimit,
			Timeout:        time.Duration(cfg.Collector.TimeoutSeconds) * time.Second,
		},
		container.StockRepo,
		container.BarRepo,
		container.EventManager,
		calendar.Location(),
		log,
	)

	container.NewsCollector = news.NewCollector(
		news.CollectorConfig{},
		container.StockRepo,
		container.ArticleRepo,
		container.EventManager,
		log,
	)

	container.Sentiment = sentiment.NewService(
		sentiment.ServiceConfig{
			CallTimeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		},
		classifierProviders(cfg.LLM, log),
		container.ArticleRepo,
		container.StockRepo,
		container.EventManager,
		log,
	)

	analyzer, err := newsflow.NewAnalyzer(
		newsflow.AnalyzerConfig{
			Profile:         cfg.News.Profile,
			HalfLifeMinutes: cfg.News.HalfLifeMinutes,
			LookbackHours:   cfg.News.LookbackHours,
			SourceWeights:   cfg.News.SourceWeights,
			MinConfidence:   cfg.News.MinConfidence,
		},
		container.ArticleRepo,
		calendar,
		clock,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to build news analyzer: %w", err)
	}
	container.Analyzer = analyzer

	container.Engine = indicators.NewEngine(indicators.EngineConfig{}, container.BarRepo, log)
	container.Indicators = indicators.NewService(
		container.StockRepo,
		container.Engine,
		container.SnapshotRepo,
		container.EventManager,
		log,
	)

	generator, err := signals.NewGenerator(signals.GeneratorConfig{
		Profile:   cfg.SignalProfile,
		NewsBoost: cfg.Signals.NewsConfidenceBoost,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to build signal generator: %w", err)
	}

	signalService, err := signals.NewService(
		signals.ServiceConfig{
			LastEntryLocal: cfg.Signals.LastEntryLocal,
			ADVWindowDays:  cfg.Signals.ADVWindowDays,
		},
		generator,
		container.StockRepo,
		container.Engine,
		analyzer,
		container.BarRepo,
		container.UserRepo,
		container.SignalRepo,
		calendar,
		clock,
		container.EventManager,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to build signal service: %w", err)
	}
	container.Signals = signalService

	container.Dispatcher = dispatch.NewService(
		dispatch.ServiceConfig{
			QueueSize:    cfg.Dispatch.QueueSize,
			RetryBackoff: time.Duration(cfg.Dispatch.RetryBackoffSeconds) * time.Second,
		},
		notifiers(cfg, log),
		container.SignalRepo,
		container.UserRepo,
		container.DeliveryRepo,
		clock,
		container.EventManager,
		log,
	)

	container.Tracker = outcomes.NewTracker(
		outcomes.TrackerConfig{},
		container.SignalRepo,
		container.BarRepo,
		clock,
		container.EventManager,
		log,
	)
	container.Reporter = outcomes.NewReporter(container.SignalRepo, log)

	maintenance, err := buildMaintenance(container, cfg, clock, log)
	if err != nil {
		return err
	}
	container.Maintenance = maintenance

	log.Info().Msg("Services initialized")

	return nil
}

// classifierProviders builds the weighted classifier chain for the
// configured LLM provider. The stub is the whole chain when selected; a
// failing real provider leaves articles unclassified for the next cycle
// rather than silently neutral.
func classifierProviders(cfg config.LLMConfig, log zerolog.Logger) []sentiment.WeightedProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Provider {
	case "openai":
		return []sentiment.WeightedProvider{{
			Classifier: sentiment.NewOpenAIClassifier(sentiment.OpenAIConfig{
				APIKey:  cfg.APIKey,
				Model:   cfg.Model,
				BaseURL: cfg.BaseURL,
				Timeout: timeout,
			}, log),
			Weight: 1.0,
		}}
	case "ollama":
		return []sentiment.WeightedProvider{{
			Classifier: sentiment.NewOllamaClassifier(sentiment.OllamaConfig{
				Model:   cfg.Model,
				BaseURL: cfg.BaseURL,
				Timeout: timeout,
			}, log),
			Weight: 1.0,
		}}
	default:
		return []sentiment.WeightedProvider{{
			Classifier: sentiment.NewStubClassifier(),
			Weight:     1.0,
		}}
	}
}

// notifiers builds the transports that have credentials. A channel without
// a transport fails permanently at dispatch time, which the delivery rows
// make visible.
func notifiers(cfg *config.Config, log zerolog.Logger) []domain.Notifier {
	var out []domain.Notifier

	if cfg.Telegram.BotToken != "" {
		out = append(out, dispatch.NewTelegramNotifier(dispatch.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			BaseURL:  cfg.Telegram.APIBaseURL,
		}, log))
	} else {
		log.Debug().Msg("Telegram bot token not configured - telegram channel disabled")
	}

	if cfg.SMTP.Host != "" {
		out = append(out, dispatch.NewEmailNotifier(dispatch.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, log))
	} else {
		log.Debug().Msg("SMTP host not configured - email channel disabled")
	}

	return out
}

// buildMaintenance assembles the nightly maintenance pass. The S3 store is
// attached only when backups are enabled; without it the pass still
// checkpoints, prunes, and watches disk space.
func buildMaintenance(container *Container, cfg *config.Config, clock domain.Clock, log zerolog.Logger) (*reliability.Maintenance, error) {
	var store reliability.ObjectStore
	if cfg.Backup.Enabled {
		client, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Bucket:    cfg.Backup.S3Bucket,
			Region:    cfg.Backup.S3Region,
			Endpoint:  cfg.Backup.S3Endpoint,
			AccessKey: cfg.Backup.S3AccessKey,
			SecretKey: cfg.Backup.S3SecretKey,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build S3 backup client: %w", err)
		}
		store = client
	} else {
		log.Debug().Msg("Backups not enabled - S3 upload disabled")
	}

	databases := make([]reliability.Database, 0, 6)
	for _, db := range container.Databases() {
		databases = append(databases, db)
	}

	return reliability.NewMaintenance(
		reliability.Config{
			DataDir:       cfg.DataDir,
			Prefix:        cfg.Backup.S3Prefix,
			RetentionDays: cfg.Backup.RetentionDays,
		},
		store,
		databases,
		container.ScheduleRepo,
		container.EventManager,
		clock,
		log,
	), nil
}

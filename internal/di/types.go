// Package di wires the engine together: databases, repositories, services,
// and the scheduler runner bindings. Wire() is the single entry point; every
// CLI subcommand builds its world from the Container it returns.
package di

import (
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/database"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/modules/accounts"
	"github.com/wojtczak/sygnal/internal/modules/dispatch"
	"github.com/wojtczak/sygnal/internal/modules/indicators"
	"github.com/wojtczak/sygnal/internal/modules/marketdata"
	"github.com/wojtczak/sygnal/internal/modules/news"
	"github.com/wojtczak/sygnal/internal/modules/newsflow"
	"github.com/wojtczak/sygnal/internal/modules/outcomes"
	"github.com/wojtczak/sygnal/internal/modules/sentiment"
	"github.com/wojtczak/sygnal/internal/modules/signals"
	"github.com/wojtczak/sygnal/internal/modules/universe"
	"github.com/wojtczak/sygnal/internal/reliability"
	"github.com/wojtczak/sygnal/internal/scheduler"
	"github.com/wojtczak/sygnal/internal/work"
)

// Container holds every constructed dependency. It is created by Wire and
// handed to the CLI subcommands; nothing else constructs services.
type Container struct {
	// Databases (six-database layout)
	UniverseDB *database.DB // stocks under watch
	HistoryDB  *database.DB // OHLCV bars, indicator snapshots
	NewsDB     *database.DB // articles, classifications, per-stock sentiment
	AccountsDB *database.DB // users, trading preferences
	LedgerDB   *database.DB // signals, outcomes, deliveries (append-style audit)
	CacheDB    *database.DB // schedules, executions

	// Repositories
	StockRepo    *universe.StockRepository
	BarRepo      *marketdata.BarRepository
	ArticleRepo  *news.ArticleRepository
	UserRepo     *accounts.UserRepository
	SignalRepo   *signals.SignalRepository
	DeliveryRepo *dispatch.DeliveryRepository
	SnapshotRepo *indicators.SnapshotRepository
	ScheduleRepo *scheduler.ScheduleRepository

	// Core runtime
	EventBus     *events.Bus
	EventManager *events.Manager
	Calendar     *market.Calendar
	Pool         *work.Pool

	// Services
	PriceCollector *marketdata.Collector
	NewsCollector  *news.Collector
	Sentiment      *sentiment.Service
	Analyzer       *newsflow.Analyzer
	Engine         *indicators.Engine
	Indicators     *indicators.Service
	Signals        *signals.Service
	Dispatcher     *dispatch.Service
	Tracker        *outcomes.Tracker
	Reporter       *outcomes.Reporter
	Maintenance    *reliability.Maintenance
	Coordinator    *scheduler.Coordinator

	// Store is the live configuration; runners read Current() every cycle.
	Store *config.Store

	// unsubscribe releases bus subscriptions registered by the container.
	unsubscribe []func()

	log zerolog.Logger
}

// Databases returns the six databases in a stable order, for health checks
// and shutdown.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{
		c.UniverseDB,
		c.HistoryDB,
		c.NewsDB,
		c.AccountsDB,
		c.LedgerDB,
		c.CacheDB,
	}
}

// Close releases bus subscriptions and closes every database. Safe to call
// once the pool and scheduler have stopped.
func (c *Container) Close() {
	for _, cancel := range c.unsubscribe {
		cancel()
	}
	c.unsubscribe = nil

	for _, db := range c.Databases() {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}

// closeDatabases tears down whatever InitializeDatabases managed to open.
// Used on wiring errors, where the container is about to be discarded.
func (c *Container) closeDatabases() {
	for _, db := range c.Databases() {
		if db != nil {
			db.Close()
		}
	}
}

package di

import (
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/modules/accounts"
	"github.com/wojtczak/sygnal/internal/modules/dispatch"
	"github.com/wojtczak/sygnal/internal/modules/indicators"
	"github.com/wojtczak/sygnal/internal/modules/marketdata"
	"github.com/wojtczak/sygnal/internal/modules/news"
	"github.com/wojtczak/sygnal/internal/modules/signals"
	"github.com/wojtczak/sygnal/internal/modules/universe"
	"github.com/wojtczak/sygnal/internal/scheduler"
)

// InitializeRepositories creates the data access layer over the open
// databases. Repositories never own their connections; the container does.
func InitializeRepositories(container *Container, clock domain.Clock, log zerolog.Logger) {
	container.StockRepo = universe.NewStockRepository(container.UniverseDB.Conn(), log)
	container.BarRepo = marketdata.NewBarRepository(container.HistoryDB.Conn(), log)
	container.SnapshotRepo = indicators.NewSnapshotRepository(container.HistoryDB.Conn(), log)
	container.ArticleRepo = news.NewArticleRepository(container.NewsDB.Conn(), log)
	container.UserRepo = accounts.NewUserRepository(container.AccountsDB.Conn(), clock, log)
	container.SignalRepo = signals.NewSignalRepository(container.LedgerDB.Conn(), log)
	container.DeliveryRepo = dispatch.NewDeliveryRepository(container.LedgerDB.Conn(), log)
	container.ScheduleRepo = scheduler.NewScheduleRepository(container.CacheDB.Conn(), log)

	log.Info().Msg("Repositories initialized")
}

package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/database"
)

// InitializeDatabases opens the six databases under cfg.DataDir and applies
// their schemas. On error everything opened so far is closed again.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{log: log}

	specs := []struct {
		name    string
		profile database.Profile
		target  **database.DB
	}{
		// universe.db - the GPW instruments under watch
		{"universe", database.ProfileStandard, &container.UniverseDB},
		// history.db - OHLCV bars and indicator snapshots
		{"history", database.ProfileStandard, &container.HistoryDB},
		// news.db - articles, classifications, per-stock sentiment
		{"news", database.ProfileStandard, &container.NewsDB},
		// accounts.db - users and trading preferences
		{"accounts", database.ProfileStandard, &container.AccountsDB},
		// ledger.db - signals, outcomes, deliveries; maximum durability
		{"ledger", database.ProfileLedger, &container.LedgerDB},
		// cache.db - schedules and execution history; maximum speed
		{"cache", database.ProfileCache, &container.CacheDB},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			container.closeDatabases()
			return nil, fmt.Errorf("failed to initialize %s database: %w", spec.name, err)
		}
		*spec.target = db
	}

	for _, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			container.closeDatabases()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized and schemas applied")

	return container, nil
}

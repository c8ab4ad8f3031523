package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/domain"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
//  1. Open databases and apply schemas
//  2. Build repositories
//  3. Build services
//  4. Register schedule runners and seed the default cadences
//  5. Seed the stock universe and operator account on first start
//
// The store's current snapshot drives construction; runners re-read it every
// cycle, so reloadable settings (feeds, weights) follow the store.
func Wire(store *config.Store, log zerolog.Logger) (*Container, error) {
	cfg := store.Current()
	clock := domain.SystemClock()

	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}
	container.Store = store

	InitializeRepositories(container, clock, log)

	if err := InitializeServices(container, cfg, clock, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterRunners(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to register runners: %w", err)
	}

	if err := SeedDefaults(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	log.Info().Msg("Dependency wiring completed")

	return container, nil
}

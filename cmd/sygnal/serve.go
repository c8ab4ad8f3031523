package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/di"
	"github.com/wojtczak/sygnal/internal/server"
)

// cmdServe runs the engine: worker pool, schedule coordinator, immediate
// dispatch queue, and the operational HTTP server. It blocks until SIGINT or
// SIGTERM, then shuts the pieces down in reverse order so in-flight jobs
// finish before their databases close.
func cmdServe(container *di.Container, cfg *config.Config, log zerolog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container.Pool.Start()

	if err := container.Coordinator.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start schedule coordinator")
		return exitCode(err)
	}

	// The dispatcher goroutine owns the immediate path; scheduled sweeps
	// cover anything it drops.
	go func() {
		if err := container.Dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Dispatch queue stopped unexpectedly")
		}
	}()

	dbs := container.Databases()
	checkers := make([]server.HealthChecker, 0, len(dbs))
	for _, db := range dbs {
		checkers = append(checkers, db)
	}

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		StartedAt: time.Now(),
		Store:     container.Store,
		Bus:       container.EventBus,
		Calendar:  container.Calendar,
		Databases: checkers,
		Pool:      container.Pool,
		Signals:   container.SignalRepo,
		Metrics:   container.Reporter,
		Schedules: container.ScheduleRepo,
		Runner:    container.Coordinator,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	log.Info().Int("port", cfg.Port).Str("profile", cfg.SignalProfile).Msg("Engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop producers first: no new ticks, then no queued work, then drain
	// HTTP. Database closes run in main's defer once this returns.
	cancel()
	container.Coordinator.Stop()
	container.Pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shut down")
		return exitConfig
	}

	log.Info().Msg("Shutdown complete")
	return exitOK
}

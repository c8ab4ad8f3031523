// Package server exposes the operational HTTP API: health, status, recent
// signals, outcome metrics, schedule control, and the live event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/config"
	"github.com/wojtczak/sygnal/internal/database"
	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/modules/outcomes"
	"github.com/wojtczak/sygnal/internal/modules/signals"
	"github.com/wojtczak/sygnal/internal/scheduler"
	"github.com/wojtczak/sygnal/internal/work"
)

// HealthChecker is the slice of database.DB the health endpoint needs.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// SignalSource reads signals for the API.
type SignalSource interface {
	Recent(limit int) ([]domain.TradingSignal, error)
	ForSession(sessionKey string) ([]domain.TradingSignal, error)
}

// MetricsSource aggregates one session's outcomes.
type MetricsSource interface {
	Daily(sessionKey string) (outcomes.DailyMetrics, error)
}

// ScheduleRunner queues a schedule by name, bypassing its window.
type ScheduleRunner interface {
	RunNow(name string) error
}

var (
	_ HealthChecker  = (*database.DB)(nil)
	_ SignalSource   = (*signals.SignalRepository)(nil)
	_ MetricsSource  = (*outcomes.Reporter)(nil)
	_ ScheduleRunner = (*scheduler.Coordinator)(nil)
)

// Config holds server configuration.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	StartedAt time.Time

	Store     *config.Store
	Bus       *events.Bus
	Calendar  *market.Calendar
	Databases []HealthChecker
	Pool      *work.Pool
	Signals   SignalSource
	Metrics   MetricsSource
	Schedules *scheduler.ScheduleRepository
	Runner    ScheduleRunner
}

// Server is the operational HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	startedAt time.Time

	store     *config.Store
	calendar  *market.Calendar
	databases []HealthChecker
	pool      *work.Pool
	signals   SignalSource
	metrics   MetricsSource
	schedules *scheduler.ScheduleRepository
	runner    ScheduleRunner
	stream    *EventStreamHandler
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		startedAt: startedAt,
		store:     cfg.Store,
		calendar:  cfg.Calendar,
		databases: cfg.Databases,
		pool:      cfg.Pool,
		signals:   cfg.Signals,
		metrics:   cfg.Metrics,
		schedules: cfg.Schedules,
		runner:    cfg.Runner,
	}

	if cfg.Bus != nil {
		s.stream = NewEventStreamHandler(cfg.Bus, cfg.Log)
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check at the root for load balancers
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The event stream is long-lived and exempt from the request timeout.
		if s.stream != nil {
			r.Get("/events/ws", s.stream.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/health", s.handleHealth)
			r.Get("/status", s.handleStatus)
			r.Get("/signals", s.handleSignals)
			r.Get("/outcomes/metrics", s.handleOutcomeMetrics)

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", s.handleSchedules)
				r.Put("/{name}", s.handleScheduleUpdate)
				r.Post("/{name}/run", s.handleScheduleRun)
				r.Get("/{name}/executions", s.handleScheduleExecutions)
			})
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

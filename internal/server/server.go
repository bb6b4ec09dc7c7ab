// Package server provides the HTTP API for the treasury cache: report
// and balance queries, coverage and breaker introspection, and manual
// sync triggering. Structured JSON only; presentation belongs to the
// callers.
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

	"github.com/cofferhq/coffer/internal/database"
	"github.com/cofferhq/coffer/internal/version"
)

// Route timeouts. Reads are served from SQLite and finish in
// milliseconds; a manual sync with a deep backfill window can hold its
// request open for minutes, so it gets its own budget and the server
// write timeout stays above it.
const (
	apiTimeout  = 60 * time.Second
	syncTimeout = 12 * time.Minute
)

// Config holds server configuration and the service dependencies the
// handlers serve from. Optional fields may be nil; the matching
// endpoints then degrade or report absent.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	DataDir string
	Symbol  string

	Databases []*database.DB

	Reports   ReportBuilderInterface
	Cache     TradeStoreInterface
	Runs      RunStoreInterface
	Balances  BalanceSourceInterface
	Sync      SyncTriggerInterface
	Snapshots SnapshotStoreInterface
	Trends    TrendAnalyzerInterface
	Marks     MarkSeriesInterface
	Breakers  BreakerSourceInterface
	Jobs      JobBoardInterface
	Feed      FeedStatusInterface
}

// Server is the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	system   *SystemHandlers
}

// New creates the HTTP server with all routes wired
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(cfg),
		system:   NewSystemHandlers(cfg),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: syncTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe, cheap enough for tight polling
	s.router.Get("/health", s.handleLiveness)

	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(apiTimeout))

			r.Get("/health", s.system.HandleHealth)

			r.Get("/report", s.handlers.HandleReport)
			r.Get("/balances", s.handlers.HandleBalances)
			r.Get("/coverage", s.handlers.HandleCoverage)
			r.Get("/breakers", s.handlers.HandleBreakers)
			r.Get("/trades", s.handlers.HandleTrades)
			r.Get("/transfers", s.handlers.HandleTransfers)
			r.Get("/runs", s.handlers.HandleRuns)
			r.Get("/snapshots", s.handlers.HandleSnapshots)
			r.Get("/marks", s.handlers.HandleMarks)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(syncTimeout))

			r.Post("/sync", s.handlers.HandleSync)
		})
	})
}

// Router exposes the configured router, primarily for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the server until it is shut down
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleLiveness handles the bare liveness probe
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "coffer",
		"version": version.Version,
	})
}

// loggingMiddleware logs every request with its outcome
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

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

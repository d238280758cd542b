package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/goquant/slipstream/internal/app"
	"github.com/goquant/slipstream/internal/config"
	"github.com/goquant/slipstream/internal/telemetry"
)

// Server is the external surface: REST under /api/v1, Prometheus exposition,
// and the websocket push channel.
type Server struct {
	cfg     config.ServerConfig
	app     *app.App
	metrics *telemetry.Metrics
	router  *mux.Router
	http    *http.Server
}

// NewServer builds the router and the underlying http.Server. Nothing
// listens until Start.
func NewServer(cfg config.ServerConfig, application *app.App, metrics *telemetry.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		app:     application,
		metrics: metrics,
		router:  mux.NewRouter(),
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.accessLogMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/orderbook", s.handleOrderbook).Methods(http.MethodGet)
	api.HandleFunc("/parameters", s.handleGetParameters).Methods(http.MethodGet)
	api.HandleFunc("/parameters", s.handleUpdateParameters).Methods(http.MethodPatch, http.MethodPost)
	api.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/latency", s.handleLatency).Methods(http.MethodGet)
	api.HandleFunc("/latency", s.handleResetLatency).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start blocks serving requests until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr()).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

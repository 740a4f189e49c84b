package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin routes using chi router
func NewRouter(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// Capture status and replay control
	r.Route("/cdc", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/status", handlers.handleCDCStatus)
		r.Post("/replay/start", handlers.handleReplayStart)
		r.Post("/replay/stop", handlers.handleReplayStop)
		r.Get("/replay/wait", handlers.handleReplayWait)
	})

	// Index inspection and captured document writes
	r.Route("/index/{store}", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/documents", handlers.handleStoreDocuments)
		r.Get("/count", handlers.handleStoreCount)
		r.Put("/documents/{id}", handlers.handlePutDocument)
		r.Delete("/documents/{id}", handlers.handleDeleteDocument)
	})

	return r
}

// Server serves the admin router until Shutdown
type Server struct {
	httpServer *http.Server
}

// NewServer creates the admin server listening on the configured address
func NewServer(config cfg.AdminConfiguration, handlers *AdminHandlers) *Server {
	addr := net.JoinHostPort(config.BindAddress, strconv.Itoa(config.Port))
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(handlers),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens in the background; bind failures are returned synchronously
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("Admin endpoints enabled at /health, /cdc/*, /index/*")
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package api exposes the coordinator over a localhost REST API. The UI
// and the CLI's mutating commands go through here, so every write funnels
// into the daemon's single-writer state machine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/coordinator"
	"github.com/stridegate/stridegate/internal/domain"
)

// Server wires the coordinator to HTTP handlers.
type Server struct {
	coord   *coordinator.Coordinator
	history domain.HistoryStore // may be nil
	logger  *zap.Logger
}

// NewServer creates the API server.
func NewServer(coord *coordinator.Coordinator, history domain.HistoryStore, logger *zap.Logger) *Server {
	return &Server{coord: coord, history: history, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ledger", s.handleGetLedger)
		r.Post("/steps", s.handleSyncSteps)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/spend", s.handleSpend)
			r.Post("/reengage", s.handleReengage)
		})

		r.Get("/schedule", s.handleGetSchedule)
		r.Put("/schedule", s.handlePutSchedule)

		r.Get("/history", s.handleGetHistory)
	})

	return r
}

// Serve runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

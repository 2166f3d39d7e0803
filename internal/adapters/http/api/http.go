// Package api serves the operational HTTP surface: health and metrics.
// Pipeline operations are exposed through the service and the CLI, not HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	service "github.com/okian/demandseries/internal/app"
	"github.com/okian/demandseries/pkg/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Dependencies required by the ops handlers.
type Dependencies interface {
	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (service.Stats, error)
}

// Server wires the ops routes.
type Server struct {
	healthHandler  *HealthHandler
	metricsHandler http.Handler
}

// NewServer creates a new ops server.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:  NewHealthHandler(deps),
		metricsHandler: NewMetricsHandler(),
	}
}

// Register attaches the ops routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("/metrics", s.metricsHandler)
}

// ListenAndServe serves the ops routes on addr until ctx is done, then shuts
// the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.Register(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	log := logger.Get().Named("ops-http")
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "ops listener started", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%w: %w", ErrServe, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%w: shutdown: %w", ErrServe, err)
	}
	log.Info(ctx, "ops listener stopped")
	return nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/john/chatwatch/internal/watcher"
)

// Source is what the endpoints report on. *watcher.Watcher satisfies it.
type Source interface {
	Status() watcher.Status
	// Err is non-nil once the chat connection stopped for good.
	Err() error
}

// Server provides the health, status and metrics endpoints
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// New creates a new health check server
func New(addr string, src Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewMux(src),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewMux returns the handler serving /health, /status and /metrics.
func NewMux(src Source) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := src.Err(); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Status())
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("health server listening", slog.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down health server")
	return s.server.Shutdown(ctx)
}

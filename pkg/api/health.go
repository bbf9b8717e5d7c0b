package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
)

// StatusFunc reports the controller state served on /status
type StatusFunc func(ctx context.Context) (interface{}, error)

// HealthServer serves the monitor endpoints while the watchdog runs
type HealthServer struct {
	health *metrics.HealthChecker
	status StatusFunc
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates a new monitor HTTP server. status may be nil.
func NewHealthServer(health *metrics.HealthChecker, status StatusFunc) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		health: health,
		status: status,
		mux:    mux,
	}
	hs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Register endpoints
	mux.Handle("/health", getOnly(health.HealthHandler()))
	mux.Handle("/ready", getOnly(health.ReadyHandler()))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", hs.statusHandler)

	return hs
}

// Start serves on addr until Shutdown is called. Start after Shutdown
// returns immediately.
func (hs *HealthServer) Start(addr string) error {
	hs.server.Addr = addr

	log.Logger.Info().Str("addr", addr).Msg("Monitor endpoints listening")
	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// statusHandler implements the /status endpoint
func (hs *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.status == nil {
		http.Error(w, "status not available", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := hs.status(ctx)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

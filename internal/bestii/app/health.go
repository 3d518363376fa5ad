package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/common/version"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/metrics"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/store"
)

// HealthServer exposes /health, /status and /metrics.
// It is optional; bestii runs without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	store     any
	personas  personaLister
	metrics   *metrics.Metrics
	startedAt time.Time
	server    *http.Server
	listener  net.Listener
	mux       *http.ServeMux
}

// statsProvider is implemented by stores that can count their rows. The
// SQLite store does; the Firestore store does not.
type statsProvider interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type personaLister interface {
	IDs() []string
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status     string       `json:"status"`
	Version    string       `json:"version"`
	Commit     string       `json:"commit"`
	BuildTime  string       `json:"build_time"`
	StartedAt  time.Time    `json:"started_at"`
	UptimeSecs float64      `json:"uptime_seconds"`
	Personas   []string     `json:"personas"`
	Store      *store.Stats `json:"store,omitempty"`
	StoreError string       `json:"store_error,omitempty"`
}

// NewHealthServer creates and configures the HTTP server (does not start
// it). st may be any store; row counts are reported when it implements
// Stats. m may be nil, in which case /metrics is not mounted.
func NewHealthServer(addr string, st any, personas personaLister, m *metrics.Metrics) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     st,
		personas:  personas,
		metrics:   m,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Listen opens the listener so the caller knows the port is bound before
// Serve runs.
func (h *HealthServer) Listen() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	h.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (h *HealthServer) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// Serve handles requests until ctx is cancelled, then shuts down.
func (h *HealthServer) Serve(ctx context.Context) error {
	if h.listener == nil {
		if err := h.Listen(); err != nil {
			return err
		}
	}
	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server listening", "addr", h.listener.Addr().String())
		errCh <- h.server.Serve(h.listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	if h.personas != nil {
		resp.Personas = h.personas.IDs()
	}
	if sp, ok := h.store.(statsProvider); ok {
		st, err := sp.Stats(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.StoreError = err.Error()
		} else {
			resp.Store = &st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}

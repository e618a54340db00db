// Package controlserver implements the local HTTP control plane (spec
// §4.9, component C10): status, health, Prometheus metrics, drain, reload,
// and DLQ replay, bound to a loopback address so it is never reachable
// from outside the host.
//
// Grounded on the teacher's internal/server package: a net/http.Server
// wrapping a registry-backed mux with the same method+pattern routing and
// graceful-shutdown shape, generalized from Attractor's pipeline-run
// control surface onto AIRES's daemon control surface.
package controlserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/metrics"
	"github.com/aires-project/aires/internal/status"
	"github.com/aires-project/aires/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drainer is the subset of watcher.Watcher the control server needs to
// implement the `drain` verb, so the server depends on that one method
// rather than on the concrete watcher type.
type Drainer interface {
	Drain()
}

// Server is the daemon's local control-plane HTTP server.
type Server struct {
	cfg        *config.Config
	configPath string
	store      *store.Store
	metrics    *metrics.Registry
	reporter   *status.Reporter
	drainer    Drainer
	log        *logging.Logger

	httpSrv *http.Server
}

// New constructs a Server listening on cfg.ControlAddr.
func New(cfg *config.Config, configPath string, st *store.Store, reg *metrics.Registry, reporter *status.Reporter, drainer Drainer, log *logging.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		store:      st,
		metrics:    reg,
		reporter:   reporter,
		drainer:    drainer,
		log:        log.With("component", "controlserver"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /drain", s.handleDrain)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("POST /dlq/replay", s.handleDLQReplay)
	mux.HandleFunc("GET /dlq", s.handleDLQList)

	s.httpSrv = &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control plane until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("control server listening", "addr", s.cfg.ControlAddr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the control server within grace.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

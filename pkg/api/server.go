// Package api serves the agentd control surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/dryrun"
	"github.com/openfroyo/agentd/pkg/stores"
	"github.com/openfroyo/agentd/pkg/telemetry"
	"github.com/openfroyo/agentd/pkg/worker"
)

// Runtime is the part of the engine the API drives.
type Runtime interface {
	Run(ctx context.Context, id int64) (string, error)
	SetDisabled(ctx context.Context, id int64, disabled bool) error
	DryRun(ctx context.Context, id int64, payload map[string]interface{}) (*dryrun.Result, error)
	Workers() []worker.Status
}

// Server routes HTTP requests to the engine and the store.
type Server struct {
	router  *chi.Mux
	runtime Runtime
	store   stores.Store
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	cfg     config.APIConfig
}

// NewServer creates a server. Nil telemetry gets a no-op one.
func NewServer(cfg config.APIConfig, runtime Runtime, store stores.Store, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	s := &Server{
		router:  chi.NewRouter(),
		runtime: runtime,
		store:   store,
		metrics: tel.Metrics,
		logger:  tel.Logger.NewComponentLogger("api"),
		cfg:     cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/workers", s.listWorkers)

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAgent)
			r.Get("/logs", s.listLogs)
			r.Get("/events", s.listEvents)
			r.Post("/run", s.runAgent)
			r.Post("/enable", s.setDisabled(false))
			r.Post("/disable", s.setDisabled(true))
			r.Post("/dry_run", s.dryRun)
		})
	})
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down gracefully within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", ln.Addr().String()).Info("HTTP API listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

// logRequests logs every request with its status and latency.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

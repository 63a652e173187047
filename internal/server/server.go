// Package server serves the execute protocol over HTTP so that previews can
// run against a database the editor cannot reach directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapfuse/internal/preview"
)

// maxRequestBytes bounds the size of an execute request body.
const maxRequestBytes = 8 << 20

// Config holds configuration for the execute server.
type Config struct {
	Executor preview.Executor
	Addr     string

	// DefaultLimit applies to requests without a limit.
	DefaultLimit int

	// Registry receives the server metrics (optional, a private registry is
	// used if nil).
	Registry *prometheus.Registry

	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Server is the execute service.
type Server struct {
	exec         preview.Executor
	addr         string
	defaultLimit int
	registry     *prometheus.Registry
	logger       *slog.Logger

	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = preview.DefaultLimit
	}
	factory := promauto.With(cfg.Registry)
	return &Server{
		exec:         cfg.Executor,
		addr:         cfg.Addr,
		defaultLimit: cfg.DefaultLimit,
		registry:     cfg.Registry,
		logger:       cfg.Logger,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leapfuse_execute_requests_total",
			Help: "The total number of execute requests by outcome.",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leapfuse_execute_duration_seconds",
			Help:    "Time spent executing preview queries.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)
	r.Post("/execute", s.handleExecute)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// Serve listens on the configured address and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting execute server", slog.String("addr", ln.Addr().String()))

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down execute server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req preview.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.requests.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, preview.Response{Err: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		s.requests.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, preview.Response{Err: "sql is required"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.defaultLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	resp, err := preview.Run(r.Context(), s.exec, req)
	s.duration.Observe(time.Since(start).Seconds())

	var execErr *preview.ExecError
	switch {
	case err == nil:
		s.requests.WithLabelValues("ok").Inc()
		if resp.Data == nil {
			resp.Data = [][]any{}
		}
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &execErr):
		// Query failures are reported in band.
		s.requests.WithLabelValues("query_error").Inc()
		writeJSON(w, http.StatusOK, preview.Response{Columns: []preview.Column{}, Data: [][]any{}, Err: execErr.Description})
	case r.Context().Err() != nil:
		s.requests.WithLabelValues("canceled").Inc()
	default:
		s.requests.WithLabelValues("error").Inc()
		s.logger.Error("execute failed", slog.String("request_id", middleware.GetReqID(r.Context())), slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, preview.Response{Err: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

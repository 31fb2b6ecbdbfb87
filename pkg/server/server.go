// Package server exposes the pipeline and analytics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/reliability"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version is reported in every response envelope.
const Version = "1.0.0"

// Deps are the stages the handlers call.
type Deps struct {
	Store       store.Store
	Pipeline    *ingest.Pipeline
	Rollup      *rollup.Aggregator
	Forecast    *forecast.Engine
	Reliability *reliability.Backtester
	Anomaly     *anomaly.Service
}

// Options configures the HTTP server.
type Options struct {
	Port int
	HSTS bool
	// MaxUploadBytes bounds an ingestion body. Defaults to 64MiB.
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Server provides the HTTP API.
type Server struct {
	deps      Deps
	router    chi.Router
	srv       *http.Server
	port      int
	maxUpload int64
	version   string
	log       *zap.Logger
}

// New creates a new HTTP server.
func New(deps Deps, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		deps:      deps,
		port:      opts.Port,
		maxUpload: opts.MaxUploadBytes,
		version:   Version,
		log:       opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(opts.HSTS))

	s.router = r
	s.registerRoutes(r)
	return s
}

func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/sources", s.handleSources)

		// Ingestion and rollup
		r.Post("/ingest", s.handleIngest)
		r.Post("/kpi/run", s.handleKPIRun)

		// Daily metrics
		r.Get("/metrics/daily", s.handleDaily)
		r.Get("/metrics/names", s.handleMetricNames)
		r.Get("/metrics/export.csv", s.handleExport)

		// Forecasts
		r.Get("/forecast/daily", s.handleForecastDaily)
		r.Post("/forecast/run", s.handleForecastRun)
		r.Post("/forecast/health/run", s.handleHealthRun)
		r.Get("/forecast/health", s.handleHealthGet)
		r.Post("/forecast/reliability/run", s.handleReliabilityRun)
		r.Get("/forecast/reliability", s.handleReliabilityGet)

		// Anomalies
		r.Get("/anomaly/rolling", s.handleRolling)
		r.Get("/anomaly/iforest", s.handleIForest)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		<-errCh
		return nil
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/replica"
	"github.com/driftkv/replica-node/internal/status"
	"github.com/driftkv/replica-node/internal/storage/lsm"
)

// MetricsServer serves Prometheus metrics and the replica health surface
// over HTTP.
type MetricsServer struct {
	httpServer *http.Server
	base       *replica.Base
	wrapper    *lsm.Wrapper
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	Port int
	Path string
}

// NewMetricsServer creates a metrics server for one replica.
func NewMetricsServer(cfg *MetricsServerConfig, base *replica.Base, wrapper *lsm.Wrapper, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		base:    base,
		wrapper: wrapper,
		logger:  logger,
	}

	mux.Handle(cfg.Path, promhttp.Handler())
	mux.HandleFunc("/healthz", ms.healthHandler)

	return ms
}

// Start starts the metrics server.
func (s *MetricsServer) Start() {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// healthHandler reports the replica's identity, role, bulk-ingest state and
// last flushed decree.
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	decree, st := s.wrapper.LastFlushedDecree()
	if st != status.Ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","reason":"%s"}`, st)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","gpid":"%s","primary":%t,"ingest_status":"%s","last_flushed_decree":%d,"timestamp":"%s"}`,
		s.base.Gpid(),
		s.base.IsPrimary(),
		s.base.IngestStatus(),
		decree,
		time.Now().Format(time.RFC3339))
}

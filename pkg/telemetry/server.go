package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gridarena/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves the prometheus scrape endpoint at /metrics.
type MetricsServer struct {
	srv    *http.Server
	logger core.ILogger
}

// NewMetricsServer prepares the endpoint on the given port.
func NewMetricsServer(port int, logger core.ILogger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv:    &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start serves in the background. Bind failures are logged, not fatal:
// losing the scrape endpoint must not take trading down.
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Info("metrics endpoint up", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics endpoint failed", "error", err.Error())
		}
	}()
}

// Stop drains the endpoint.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

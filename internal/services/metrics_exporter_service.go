package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MetricsExporterService serves a Prometheus gatherer on /metrics.
type MetricsExporterService struct {
	Address         string
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger

	gatherer prometheus.Gatherer

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewMetricsExporterService initializes a new MetricsExporterService.
func NewMetricsExporterService(address string, gatherer prometheus.Gatherer, logger zerolog.Logger) *MetricsExporterService {
	return &MetricsExporterService{
		Address:         address,
		ShutdownTimeout: 5 * time.Second,
		Logger:          logger,
		gatherer:        gatherer,
	}
}

// Start binds the listen address and serves in the background.
func (e *MetricsExporterService) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server != nil {
		e.Logger.Warn().Msg("MetricsExporterService is already running")
		return errors.New("metrics exporter service is already running")
	}

	listener, err := net.Listen("tcp", e.Address)
	if err != nil {
		e.Logger.Error().Err(err).Str("address", e.Address).Msg("Failed to bind metrics endpoint")
		return fmt.Errorf("failed to listen on %s: %w", e.Address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{}))

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	e.listener = listener
	e.done = make(chan struct{})

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Error().Err(err).Msg("Metrics endpoint stopped unexpectedly")
		}
	}(e.server, e.done)

	e.Logger.Info().Str("address", listener.Addr().String()).Msg("MetricsExporterService started successfully")
	return nil
}

// Addr returns the bound address, or nil when not running.
func (e *MetricsExporterService) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Stop shuts the HTTP server down, waiting for in-flight scrapes.
func (e *MetricsExporterService) Stop() error {
	e.mu.Lock()
	server, done := e.server, e.done
	e.server, e.listener = nil, nil
	e.mu.Unlock()

	if server == nil {
		e.Logger.Warn().Msg("MetricsExporterService is not running")
		return errors.New("metrics exporter service is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics endpoint: %w", err)
	}
	<-done

	e.Logger.Info().Msg("MetricsExporterService stopped successfully")
	return nil
}

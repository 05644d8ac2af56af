package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/sensor-hub/internal/metrics_collectors"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/mqtt"
	"github.com/rs/zerolog"
)

// StatisticsObserver receives the network statistics snapshot taken on every
// metrics tick.
type StatisticsObserver interface {
	ObserveNetworkStatistics(stats models.NetworkStatistics)
}

// MetricsService periodically collects host and fleet metrics, logs them,
// publishes them over MQTT when a client is configured and feeds statistics
// observers.
type MetricsService struct {
	pubTopic      string
	serverID      string
	metricsConfig *models.MetricsConfig
	interval      time.Duration
	timeout       time.Duration
	workers       int
	qos           int
	publishRetry  time.Duration
	mqttClient    mqtt.MQTTClient
	provider      metrics_collectors.StatisticsProvider
	observers     []StatisticsObserver
	logger        zerolog.Logger
	registry      *metrics_collectors.MetricsRegistry

	mu         sync.Mutex
	workerPool *utils.WorkerPool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewMetricsService initializes and returns a new instance of MetricsService.
// mqttClient may be nil, in which case reports are only logged.
func NewMetricsService(
	pubTopic, serverID string,
	interval, timeout time.Duration,
	workers, qos int,
	metricsConfig models.MetricsConfig,
	provider metrics_collectors.StatisticsProvider,
	mqttClient mqtt.MQTTClient,
	logger zerolog.Logger,
	observers ...StatisticsObserver,
) *MetricsService {
	service := &MetricsService{
		pubTopic:      pubTopic,
		serverID:      serverID,
		metricsConfig: &metricsConfig,
		interval:      interval,
		timeout:       timeout,
		workers:       workers,
		qos:           qos,
		publishRetry:  time.Second,
		mqttClient:    mqttClient,
		provider:      provider,
		observers:     observers,
		logger:        logger,
		registry:      metrics_collectors.NewMetricsRegistry(),
	}

	service.registerDefaultCollectors()
	return service
}

func (m *MetricsService) registerDefaultCollectors() {
	m.registry.Register(&metrics_collectors.CPUMetricCollector{Logger: m.logger})
	m.registry.Register(&metrics_collectors.MemoryMetricCollector{Logger: m.logger})
	m.registry.Register(&metrics_collectors.GoroutineMetricCollector{Logger: m.logger})
	m.registry.Register(&metrics_collectors.NetworkMetricCollector{Logger: m.logger})
	m.registry.Register(&metrics_collectors.DeviceMetricCollector{Logger: m.logger, Provider: m.provider})
}

// RegisterCollector adds or replaces a collector before Start.
func (m *MetricsService) RegisterCollector(collector metrics_collectors.MetricCollector) {
	m.registry.Register(collector)
}

// Start initiates periodic metrics collection.
func (m *MetricsService) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		m.logger.Warn().Msg("MetricsService is already running")
		return errors.New("metrics service is already running")
	}
	if m.interval <= 0 {
		return fmt.Errorf("invalid metrics interval %s", m.interval)
	}

	m.logger.Info().Msg("Starting MetricsService...")

	m.workerPool = utils.NewWorkerPool(m.workers, m.workers)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.runMetricsCollectionLoop(m.ctx)

	m.logger.Info().Str("topic", m.pubTopic).Dur("interval", m.interval).Msg("MetricsService started successfully")
	return nil
}

// Stop gracefully stops the metrics service.
func (m *MetricsService) Stop() error {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		m.logger.Warn().Msg("MetricsService is not running")
		return errors.New("metrics service is not running")
	}
	m.logger.Info().Msg("Stopping MetricsService...")
	m.cancel()
	pool := m.workerPool
	m.ctx = nil
	m.mu.Unlock()

	m.wg.Wait()
	pool.Shutdown()

	m.logger.Info().Msg("MetricsService stopped successfully")
	return nil
}

func (m *MetricsService) runMetricsCollectionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.observeStatistics()

			report := m.CollectMetrics(ctx)
			if m.mqttClient == nil {
				continue
			}
			if err := m.PublishMetrics(report); err != nil {
				m.logger.Error().Err(err).Msg("Failed to publish metrics")
			}
		case <-ctx.Done():
			m.logger.Info().Msg("Stopping metrics collection")
			return
		}
	}
}

func (m *MetricsService) observeStatistics() {
	if m.provider == nil || len(m.observers) == 0 {
		return
	}
	stats := m.provider.GetNetworkStatistics()
	for _, o := range m.observers {
		o.ObserveNetworkStatistics(stats)
	}
}

type collectedMetric struct {
	name  string
	value any
	unit  string
}

// CollectMetrics runs every enabled collector concurrently and returns what
// finished within the collection timeout. Collectors returning nil are left out.
func (m *MetricsService) CollectMetrics(parent context.Context) *models.MetricsReport {
	report := &models.MetricsReport{
		Timestamp: time.Now().UTC(),
		ServerID:  m.serverID,
		Metrics:   make(map[string]models.Metric),
	}

	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	m.mu.Lock()
	pool := m.workerPool
	m.mu.Unlock()

	enabled := m.registry.Enabled(m.metricsConfig)
	results := make(chan collectedMetric, len(enabled))
	for _, collector := range enabled {
		task := func() {
			results <- collectedMetric{name: collector.Name(), value: collector.Collect(ctx), unit: collector.Unit()}
		}
		if pool == nil || !pool.Submit(task) {
			go task()
		}
	}

	for pending := len(enabled); pending > 0; pending-- {
		select {
		case r := <-results:
			if r.value != nil {
				report.Metrics[r.name] = models.Metric{Value: r.value, Unit: r.unit}
			}
		case <-ctx.Done():
			m.logger.Warn().Int("pending", pending).Msg("Metrics collection timed out")
			return report
		}
	}

	m.logger.Info().Interface("metrics", report.Metrics).Msg("Metrics collected successfully")
	return report
}

// PublishMetrics sends the report via MQTT, retrying with a growing delay.
func (m *MetricsService) PublishMetrics(report *models.MetricsReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize metrics: %w", err)
	}

	retries := 3
	for i := 0; i < retries; i++ {
		token := m.mqttClient.Publish(m.pubTopic, byte(m.qos), false, data)
		if token.Wait() && token.Error() == nil {
			m.logger.Debug().Str("topic", m.pubTopic).Msg("Metrics published successfully")
			return nil
		}
		m.logger.Warn().Err(token.Error()).Int("retry", i+1).Msg("Retrying to publish metrics...")
		time.Sleep(time.Duration(i+1) * m.publishRetry)
	}

	return fmt.Errorf("failed to publish metrics after %d retries", retries)
}

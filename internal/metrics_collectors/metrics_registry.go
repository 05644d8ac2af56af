package metrics_collectors

import (
	"sort"
	"sync"

	"github.com/benmeehan/sensor-hub/internal/models"
)

// MetricsRegistry holds the collectors known to the metrics service, keyed by name.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors map[string]MetricCollector
}

// NewMetricsRegistry creates an empty MetricsRegistry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
	}
}

// Register adds collector, replacing any collector with the same name.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[collector.Name()] = collector
}

// Enabled returns the collectors selected by config, ordered by name.
func (r *MetricsRegistry) Enabled(config *models.MetricsConfig) []MetricCollector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled := make([]MetricCollector, 0, len(r.collectors))
	for _, c := range r.collectors {
		if c.IsEnabled(config) {
			enabled = append(enabled, c)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name() < enabled[j].Name() })
	return enabled
}

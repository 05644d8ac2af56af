package metrics_collectors

import (
	"context"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/mem"
)

// MemoryMetricCollector reports used virtual memory on the server host.
type MemoryMetricCollector struct {
	Logger zerolog.Logger
}

func (m *MemoryMetricCollector) Name() string {
	return "memory"
}

func (m *MemoryMetricCollector) Collect(ctx context.Context) any {
	stats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.Logger.Error().Err(err).Msg("Failed to read memory statistics")
		return nil
	}

	m.Logger.Debug().Float64("memory_usage_percent", stats.UsedPercent).Msg("Memory usage collected")
	return stats.UsedPercent
}

func (m *MemoryMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorMemory
}

func (m *MemoryMetricCollector) Unit() string {
	return "percentage"
}

func (m *MemoryMetricCollector) Description() string {
	return "Used virtual memory of the server host."
}

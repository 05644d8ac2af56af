package metrics_collectors

import (
	"context"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
)

// CPUMetricCollector reports host CPU utilisation.
type CPUMetricCollector struct {
	Logger zerolog.Logger
}

func (c *CPUMetricCollector) Name() string {
	return "cpu"
}

func (c *CPUMetricCollector) Collect(ctx context.Context) any {
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		c.Logger.Error().Err(err).Msg("Failed to read CPU utilisation")
		return nil
	}
	if len(percentages) == 0 {
		c.Logger.Warn().Msg("CPU utilisation is empty")
		return nil
	}

	c.Logger.Debug().Float64("cpu_usage", percentages[0]).Msg("CPU utilisation collected")
	return percentages[0]
}

func (c *CPUMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorCPU
}

func (c *CPUMetricCollector) Unit() string {
	return "percentage"
}

func (c *CPUMetricCollector) Description() string {
	return "CPU utilisation of the server host across all cores."
}

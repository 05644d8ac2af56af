package metrics_collectors

import (
	"context"
	"runtime"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/rs/zerolog"
)

// GoroutineMetricCollector reports the number of live goroutines. Each device
// holds two, so the value tracks the fleet size.
type GoroutineMetricCollector struct {
	Logger zerolog.Logger
}

func (g *GoroutineMetricCollector) Name() string {
	return "goroutines"
}

func (g *GoroutineMetricCollector) Collect(context.Context) any {
	n := runtime.NumGoroutine()
	g.Logger.Debug().Int("goroutines", n).Msg("Goroutine count collected")
	return n
}

func (g *GoroutineMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorGoroutines
}

func (g *GoroutineMetricCollector) Unit() string {
	return "count"
}

func (g *GoroutineMetricCollector) Description() string {
	return "Goroutines running in the server process."
}

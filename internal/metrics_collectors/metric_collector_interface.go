package metrics_collectors

import (
	"context"

	"github.com/benmeehan/sensor-hub/internal/models"
)

// MetricCollector produces one named value for the periodic metrics report.
type MetricCollector interface {
	Name() string                                // Key of the value in the report
	Collect(ctx context.Context) any             // Current value, nil when unavailable
	IsEnabled(config *models.MetricsConfig) bool // Whether the report includes this collector
	Unit() string                                // Unit of the value (e.g. "percentage", "count")
	Description() string
}

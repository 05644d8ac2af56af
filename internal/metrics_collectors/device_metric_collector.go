package metrics_collectors

import (
	"context"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/rs/zerolog"
)

// StatisticsProvider returns a snapshot of the device registry.
type StatisticsProvider interface {
	GetNetworkStatistics() models.NetworkStatistics
}

// DeviceMetricCollector summarises the connected device fleet.
type DeviceMetricCollector struct {
	Logger   zerolog.Logger
	Provider StatisticsProvider
}

func (d *DeviceMetricCollector) Name() string {
	return "devices"
}

func (d *DeviceMetricCollector) Collect(context.Context) any {
	stats := d.Provider.GetNetworkStatistics()

	fleet := models.DeviceFleetMetrics{
		ActiveDevices:  stats.ActiveDevices,
		AverageLatency: stats.AverageLatency,
		NetworkQuality: stats.NetworkQuality,
		PendingAcks:    stats.PendingAcks,
		QualityCounts:  make(map[string]int),
	}
	for _, status := range stats.Devices {
		fleet.QualityCounts[status.StreamingQuality]++
	}

	d.Logger.Debug().
		Int("active_devices", fleet.ActiveDevices).
		Str("network_quality", fleet.NetworkQuality).
		Msg("Device fleet metrics collected")
	return fleet
}

func (d *DeviceMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorDevices && d.Provider != nil
}

func (d *DeviceMetricCollector) Unit() string {
	return "summary"
}

func (d *DeviceMetricCollector) Description() string {
	return "Registered devices, their latency and streaming quality."
}

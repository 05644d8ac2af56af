package models

import "time"

// MetricsConfig selects which collectors run in the periodic metrics report.
type MetricsConfig struct {
	MonitorCPU        bool `yaml:"monitor_cpu" json:"monitor_cpu"`
	MonitorMemory     bool `yaml:"monitor_memory" json:"monitor_memory"`
	MonitorGoroutines bool `yaml:"monitor_goroutines" json:"monitor_goroutines"`
	MonitorNetwork    bool `yaml:"monitor_network" json:"monitor_network"`
	MonitorDevices    bool `yaml:"monitor_devices" json:"monitor_devices"`
}

// Metric is a single collected value with its unit.
type Metric struct {
	Value interface{} `json:"value"`
	Unit  string      `json:"unit"`
}

// MetricsReport is what the metrics service logs and publishes each interval.
type MetricsReport struct {
	Timestamp time.Time         `json:"timestamp"`
	ServerID  string            `json:"server_id"`
	Metrics   map[string]Metric `json:"metrics"`
}

// DeviceFleetMetrics summarises the registry for the metrics report.
type DeviceFleetMetrics struct {
	ActiveDevices  int            `json:"active_devices"`
	AverageLatency float64        `json:"average_latency"`
	NetworkQuality string         `json:"network_quality"`
	PendingAcks    int            `json:"pending_acks"`
	QualityCounts  map[string]int `json:"quality_counts"`
}

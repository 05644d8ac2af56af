package models

import "time"

// ConnectionState is the lifecycle state of a remote device.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	// StateReconnecting is reserved. The server never enters it; reconnection is the device's job.
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionStats is a point-in-time copy of a device's connection counters.
type ConnectionStats struct {
	ConnectedAt       time.Time `json:"connected_at"`
	MessagesSent      int64     `json:"messages_sent"`
	MessagesReceived  int64     `json:"messages_received"`
	BytesSent         int64     `json:"bytes_sent"`
	BytesReceived     int64     `json:"bytes_received"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ReconnectionCount int       `json:"reconnection_count"`
	ErrorCount        int       `json:"error_count"`
	AverageLatency    float64   `json:"average_latency"` // milliseconds
	MinLatency        float64   `json:"min_latency"`     // milliseconds
	MaxLatency        float64   `json:"max_latency"`     // milliseconds
	Jitter            float64   `json:"jitter"`          // milliseconds
	PacketLossRate    float64   `json:"packet_loss_rate"` // percent
	PingCount         int       `json:"ping_count"`
	PongCount         int       `json:"pong_count"`
	LatencySamples    int       `json:"latency_samples"`
}

// DeviceStatus is the read-only summary reported for a device.
type DeviceStatus struct {
	DeviceID          string          `json:"device_id"`
	State             ConnectionState `json:"state"`
	Capabilities      []string        `json:"capabilities"`
	Address           string          `json:"address"`
	IsAlive           bool            `json:"is_alive"`
	StreamingQuality  string          `json:"streaming_quality"`
	MaxFrameRate      int             `json:"max_frame_rate"`
	LastFrameTime     time.Time       `json:"last_frame_time,omitempty"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	PendingAcks       int             `json:"pending_acks"`
	QueueLength       int             `json:"queue_length"`
	Stats             ConnectionStats `json:"stats"`
}

// LatencyStatistics is the detailed latency breakdown for one device.
type LatencyStatistics struct {
	DeviceID         string    `json:"device_id"`
	AverageLatency   float64   `json:"average_latency"`
	MinLatency       float64   `json:"min_latency"`
	MaxLatency       float64   `json:"max_latency"`
	Jitter           float64   `json:"jitter"`
	PacketLossRate   float64   `json:"packet_loss_rate"`
	PingCount        int       `json:"ping_count"`
	PongCount        int       `json:"pong_count"`
	SampleCount      int       `json:"sample_count"`
	RecentSamples    []float64 `json:"recent_samples"`
	StreamingQuality string    `json:"streaming_quality"`
	MaxFrameRate     int       `json:"max_frame_rate"`
}

// FrameMetadata describes a decoded preview frame.
type FrameMetadata struct {
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	FrameType        string    `json:"frame_type"`
	StreamingQuality string    `json:"streaming_quality"`
	Timestamp        time.Time `json:"timestamp"`
	Size             int       `json:"size"`
}

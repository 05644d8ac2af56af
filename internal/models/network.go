package models

import "time"

// ServerCounters are lifetime totals kept by the server, including devices that
// have already left the registry.
type ServerCounters struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsRejected int64 `json:"connections_rejected"`
	HandshakeFailures   int64 `json:"handshake_failures"`
	Disconnects         int64 `json:"disconnects"`
	MessagesSent        int64 `json:"messages_sent"`
	MessagesReceived    int64 `json:"messages_received"`
	BytesSent           int64 `json:"bytes_sent"`
	BytesReceived       int64 `json:"bytes_received"`
	FramesReceived      int64 `json:"frames_received"`
	FramesDropped       int64 `json:"frames_dropped"`
}

// NetworkStatistics is a snapshot across every registered device.
type NetworkStatistics struct {
	Timestamp             time.Time               `json:"timestamp"`
	ActiveDevices         int                     `json:"active_devices"`
	TotalMessagesSent     int64                   `json:"total_messages_sent"`
	TotalMessagesReceived int64                   `json:"total_messages_received"`
	TotalBytesSent        int64                   `json:"total_bytes_sent"`
	TotalBytesReceived    int64                   `json:"total_bytes_received"`
	AverageLatency        float64                 `json:"average_latency"`
	NetworkQuality        string                  `json:"network_quality"`
	PendingAcks           int                     `json:"pending_acks"`
	Server                ServerCounters          `json:"server"`
	Devices               map[string]DeviceStatus `json:"devices"`
}

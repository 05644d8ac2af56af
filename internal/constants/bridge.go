package constants

// Topic suffixes appended to the configured MQTT topic prefix.
const (
	TopicEvents     = "events"
	TopicStatistics = "statistics"
	TopicCommands   = "commands"
	TopicMetrics    = "metrics"
)

// Event names published by the MQTT bridge.
const (
	EventDeviceConnected    = "connected"
	EventDeviceDisconnected = "disconnected"
	EventMessageReceived    = "message_received"
	EventMessageSent        = "message_sent"
	EventMessageFailed      = "message_failed"
	EventPreviewFrame       = "preview_frame"
	EventError              = "error"
	EventWarning            = "warning"
)

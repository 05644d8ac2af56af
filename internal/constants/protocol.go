package constants

// Message types exchanged with devices.
const (
	MessageTypeHandshake         = "handshake"
	MessageTypeHandshakeAck      = "handshake_ack"
	MessageTypeHeartbeat         = "heartbeat"
	MessageTypeHeartbeatResponse = "heartbeat_response"
	MessageTypeStatus            = "status"
	MessageTypePreviewFrame      = "preview_frame"
	MessageTypeCommand           = "command"
	MessageTypeAck               = "ack"
	MessageTypeSensorData        = "sensor_data"
)

const (
	// ProtocolVersion is advertised in every handshake_ack.
	ProtocolVersion = 1

	// PingPrefix marks a status message whose storage field carries a latency ping.
	PingPrefix = "ping:"
	// PongPrefix marks the reply to a latency ping.
	PongPrefix = "pong:"

	// MillisecondTimestampThreshold separates millisecond epoch timestamps from second ones.
	MillisecondTimestampThreshold = 1e11
)

// Disconnect reasons reported to listeners.
const (
	ReasonHeartbeatTimeout = "Heartbeat timeout"
	ReasonConnectionClosed = "Connection closed"
	ReasonServerShutdown   = "Server shutdown"
	ReasonProtocolError    = "Protocol error"
	ReasonTooManyErrors    = "Too many consecutive errors"
	ReasonReplaced         = "Replaced by new connection"
	ReasonRequested        = "Disconnect requested"
)

// Error categories reported to listeners.
const (
	ErrorCategoryHandler    = "handler"
	ErrorCategoryAccept     = "accept"
	ErrorCategoryStartup    = "startup"
	ErrorCategoryUnexpected = "unexpected"
)

// ServerSource identifies server-level errors in place of a device id.
const ServerSource = "server"

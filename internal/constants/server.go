package constants

import "time"

const (
	// DefaultHost is the listen address used when none is configured.
	DefaultHost = "0.0.0.0"

	// DefaultPort is the TCP port devices connect to.
	DefaultPort = 9000

	// DefaultMaxConnections caps the number of registered devices.
	DefaultMaxConnections = 10

	// DefaultHeartbeatInterval is the period of the heartbeat scheduler.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatTimeout is how long a device may stay silent before eviction.
	DefaultHeartbeatTimeout = 15 * time.Second

	// DefaultHandshakeTimeout bounds the wait for the first message on a new socket.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReceiveTimeout is the steady-state wait for the next inbound frame.
	DefaultReceiveTimeout = 1 * time.Second

	// DefaultSocketReadTimeout bounds reading the rest of a frame once it has started.
	DefaultSocketReadTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single framed write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultSendDequeueTimeout is how long the sender waits on an empty queue.
	DefaultSendDequeueTimeout = 500 * time.Millisecond

	// DefaultShutdownTimeout bounds the wait for the accept loop on Stop.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultMaxConsecutiveErrors is the error budget before a device is evicted.
	DefaultMaxConsecutiveErrors = 5

	DefaultServerName    = "Multi-Sensor Recording System"
	DefaultServerVersion = "1.0.0"
)

const (
	// DefaultAckTimeout is how long an ack-required message may stay unacknowledged.
	DefaultAckTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of resends for an unacknowledged message.
	DefaultMaxRetries = 3
)

const (
	DefaultMetricsInterval = 30 * time.Second
	DefaultMetricsTimeout  = 5 * time.Second
	DefaultWorkerCount     = 4
	DefaultQueueSize       = 256

	DefaultMQTTClientID       = "sensor-hub"
	DefaultMQTTTopicPrefix    = "sensor-hub"
	DefaultStatisticsInterval = 30 * time.Second
	DefaultPublishTimeout     = 5 * time.Second

	DefaultPrometheusAddr = ":9102"

	DefaultArchiveBucket = "preview-frames"
	DefaultArchiveRegion = "us-east-1"
)

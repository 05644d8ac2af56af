package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/pkg/file"
	"github.com/benmeehan/sensor-hub/pkg/logger"
)

// Config represents the structure of the configuration file.
type Config struct {
	Server struct {
		Host                    string        `yaml:"host"`                      // Listen address
		Port                    int           `yaml:"port"`                      // TCP port devices connect to (0 picks a free port)
		MaxConnections          int           `yaml:"max_connections"`           // Maximum number of registered devices
		HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`        // Period of the heartbeat scheduler
		HeartbeatTimeout        time.Duration `yaml:"heartbeat_timeout"`         // Silence after which a device is evicted
		HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`         // Wait for the first message on a new socket
		ReceiveTimeout          time.Duration `yaml:"receive_timeout"`           // Steady-state wait for the next frame
		SocketReadTimeout       time.Duration `yaml:"socket_read_timeout"`       // Bound on reading the rest of a started frame
		WriteTimeout            time.Duration `yaml:"write_timeout"`             // Bound on a single framed write
		SendDequeueTimeout      time.Duration `yaml:"send_dequeue_timeout"`      // Sender wait on an empty queue
		ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`          // Wait for the accept loop on shutdown
		MaxConsecutiveErrors    int           `yaml:"max_consecutive_errors"`    // Error budget before eviction
		AckTimeout              time.Duration `yaml:"ack_timeout"`               // Deadline for acknowledging a command
		MaxRetries              int           `yaml:"max_retries"`               // Resends of an unacknowledged command
		ServerName              string        `yaml:"server_name"`               // Name advertised in handshake_ack
		ServerVersion           string        `yaml:"server_version"`            // Semantic version advertised in handshake_ack
		ClientVersionConstraint string        `yaml:"client_version_constraint"` // Semver constraint on the device app_version, empty accepts all
	} `yaml:"server"`

	Logging logger.Config `yaml:"logging"`

	MQTT struct {
		Enabled            bool          `yaml:"enabled"`             // Enable/disable the MQTT event bridge
		Broker             string        `yaml:"broker"`              // MQTT broker address
		ClientID           string        `yaml:"client_id"`           // MQTT client ID prefix
		CACertificate      string        `yaml:"ca_certificate"`      // Path to the CA certificate, empty for plain TCP
		Username           string        `yaml:"username"`            // Broker username
		Password           string        `yaml:"password"`            // Broker password
		TopicPrefix        string        `yaml:"topic_prefix"`        // Prefix of every bridge topic
		QOS                int           `yaml:"qos"`                 // MQTT QoS level for bridge messages
		PublishMessages    bool          `yaml:"publish_messages"`    // Also publish per-message events
		StatisticsInterval time.Duration `yaml:"statistics_interval"` // Interval between statistics snapshots
		Workers            int           `yaml:"workers"`             // Publisher goroutines
		QueueSize          int           `yaml:"queue_size"`          // Pending publishes before events are dropped
	} `yaml:"mqtt"`

	Metrics struct {
		Enabled    bool                 `yaml:"enabled"`    // Enable/disable the periodic metrics report
		Interval   time.Duration        `yaml:"interval"`   // Interval between reports
		Timeout    time.Duration        `yaml:"timeout"`    // Timeout for one collection round
		Workers    int                  `yaml:"workers"`    // Collector goroutines
		Collectors models.MetricsConfig `yaml:"collectors"` // Which collectors run
	} `yaml:"metrics"`

	Prometheus struct {
		Enabled bool   `yaml:"enabled"` // Enable/disable the /metrics endpoint
		Address string `yaml:"address"` // Listen address of the endpoint
	} `yaml:"prometheus"`

	FrameArchive struct {
		Enabled         bool   `yaml:"enabled"`           // Enable/disable preview frame archival
		Endpoint        string `yaml:"endpoint"`          // S3-compatible endpoint (host:port)
		AccessKeyID     string `yaml:"access_key_id"`     // Access key
		SecretAccessKey string `yaml:"secret_access_key"` // Secret key
		UseSSL          bool   `yaml:"use_ssl"`           // Use HTTPS towards the endpoint
		Bucket          string `yaml:"bucket"`            // Destination bucket, created if missing
		Region          string `yaml:"region"`            // Bucket region
		Workers         int    `yaml:"workers"`           // Upload goroutines
		QueueSize       int    `yaml:"queue_size"`        // Pending uploads before frames are dropped
	} `yaml:"frame_archive"`
}

// LoadConfig loads the YAML configuration from the specified file, fills in
// defaults and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}

	return &config, nil
}

// ApplyDefaults replaces zero values with the defaults from the constants package.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	if s.Host == "" {
		s.Host = constants.DefaultHost
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = constants.DefaultMaxConnections
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = constants.DefaultHeartbeatTimeout
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if s.ReceiveTimeout == 0 {
		s.ReceiveTimeout = constants.DefaultReceiveTimeout
	}
	if s.SocketReadTimeout == 0 {
		s.SocketReadTimeout = constants.DefaultSocketReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = constants.DefaultWriteTimeout
	}
	if s.SendDequeueTimeout == 0 {
		s.SendDequeueTimeout = constants.DefaultSendDequeueTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if s.MaxConsecutiveErrors == 0 {
		s.MaxConsecutiveErrors = constants.DefaultMaxConsecutiveErrors
	}
	if s.AckTimeout == 0 {
		s.AckTimeout = constants.DefaultAckTimeout
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = constants.DefaultMaxRetries
	}
	if s.ServerName == "" {
		s.ServerName = constants.DefaultServerName
	}
	if s.ServerVersion == "" {
		s.ServerVersion = constants.DefaultServerVersion
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = constants.DefaultMQTTClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = constants.DefaultMQTTTopicPrefix
	}
	if c.MQTT.StatisticsInterval == 0 {
		c.MQTT.StatisticsInterval = constants.DefaultStatisticsInterval
	}
	if c.MQTT.Workers == 0 {
		c.MQTT.Workers = constants.DefaultWorkerCount
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = constants.DefaultQueueSize
	}

	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = constants.DefaultMetricsInterval
	}
	if c.Metrics.Timeout == 0 {
		c.Metrics.Timeout = constants.DefaultMetricsTimeout
	}
	if c.Metrics.Workers == 0 {
		c.Metrics.Workers = constants.DefaultWorkerCount
	}

	if c.Prometheus.Address == "" {
		c.Prometheus.Address = constants.DefaultPrometheusAddr
	}

	if c.FrameArchive.Bucket == "" {
		c.FrameArchive.Bucket = constants.DefaultArchiveBucket
	}
	if c.FrameArchive.Region == "" {
		c.FrameArchive.Region = constants.DefaultArchiveRegion
	}
	if c.FrameArchive.Workers == 0 {
		c.FrameArchive.Workers = constants.DefaultWorkerCount
	}
	if c.FrameArchive.QueueSize == 0 {
		c.FrameArchive.QueueSize = constants.DefaultQueueSize
	}
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	s := c.Server

	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Port))
	}
	if s.MaxConnections < 1 {
		errs = append(errs, errors.New("server.max_connections must be positive"))
	}
	if s.MaxConsecutiveErrors < 1 {
		errs = append(errs, errors.New("server.max_consecutive_errors must be positive"))
	}
	if s.MaxRetries < 0 {
		errs = append(errs, errors.New("server.max_retries must not be negative"))
	}
	durations := map[string]time.Duration{
		"heartbeat_interval":   s.HeartbeatInterval,
		"heartbeat_timeout":    s.HeartbeatTimeout,
		"handshake_timeout":    s.HandshakeTimeout,
		"receive_timeout":      s.ReceiveTimeout,
		"socket_read_timeout":  s.SocketReadTimeout,
		"write_timeout":        s.WriteTimeout,
		"send_dequeue_timeout": s.SendDequeueTimeout,
		"shutdown_timeout":     s.ShutdownTimeout,
		"ack_timeout":          s.AckTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("server.%s must not be negative", name))
		}
	}
	if s.HeartbeatTimeout > 0 && s.HeartbeatInterval > s.HeartbeatTimeout {
		errs = append(errs, errors.New("server.heartbeat_interval must not exceed server.heartbeat_timeout"))
	}
	if _, err := semver.NewVersion(s.ServerVersion); err != nil {
		errs = append(errs, fmt.Errorf("server.server_version %q: %w", s.ServerVersion, err))
	}
	if s.ClientVersionConstraint != "" {
		if _, err := semver.NewConstraint(s.ClientVersionConstraint); err != nil {
			errs = append(errs, fmt.Errorf("server.client_version_constraint %q: %w", s.ClientVersionConstraint, err))
		}
	}

	if c.Logging.Format != "" {
		if _, ok := SliceToSet([]string{"json", "console"})[c.Logging.Format]; !ok {
			errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QOS))
	}

	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics.interval must be positive"))
	}

	if c.FrameArchive.Enabled && c.FrameArchive.Endpoint == "" {
		errs = append(errs, errors.New("frame_archive.endpoint is required when frame_archive is enabled"))
	}

	return errors.Join(errs...)
}

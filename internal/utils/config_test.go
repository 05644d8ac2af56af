package utils_test

import (
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/file"
	"github.com/benmeehan/sensor-hub/tests/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig_Defaults tests that zero values are filled in after reading the file.
func TestLoadConfig_Defaults(t *testing.T) {
	// Setup
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("ReadYamlFile", "config.yaml", mock.AnythingOfType("*utils.Config")).Return(`
server:
  port: 9100
  max_connections: 3
  ack_timeout: 2s
mqtt:
  topic_prefix: lab/hub
metrics:
  collectors:
    monitor_devices: true
`, nil)

	// Execute
	config, err := utils.LoadConfig("config.yaml", fileClient)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 9100, config.Server.Port)
	assert.Equal(t, 3, config.Server.MaxConnections)
	assert.Equal(t, 2*time.Second, config.Server.AckTimeout)
	assert.Equal(t, "lab/hub", config.MQTT.TopicPrefix)
	assert.True(t, config.Metrics.Collectors.MonitorDevices)
	assert.Equal(t, constants.DefaultHost, config.Server.Host)
	assert.Equal(t, constants.DefaultHeartbeatInterval, config.Server.HeartbeatInterval)
	assert.Equal(t, constants.DefaultHeartbeatTimeout, config.Server.HeartbeatTimeout)
	assert.Equal(t, constants.DefaultServerVersion, config.Server.ServerVersion)
	assert.Equal(t, constants.DefaultMaxRetries, config.Server.MaxRetries)
	assert.Equal(t, constants.DefaultPrometheusAddr, config.Prometheus.Address)
	assert.Equal(t, constants.DefaultArchiveBucket, config.FrameArchive.Bucket)
}

// TestLoadConfig_ReadError tests that a missing file is reported with its name.
func TestLoadConfig_ReadError(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("ReadYamlFile", "missing.yaml", mock.Anything).Return("", errors.New("no such file"))

	config, err := utils.LoadConfig("missing.yaml", fileClient)

	assert.Nil(t, config)
	assert.ErrorContains(t, err, "missing.yaml")
}

// TestLoadConfig_UnknownKey tests that misspelled keys are rejected.
func TestLoadConfig_UnknownKey(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("ReadYamlFile", "config.yaml", mock.Anything).Return("server:\n  max_conections: 3\n", nil)

	_, err := utils.LoadConfig("config.yaml", fileClient)

	assert.ErrorContains(t, err, "max_conections")
}

// TestLoadConfig_Invalid tests that validation errors are returned from LoadConfig.
func TestLoadConfig_Invalid(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("ReadYamlFile", "config.yaml", mock.Anything).Return("mqtt:\n  enabled: true\n", nil)

	_, err := utils.LoadConfig("config.yaml", fileClient)

	assert.ErrorContains(t, err, "mqtt.broker is required")
}

// TestConfig_Validate tests that every invalid setting is reported together.
func TestConfig_Validate(t *testing.T) {
	// Setup
	config := &utils.Config{}
	config.ApplyDefaults()
	config.Server.Port = 70000
	config.Server.HeartbeatInterval = time.Minute
	config.Server.ServerVersion = "one"
	config.Server.ClientVersionConstraint = ">= banana"
	config.Logging.Format = "xml"
	config.MQTT.Enabled = true
	config.MQTT.QOS = 3
	config.FrameArchive.Enabled = true

	// Execute
	err := config.Validate()

	// Assert
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"heartbeat_interval must not exceed",
		"server.server_version",
		"client_version_constraint",
		"logging.format",
		"mqtt.broker",
		"mqtt.qos",
		"frame_archive.endpoint",
	} {
		assert.ErrorContains(t, err, want)
	}
}

// TestConfig_ValidateDefaults tests that the defaults form a valid configuration.
func TestConfig_ValidateDefaults(t *testing.T) {
	config := &utils.Config{}
	config.ApplyDefaults()

	assert.NoError(t, config.Validate())
}

// TestLoadConfig_Sample tests that the shipped sample configuration loads.
func TestLoadConfig_Sample(t *testing.T) {
	config, err := utils.LoadConfig("../../configs/config.yaml", file.NewFileService())

	require.NoError(t, err)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 500*time.Millisecond, config.Server.SendDequeueTimeout)
	assert.False(t, config.MQTT.Enabled)
	assert.True(t, config.Prometheus.Enabled)
}

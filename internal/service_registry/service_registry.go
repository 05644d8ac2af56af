package service_registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/monitoring"
	"github.com/benmeehan/sensor-hub/internal/services"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/file"
	"github.com/benmeehan/sensor-hub/pkg/mqtt"
	"github.com/benmeehan/sensor-hub/pkg/s3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// Service is implemented by everything the registry starts and stops.
type Service interface {
	Start() error
	Stop() error
}

// Option customises a ServiceRegistry.
type Option func(*ServiceRegistry)

// WithMQTTClient uses client instead of connecting to the configured broker.
func WithMQTTClient(client mqtt.MQTTClient) Option {
	return func(sr *ServiceRegistry) { sr.mqttClient = client }
}

// WithObjectStorage uses storage instead of connecting to the configured endpoint.
func WithObjectStorage(storage s3.ObjectStorageClient) Option {
	return func(sr *ServiceRegistry) { sr.storage = storage }
}

// WithPrometheusRegistry registers series with reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(sr *ServiceRegistry) { sr.promRegistry = reg }
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services     map[string]Service // Stores registered services
	serviceKeys  []string           // Maintains order of service registration
	fileClient   file.FileOperations
	mqttClient   mqtt.MQTTClient
	ownsMQTT     bool
	storage      s3.ObjectStorageClient
	promRegistry *prometheus.Registry
	deviceServer *services.DeviceServer
	Logger       zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(fileClient file.FileOperations, logger zerolog.Logger, opts ...Option) *ServiceRegistry {
	sr := &ServiceRegistry{
		services:   make(map[string]Service),
		fileClient: fileClient,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(sr)
	}
	return sr
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// DeviceServer returns the device server created by RegisterServices.
func (sr *ServiceRegistry) DeviceServer() *services.DeviceServer {
	return sr.deviceServer
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order and then closes the broker
// connection if the registry opened it.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}

	if sr.ownsMQTT && sr.mqttClient != nil {
		sr.mqttClient.Disconnect(250)
	}

	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds the device server and every enabled supporting
// service from config. Supporting services are registered ahead of the device
// server so they start first and stop last.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config) error {
	server, err := sr.newDeviceServer(config)
	if err != nil {
		return err
	}
	sr.deviceServer = server

	var collector *monitoring.PrometheusCollector
	if config.Prometheus.Enabled {
		if sr.promRegistry == nil {
			sr.promRegistry = prometheus.NewRegistry()
			sr.promRegistry.MustRegister(collectors.NewGoCollector())
			sr.promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		collector = monitoring.NewPrometheusCollector(sr.promRegistry)
		server.AddListener(collector)
	}

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "frame_archive",
			enabled: config.FrameArchive.Enabled,
			constructor: func() (Service, error) {
				storage, err := sr.objectStorage(config)
				if err != nil {
					return nil, err
				}
				archive := services.NewFrameArchiveService(
					config.FrameArchive.Bucket,
					config.FrameArchive.Region,
					config.FrameArchive.Workers,
					config.FrameArchive.QueueSize,
					storage,
					sr.Logger,
				)
				server.AddListener(archive)
				return archive, nil
			},
		},
		{
			name:    "mqtt_bridge",
			enabled: config.MQTT.Enabled,
			constructor: func() (Service, error) {
				client, err := sr.mqtt(config)
				if err != nil {
					return nil, err
				}
				bridge := services.NewMQTTBridgeService(
					config.MQTT.TopicPrefix,
					config.MQTT.QOS,
					config.MQTT.PublishMessages,
					config.MQTT.StatisticsInterval,
					config.MQTT.Workers,
					config.MQTT.QueueSize,
					client,
					server,
					sr.Logger,
				)
				server.AddListener(bridge)
				return bridge, nil
			},
		},
		{
			name:    "metrics_exporter",
			enabled: config.Prometheus.Enabled,
			constructor: func() (Service, error) {
				return services.NewMetricsExporterService(config.Prometheus.Address, sr.promRegistry, sr.Logger), nil
			},
		},
		{
			name:    "metrics",
			enabled: config.Metrics.Enabled,
			constructor: func() (Service, error) {
				var client mqtt.MQTTClient
				if config.MQTT.Enabled {
					c, err := sr.mqtt(config)
					if err != nil {
						return nil, err
					}
					client = c
				}
				var observers []services.StatisticsObserver
				if collector != nil {
					observers = append(observers, collector)
				}
				return services.NewMetricsService(
					metricsTopic(config.MQTT.TopicPrefix),
					server.ServerID(),
					config.Metrics.Interval,
					config.Metrics.Timeout,
					config.Metrics.Workers,
					config.MQTT.QOS,
					config.Metrics.Collectors,
					server,
					client,
					sr.Logger,
					observers...,
				), nil
			},
		},
		{
			name:    "device_server",
			enabled: true,
			constructor: func() (Service, error) {
				return server, nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

func (sr *ServiceRegistry) newDeviceServer(config *utils.Config) (*services.DeviceServer, error) {
	s := config.Server
	opts := []services.ServerOption{
		services.WithHeartbeatTimeout(s.HeartbeatTimeout),
		services.WithHandshakeTimeout(s.HandshakeTimeout),
		services.WithReceiveTimeout(s.ReceiveTimeout),
		services.WithSocketReadTimeout(s.SocketReadTimeout),
		services.WithWriteTimeout(s.WriteTimeout),
		services.WithSendDequeueTimeout(s.SendDequeueTimeout),
		services.WithShutdownTimeout(s.ShutdownTimeout),
		services.WithMaxConsecutiveErrors(s.MaxConsecutiveErrors),
		services.WithAckPolicy(s.AckTimeout, s.MaxRetries),
		services.WithServerIdentity(s.ServerName, s.ServerVersion),
	}
	if s.ClientVersionConstraint != "" {
		constraint, err := semver.NewConstraint(s.ClientVersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("invalid client version constraint: %w", err)
		}
		opts = append(opts, services.WithClientVersionConstraint(constraint))
	}

	return services.NewDeviceServer(s.Host, s.Port, s.MaxConnections, s.HeartbeatInterval, sr.Logger, opts...), nil
}

// mqtt returns the shared broker connection, opening it on first use.
func (sr *ServiceRegistry) mqtt(config *utils.Config) (mqtt.MQTTClient, error) {
	if sr.mqttClient != nil {
		return sr.mqttClient, nil
	}

	// Generate a unique MQTT client ID by appending a UUID
	clientID := config.MQTT.ClientID + "-" + uuid.NewString()
	sr.Logger.Info().Str("client_id", clientID).Msg("Connecting to MQTT broker")

	client := mqtt.NewMqttService(sr.fileClient)
	if err := client.Initialize(mqtt.Options{
		Broker:     config.MQTT.Broker,
		ClientID:   clientID,
		CACertPath: config.MQTT.CACertificate,
		Username:   config.MQTT.Username,
		Password:   config.MQTT.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT connection: %w", err)
	}
	sr.mqttClient = client
	sr.ownsMQTT = true
	return client, nil
}

func (sr *ServiceRegistry) objectStorage(config *utils.Config) (s3.ObjectStorageClient, error) {
	if sr.storage != nil {
		return sr.storage, nil
	}

	archive := config.FrameArchive
	storage := s3.NewObjectStorage()
	if err := storage.Connect(context.Background(), archive.Endpoint, archive.AccessKeyID, archive.SecretAccessKey, archive.UseSSL); err != nil {
		return nil, fmt.Errorf("failed to connect frame archive storage: %w", err)
	}
	sr.storage = storage
	return storage, nil
}

func metricsTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + constants.TopicMetrics
}

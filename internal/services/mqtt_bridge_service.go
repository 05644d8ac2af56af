package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// CommandExecutor is the part of the device server driven by the bridge.
type CommandExecutor interface {
	SendCommandToDevice(deviceID, command string, params map[string]any) (string, error)
	BroadcastCommand(command string, params map[string]any) int
	GetNetworkStatistics() models.NetworkStatistics
}

// MQTTBridgeService mirrors device events to MQTT and turns messages on the
// command topic into device commands.
type MQTTBridgeService struct {
	TopicPrefix        string
	QOS                int
	PublishMessages    bool
	StatisticsInterval time.Duration
	Workers            int
	QueueSize          int
	Logger             zerolog.Logger

	mqttClient mqtt.MQTTClient
	executor   CommandExecutor
	workerPool *utils.WorkerPool

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMQTTBridgeService initializes a new MQTTBridgeService.
func NewMQTTBridgeService(topicPrefix string, qos int, publishMessages bool, statisticsInterval time.Duration,
	workers, queueSize int, mqttClient mqtt.MQTTClient, executor CommandExecutor, logger zerolog.Logger) *MQTTBridgeService {

	if topicPrefix == "" {
		topicPrefix = constants.DefaultMQTTTopicPrefix
	}
	if workers <= 0 {
		workers = constants.DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = constants.DefaultQueueSize
	}

	return &MQTTBridgeService{
		TopicPrefix:        strings.TrimSuffix(topicPrefix, "/"),
		QOS:                qos,
		PublishMessages:    publishMessages,
		StatisticsInterval: statisticsInterval,
		Workers:            workers,
		QueueSize:          queueSize,
		Logger:             logger,
		mqttClient:         mqttClient,
		executor:           executor,
	}
}

// Start subscribes to the command topic and starts the statistics loop.
func (b *MQTTBridgeService) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx != nil {
		b.Logger.Warn().Msg("MQTTBridgeService is already running")
		return errors.New("mqtt bridge service is already running")
	}

	commandTopic := b.topic(constants.TopicCommands)
	token := b.mqttClient.Subscribe(commandTopic, byte(b.QOS), b.handleCommandMessage)
	if token.Wait() && token.Error() != nil {
		b.Logger.Error().Err(token.Error()).Str("topic", commandTopic).Msg("Failed to subscribe to command topic")
		return fmt.Errorf("failed to subscribe to %s: %w", commandTopic, token.Error())
	}

	b.workerPool = utils.NewWorkerPool(b.Workers, b.QueueSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if b.StatisticsInterval > 0 {
		b.wg.Add(1)
		go b.runStatisticsLoop(b.ctx)
	}

	b.Logger.Info().Str("command_topic", commandTopic).Msg("MQTTBridgeService started successfully")
	return nil
}

// Stop unsubscribes, stops the statistics loop and drains pending publishes.
func (b *MQTTBridgeService) Stop() error {
	b.mu.Lock()
	if b.ctx == nil {
		b.mu.Unlock()
		b.Logger.Warn().Msg("MQTTBridgeService is not running")
		return errors.New("mqtt bridge service is not running")
	}
	b.cancel()
	pool := b.workerPool
	b.ctx = nil
	b.mu.Unlock()

	b.wg.Wait()
	pool.Shutdown()

	token := b.mqttClient.Unsubscribe(b.topic(constants.TopicCommands))
	if token.Wait() && token.Error() != nil {
		b.Logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from command topic")
	}

	b.Logger.Info().Msg("MQTTBridgeService stopped successfully")
	return nil
}

func (b *MQTTBridgeService) topic(parts ...string) string {
	return b.TopicPrefix + "/" + strings.Join(parts, "/")
}

// handleCommandMessage executes a CommandRequest published by the orchestrator.
func (b *MQTTBridgeService) handleCommandMessage(_ MQTT.Client, msg MQTT.Message) {
	var req models.CommandRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.Logger.Error().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse command request")
		return
	}
	if req.Command == "" {
		b.Logger.Warn().Str("topic", msg.Topic()).Msg("Command request without command")
		return
	}

	if req.DeviceID == "" {
		n := b.executor.BroadcastCommand(req.Command, req.Params)
		b.Logger.Info().Str("command", req.Command).Int("devices", n).Msg("Broadcast command from MQTT")
		return
	}

	messageID, err := b.executor.SendCommandToDevice(req.DeviceID, req.Command, req.Params)
	if err != nil {
		b.Logger.Warn().Err(err).Str("device_id", req.DeviceID).Str("command", req.Command).Msg("Command from MQTT rejected")
		return
	}
	b.Logger.Info().Str("device_id", req.DeviceID).Str("message_id", messageID).Msg("Command from MQTT queued")
}

func (b *MQTTBridgeService) runStatisticsLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.StatisticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := b.executor.GetNetworkStatistics()
			if err := b.publish(b.topic(constants.TopicStatistics), stats); err != nil {
				b.Logger.Error().Err(err).Msg("Failed to publish network statistics")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *MQTTBridgeService) publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", topic, err)
	}

	token := b.mqttClient.Publish(topic, byte(b.QOS), false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, token.Error())
	}
	return nil
}

// publishEvent hands the event to the worker pool so server goroutines never
// wait on the broker. Events are dropped when the pool is saturated.
func (b *MQTTBridgeService) publishEvent(event models.DeviceEvent) {
	b.mu.RLock()
	pool := b.workerPool
	running := b.ctx != nil
	b.mu.RUnlock()
	if !running {
		return
	}

	event.Timestamp = time.Now().UTC()
	topic := b.topic(constants.TopicEvents, event.DeviceID, event.Event)
	submitted := pool.TrySubmit(func() {
		if err := b.publish(topic, event); err != nil {
			b.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish device event")
		}
	})
	if !submitted {
		b.Logger.Warn().Str("topic", topic).Msg("Publish queue full, dropping device event")
	}
}

func (b *MQTTBridgeService) OnDeviceConnected(deviceID string, status models.DeviceStatus) {
	b.publishEvent(models.DeviceEvent{Event: constants.EventDeviceConnected, DeviceID: deviceID, Status: &status})
}

func (b *MQTTBridgeService) OnDeviceDisconnected(deviceID, reason string) {
	b.publishEvent(models.DeviceEvent{Event: constants.EventDeviceDisconnected, DeviceID: deviceID, Reason: reason})
}

func (b *MQTTBridgeService) OnMessageReceived(deviceID string, payload map[string]any) {
	if b.PublishMessages {
		b.publishEvent(models.DeviceEvent{Event: constants.EventMessageReceived, DeviceID: deviceID, Payload: payload})
	}
}

func (b *MQTTBridgeService) OnMessageSent(deviceID string, payload map[string]any) {
	if b.PublishMessages {
		b.publishEvent(models.DeviceEvent{Event: constants.EventMessageSent, DeviceID: deviceID, Payload: payload})
	}
}

// OnMessageFailed is always published since it may mean a command was lost.
func (b *MQTTBridgeService) OnMessageFailed(deviceID string, payload map[string]any, err error) {
	b.publishEvent(models.DeviceEvent{
		Event:    constants.EventMessageFailed,
		DeviceID: deviceID,
		Message:  err.Error(),
		Payload:  payload,
	})
}

// OnPreviewFrameReceived publishes frame metadata only; the image stays local.
func (b *MQTTBridgeService) OnPreviewFrameReceived(deviceID, frameType string, _ []byte, metadata models.FrameMetadata) {
	if b.PublishMessages {
		b.publishEvent(models.DeviceEvent{
			Event:    constants.EventPreviewFrame,
			DeviceID: deviceID,
			Payload: map[string]any{
				"frame_type":        frameType,
				"width":             metadata.Width,
				"height":            metadata.Height,
				"size":              metadata.Size,
				"streaming_quality": metadata.StreamingQuality,
			},
		})
	}
}

func (b *MQTTBridgeService) OnError(source, category, message string) {
	b.publishEvent(models.DeviceEvent{Event: constants.EventError, DeviceID: source, Category: category, Message: message})
}

func (b *MQTTBridgeService) OnWarning(deviceID, message string) {
	if deviceID == "" {
		deviceID = constants.ServerSource
	}
	b.publishEvent(models.DeviceEvent{Event: constants.EventWarning, DeviceID: deviceID, Message: message})
}

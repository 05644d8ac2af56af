package services

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/device"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/benmeehan/sensor-hub/pkg/codec"
)

type handshakeRequest struct {
	deviceID     string
	capabilities []string
	appVersion   string
	bytes        int
}

// handleConnection runs on its own goroutine for every accepted socket: it
// performs the handshake, registers the device, starts its sender and then
// becomes its receiver.
func (s *DeviceServer) handleConnection(raw net.Conn) {
	conn := codec.NewConn(raw, s.socketReadTimeout)
	address := raw.RemoteAddr().String()
	log := s.Logger.With().Str("address", address).Logger()

	var rd *device.RemoteDevice
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Connection handler panicked")
			source := constants.ServerSource
			if rd != nil {
				source = rd.ID
			}
			s.emitError(source, constants.ErrorCategoryUnexpected, fmt.Sprint(r))
			if rd != nil {
				s.removeDevice(rd, constants.ReasonConnectionClosed)
			} else {
				_ = conn.Close()
			}
		}
	}()

	req, err := s.readHandshake(conn)
	if err != nil {
		s.counters.handshakeFailures.Add(1)
		log.Warn().Err(err).Msg("Handshake failed, closing connection")
		if errors.Is(err, ErrIncompatibleClient) {
			s.emitWarning(req.deviceID, err.Error())
		}
		_ = conn.Close()
		return
	}

	rd = s.registerDevice(req, conn, address)
	if rd == nil {
		return
	}

	go s.sendLoop(rd)
	reason := s.receiveLoop(rd)
	s.removeDevice(rd, reason)
}

// readHandshake waits for the first frame and validates it. When the client
// version is rejected a handshake_ack with compatible=false is written before
// returning ErrIncompatibleClient.
func (s *DeviceServer) readHandshake(conn *codec.Conn) (handshakeRequest, error) {
	var req handshakeRequest

	payload, n, err := conn.Receive(s.handshakeTimeout)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	req.bytes = n

	if msgType, _ := payload["type"].(string); msgType != constants.MessageTypeHandshake {
		return req, fmt.Errorf("%w: first message has type %q", ErrHandshakeFailed, msgType)
	}
	req.deviceID, _ = payload["device_id"].(string)
	if req.deviceID == "" {
		return req, fmt.Errorf("%w: missing device_id", ErrHandshakeFailed)
	}
	req.capabilities = utils.StringSlice(payload["capabilities"])
	req.appVersion, _ = payload["app_version"].(string)

	if err := s.checkClientVersion(req.appVersion); err != nil {
		ack := s.handshakeAck(false)
		ack["reason"] = err.Error()
		if _, sendErr := conn.Send(ack, s.writeTimeout); sendErr != nil {
			s.Logger.Debug().Err(sendErr).Str("device_id", req.deviceID).Msg("Failed to send handshake rejection")
		}
		return req, err
	}

	return req, nil
}

func (s *DeviceServer) checkClientVersion(appVersion string) error {
	if s.versionConstraint == nil {
		return nil
	}
	if appVersion == "" {
		return fmt.Errorf("%w: app_version missing, %s required", ErrIncompatibleClient, s.versionConstraint)
	}
	v, err := semver.NewVersion(appVersion)
	if err != nil {
		return fmt.Errorf("%w: app_version %q: %v", ErrIncompatibleClient, appVersion, err)
	}
	if !s.versionConstraint.Check(v) {
		return fmt.Errorf("%w: app_version %s does not satisfy %s", ErrIncompatibleClient, v, s.versionConstraint)
	}
	return nil
}

func (s *DeviceServer) handshakeAck(compatible bool) map[string]any {
	return map[string]any{
		"type":             constants.MessageTypeHandshakeAck,
		"protocol_version": constants.ProtocolVersion,
		"server_name":      s.serverName,
		"server_version":   s.serverVersion,
		"server_id":        s.serverID,
		"compatible":       compatible,
		"timestamp":        models.UnixSeconds(time.Now()),
	}
}

// registerDevice inserts a new device under req.deviceID. An existing device
// with the same id is torn down and its reconnection count carried over.
func (s *DeviceServer) registerDevice(req handshakeRequest, conn *codec.Conn, address string) *device.RemoteDevice {
	var (
		rd       *device.RemoteDevice
		replaced *device.RemoteDevice
	)

	s.devices.Upsert(req.deviceID, nil, func(exist bool, old, _ *device.RemoteDevice) *device.RemoteDevice {
		reconnections := 0
		if exist && old != nil {
			replaced = old
			reconnections = old.Stats().ReconnectionCount + 1
		}
		rd = device.NewRemoteDevice(req.deviceID, req.capabilities, conn, address,
			device.WithHeartbeatInterval(s.heartbeatInterval),
			device.WithHeartbeatTimeout(s.heartbeatTimeout),
			device.WithMaxConsecutiveErrors(s.maxConsecutiveErrors),
			device.WithReconnectionCount(reconnections),
		)
		return rd
	})

	if replaced != nil {
		s.Logger.Warn().Str("device_id", req.deviceID).Str("old_address", replaced.Address).
			Str("new_address", address).Msg("Device reconnected, replacing previous connection")
		s.teardown(replaced, constants.ReasonReplaced)
	}

	rd.RecordReceived(req.bytes)
	s.counters.messagesReceived.Add(1)
	s.counters.bytesReceived.Add(int64(req.bytes))
	rd.MarkConnected()

	if !s.running.Load() {
		// Lost a race with Stop; the device was never announced.
		s.devices.RemoveCb(rd.ID, func(_ string, current *device.RemoteDevice, exists bool) bool {
			return exists && current == rd
		})
		rd.Close()
		return nil
	}

	rd.QueueMessage(models.NewMessage(constants.MessageTypeHandshakeAck, s.handshakeAck(true), models.PriorityCritical))

	s.Logger.Info().
		Str("device_id", rd.ID).
		Str("address", address).
		Strs("capabilities", rd.Capabilities).
		Str("app_version", req.appVersion).
		Msg("Device connected")
	s.emitConnected(rd.ID, rd.StatusSummary())
	return rd
}

// receiveLoop reads and dispatches frames until the device must go. It returns
// the disconnect reason.
func (s *DeviceServer) receiveLoop(rd *device.RemoteDevice) string {
	for s.running.Load() && rd.State() == models.StateConnected {
		payload, n, err := rd.Receive(s.receiveTimeout)
		if err != nil {
			switch {
			case errors.Is(err, codec.ErrTimeout):
				if !rd.IsAlive() {
					return constants.ReasonHeartbeatTimeout
				}
			case errors.Is(err, codec.ErrConnectionClosed):
				return constants.ReasonConnectionClosed
			case codec.IsProtocolError(err):
				s.Logger.Warn().Err(err).Str("device_id", rd.ID).Msg("Protocol error from device")
				s.emitError(rd.ID, constants.ErrorCategoryHandler, err.Error())
				return constants.ReasonProtocolError
			default:
				rd.IncrementErrorCount()
				s.Logger.Warn().Err(err).Str("device_id", rd.ID).Msg("Receive failed")
				if rd.ExceededErrorBudget() {
					s.emitError(rd.ID, constants.ErrorCategoryHandler, err.Error())
					return constants.ReasonTooManyErrors
				}
			}
			continue
		}

		rd.RecordReceived(n)
		rd.Touch()
		rd.ResetErrorCount()
		s.counters.messagesReceived.Add(1)
		s.counters.bytesReceived.Add(int64(n))

		s.dispatch(rd, payload)
	}

	if !s.running.Load() {
		return constants.ReasonServerShutdown
	}
	return constants.ReasonConnectionClosed
}

// sendLoop drains the device queue onto the socket.
func (s *DeviceServer) sendLoop(rd *device.RemoteDevice) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().Interface("panic", r).Str("device_id", rd.ID).Msg("Sender panicked")
			s.emitError(rd.ID, constants.ErrorCategoryUnexpected, fmt.Sprint(r))
			s.removeDevice(rd, constants.ReasonConnectionClosed)
		}
	}()

	for s.running.Load() && rd.State() == models.StateConnected {
		msg, ok := rd.NextMessage(s.sendDequeueTimeout)
		if !ok {
			continue
		}
		if rd.SkipResend(msg) {
			s.Logger.Debug().Str("device_id", rd.ID).Str("message_id", msg.MessageID).
				Msg("Acknowledged before resend, dropping")
			continue
		}

		frame := msg.Frame()
		n, err := rd.Send(frame, s.writeTimeout)
		if err != nil {
			rd.IncrementErrorCount()
			s.Logger.Warn().Err(err).Str("device_id", rd.ID).Str("type", msg.Type).Msg("Send failed")
			s.emitMessageFailed(rd.ID, frame, err)
			if codec.IsProtocolError(err) {
				s.emitError(rd.ID, constants.ErrorCategoryHandler, err.Error())
				s.removeDevice(rd, constants.ReasonProtocolError)
				return
			}
			if rd.ExceededErrorBudget() {
				s.removeDevice(rd, constants.ReasonTooManyErrors)
				return
			}
			continue
		}

		rd.RecordSent(msg, n)
		rd.ResetErrorCount()
		s.counters.messagesSent.Add(1)
		s.counters.bytesSent.Add(int64(n))
		if isPong(msg) {
			rd.UpdatePingStats(true)
		}
		s.emitMessageSent(rd.ID, frame)
	}
}

// removeDevice drops rd from the registry if it is still the registered
// instance and tears it down. Safe to call from several goroutines.
func (s *DeviceServer) removeDevice(rd *device.RemoteDevice, reason string) {
	s.devices.RemoveCb(rd.ID, func(_ string, current *device.RemoteDevice, exists bool) bool {
		return exists && current == rd
	})
	s.teardown(rd, reason)
}

// teardown closes rd and emits the disconnect event. Only the first call for a
// given device has any effect.
func (s *DeviceServer) teardown(rd *device.RemoteDevice, reason string) bool {
	if !rd.Close() {
		return false
	}

	s.counters.disconnects.Add(1)
	stats := rd.Stats()
	s.Logger.Info().
		Str("device_id", rd.ID).
		Str("reason", reason).
		Int64("messages_sent", stats.MessagesSent).
		Int64("messages_received", stats.MessagesReceived).
		Dur("connected_for", time.Since(stats.ConnectedAt)).
		Msg("Device disconnected")
	s.emitDisconnected(rd.ID, reason)
	return true
}

package services

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/device"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/utils"
)

// dispatch routes one inbound frame by its type. Unknown types are forwarded
// as generic messages.
func (s *DeviceServer) dispatch(rd *device.RemoteDevice, payload map[string]any) {
	msgType, _ := payload["type"].(string)

	switch msgType {
	case constants.MessageTypeHeartbeat:
		s.handleHeartbeat(rd)
	case constants.MessageTypeStatus:
		s.handleStatus(rd, payload)
	case constants.MessageTypePreviewFrame:
		s.handlePreviewFrame(rd, payload)
	case constants.MessageTypeAck:
		s.handleAck(rd, payload)
	case constants.MessageTypeSensorData:
		// Readings are opaque here and go to listeners unchanged.
		s.emitMessageReceived(rd.ID, payload)
	default:
		s.emitMessageReceived(rd.ID, payload)
	}
}

func (s *DeviceServer) handleHeartbeat(rd *device.RemoteDevice) {
	now := models.UnixSeconds(time.Now())
	rd.QueueMessage(models.NewMessage(constants.MessageTypeHeartbeatResponse, map[string]any{
		"timestamp":   now,
		"server_time": now,
	}, models.PriorityHigh))
}

func (s *DeviceServer) handleStatus(rd *device.RemoteDevice, payload map[string]any) {
	storage, _ := payload["storage"].(string)
	if !strings.HasPrefix(storage, constants.PingPrefix) {
		s.emitMessageReceived(rd.ID, payload)
		return
	}

	ping, ok := parsePing(storage)
	if !ok {
		s.Logger.Warn().Str("device_id", rd.ID).Str("storage", storage).Msg("Malformed ping")
		s.emitWarning(rd.ID, "malformed ping: "+storage)
		return
	}

	now := time.Now()
	rttMs, nowField := ping.roundTrip(now)
	rd.UpdatePingStats(false)
	rd.UpdateLatency(rttMs / 2)

	pong := constants.PongPrefix + strings.Join([]string{ping.id, ping.rawTimestamp, nowField, ping.sequence}, ":")
	rd.QueueMessage(models.NewMessage(constants.MessageTypeStatus, map[string]any{
		"storage":     pong,
		"timestamp":   models.UnixSeconds(now),
		"battery":     nil,
		"temperature": nil,
		"recording":   false,
		"connected":   true,
	}, models.PriorityHigh))
}

// pingRequest is a parsed "ping:<id>:<timestamp>:<sequence>" string. The id may
// itself contain colons.
type pingRequest struct {
	id           string
	rawTimestamp string
	timestamp    float64
	sequence     string
}

func parsePing(storage string) (pingRequest, bool) {
	parts := strings.Split(strings.TrimPrefix(storage, constants.PingPrefix), ":")
	if len(parts) < 3 {
		return pingRequest{}, false
	}
	n := len(parts)
	ts, err := strconv.ParseFloat(parts[n-2], 64)
	if err != nil {
		return pingRequest{}, false
	}
	return pingRequest{
		id:           strings.Join(parts[:n-2], ":"),
		rawTimestamp: parts[n-2],
		timestamp:    ts,
		sequence:     parts[n-1],
	}, true
}

// roundTrip returns the round trip in milliseconds, clamped at zero, and the
// current time formatted in the ping's own unit (milliseconds or seconds).
func (p pingRequest) roundTrip(now time.Time) (float64, string) {
	if p.timestamp > constants.MillisecondTimestampThreshold {
		nowMs := now.UnixMilli()
		return max(0, float64(nowMs)-p.timestamp), strconv.FormatInt(nowMs, 10)
	}
	nowSec := models.UnixSeconds(now)
	return max(0, (nowSec-p.timestamp)*1000), strconv.FormatFloat(nowSec, 'f', 6, 64)
}

func isPong(msg *models.Message) bool {
	if msg.Type != constants.MessageTypeStatus {
		return false
	}
	storage, _ := msg.Payload["storage"].(string)
	return strings.HasPrefix(storage, constants.PongPrefix)
}

func (s *DeviceServer) handlePreviewFrame(rd *device.RemoteDevice, payload map[string]any) {
	if !rd.ShouldSendFrame() {
		s.counters.framesDropped.Add(1)
		return
	}

	encoded, _ := payload["image_data"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		s.counters.framesDropped.Add(1)
		s.Logger.Warn().Err(err).Str("device_id", rd.ID).Msg("Invalid preview frame payload")
		s.emitWarning(rd.ID, "invalid preview frame image_data")
		return
	}
	s.counters.framesReceived.Add(1)

	frameType, _ := payload["frame_type"].(string)
	if frameType == "" {
		frameType = "rgb"
	}
	timestamp := time.Now()
	if ts, ok := utils.Float(payload["timestamp"]); ok && ts > 0 {
		timestamp = time.Unix(0, int64(ts*float64(time.Second)))
	}
	quality, _ := rd.StreamingQuality()

	s.emitPreviewFrame(rd.ID, frameType, data, models.FrameMetadata{
		Width:            utils.Int(payload["width"]),
		Height:           utils.Int(payload["height"]),
		FrameType:        frameType,
		StreamingQuality: quality,
		Timestamp:        timestamp,
		Size:             len(data),
	})

	latency, _ := rd.AverageLatency()
	if next, changed := rd.AdaptStreamingQuality(latency, rd.ErrorRate()); changed {
		s.Logger.Info().
			Str("device_id", rd.ID).
			Str("from", quality).
			Str("to", next).
			Float64("average_latency", latency).
			Msg("Streaming quality changed")
	}
}

func (s *DeviceServer) handleAck(rd *device.RemoteDevice, payload map[string]any) {
	if id, _ := payload["message_id"].(string); id != "" {
		if elapsed, ok := rd.Acknowledge(id); ok {
			s.Logger.Debug().Str("device_id", rd.ID).Str("message_id", id).Dur("elapsed", elapsed).Msg("Message acknowledged")
		}
	}
	s.emitMessageReceived(rd.ID, payload)
}

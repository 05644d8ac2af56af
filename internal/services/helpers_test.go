package services_test

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/services"
	"github.com/benmeehan/sensor-hub/pkg/codec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type disconnectEvent struct {
	deviceID string
	reason   string
}

type failedEvent struct {
	deviceID string
	payload  map[string]any
	err      error
}

type frameEvent struct {
	deviceID  string
	frameType string
	data      []byte
	metadata  models.FrameMetadata
}

type errorEvent struct {
	source   string
	category string
	message  string
}

type warningEvent struct {
	deviceID string
	message  string
}

// recordingListener keeps every event it receives.
type recordingListener struct {
	mu           sync.Mutex
	connected    []string
	disconnected []disconnectEvent
	received     []map[string]any
	sent         []map[string]any
	failed       []failedEvent
	frames       []frameEvent
	errors       []errorEvent
	warnings     []warningEvent
}

func (r *recordingListener) OnDeviceConnected(deviceID string, _ models.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, deviceID)
}

func (r *recordingListener) OnDeviceDisconnected(deviceID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, disconnectEvent{deviceID, reason})
}

func (r *recordingListener) OnMessageReceived(_ string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, payload)
}

func (r *recordingListener) OnMessageSent(_ string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload)
}

func (r *recordingListener) OnMessageFailed(deviceID string, payload map[string]any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failedEvent{deviceID, payload, err})
}

func (r *recordingListener) OnPreviewFrameReceived(deviceID, frameType string, data []byte, metadata models.FrameMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frameEvent{deviceID, frameType, data, metadata})
}

func (r *recordingListener) OnError(source, category, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorEvent{source, category, message})
}

func (r *recordingListener) OnWarning(deviceID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, warningEvent{deviceID, message})
}

func (r *recordingListener) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connected...)
}

func (r *recordingListener) Disconnected() []disconnectEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]disconnectEvent(nil), r.disconnected...)
}

func (r *recordingListener) Received() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.received...)
}

func (r *recordingListener) Failed() []failedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failedEvent(nil), r.failed...)
}

func (r *recordingListener) Frames() []frameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frameEvent(nil), r.frames...)
}

func (r *recordingListener) Errors() []errorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]errorEvent(nil), r.errors...)
}

func (r *recordingListener) Warnings() []warningEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]warningEvent(nil), r.warnings...)
}

// startServer runs a server on a free loopback port with short timeouts.
func startServer(t *testing.T, maxConnections int, opts ...services.ServerOption) (*services.DeviceServer, *recordingListener) {
	t.Helper()

	listener := &recordingListener{}
	all := append([]services.ServerOption{
		services.WithReceiveTimeout(50 * time.Millisecond),
		services.WithSendDequeueTimeout(20 * time.Millisecond),
		services.WithHandshakeTimeout(time.Second),
		services.WithShutdownTimeout(time.Second),
		services.WithListener(listener),
	}, opts...)

	srv := services.NewDeviceServer("127.0.0.1", 0, maxConnections, 100*time.Millisecond, zerolog.Nop(), all...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop()
		}
	})
	return srv, listener
}

// testDevice is the client side of a device connection.
type testDevice struct {
	t    *testing.T
	raw  net.Conn
	conn *codec.Conn
}

func dialDevice(t *testing.T, srv *services.DeviceServer) *testDevice {
	t.Helper()

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return &testDevice{t: t, raw: raw, conn: codec.NewConn(raw, time.Second)}
}

func (d *testDevice) send(payload map[string]any) {
	d.t.Helper()
	_, err := d.conn.Send(payload, time.Second)
	require.NoError(d.t, err)
}

// expect reads frames until one of msgType arrives.
func (d *testDevice) expect(msgType string) map[string]any {
	d.t.Helper()
	return d.expectMatch(msgType, func(map[string]any) bool { return true })
}

// expectMatch reads frames until one of msgType satisfies match.
func (d *testDevice) expectMatch(msgType string, match func(map[string]any) bool) map[string]any {
	d.t.Helper()

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		payload, _, err := d.conn.Receive(100 * time.Millisecond)
		if errors.Is(err, codec.ErrTimeout) {
			continue
		}
		require.NoError(d.t, err, "waiting for %s", msgType)
		if payload["type"] == msgType && match(payload) {
			return payload
		}
	}
	require.FailNow(d.t, "timed out waiting for "+msgType)
	return nil
}

// expectClosed reads until the server closes the connection.
func (d *testDevice) expectClosed() {
	d.t.Helper()

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		_, _, err := d.conn.Receive(100 * time.Millisecond)
		if err != nil && !errors.Is(err, codec.ErrTimeout) {
			return
		}
	}
	require.FailNow(d.t, "connection was not closed")
}

// handshake registers the device and returns the handshake_ack.
func (d *testDevice) handshake(deviceID string, extra map[string]any) map[string]any {
	d.t.Helper()

	payload := map[string]any{
		"type":         "handshake",
		"device_id":    deviceID,
		"capabilities": []string{"rgb_video", "thermal"},
	}
	for k, v := range extra {
		payload[k] = v
	}
	d.send(payload)
	return d.expect("handshake_ack")
}

func connectDevice(t *testing.T, srv *services.DeviceServer, deviceID string) *testDevice {
	t.Helper()
	d := dialDevice(t, srv)
	d.handshake(deviceID, nil)
	return d
}

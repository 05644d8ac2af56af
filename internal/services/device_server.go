package services

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/device"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrServerRunning      = errors.New("device server is already running")
	ErrServerNotRunning   = errors.New("device server is not running")
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrIncompatibleClient = errors.New("incompatible client version")
)

// ServerOption customises a DeviceServer.
type ServerOption func(*DeviceServer)

// WithHeartbeatTimeout sets how long a device may stay silent before eviction.
func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.heartbeatTimeout = d }
}

// WithHandshakeTimeout bounds the wait for the handshake on a new socket.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.handshakeTimeout = d }
}

// WithReceiveTimeout sets the steady-state wait for the next inbound frame.
func WithReceiveTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.receiveTimeout = d }
}

// WithSocketReadTimeout bounds reading the remainder of a started frame.
func WithSocketReadTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.socketReadTimeout = d }
}

// WithWriteTimeout bounds a single framed write.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.writeTimeout = d }
}

// WithSendDequeueTimeout sets how long a sender waits on an empty queue.
func WithSendDequeueTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.sendDequeueTimeout = d }
}

// WithShutdownTimeout bounds the wait for the accept loop in Stop.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *DeviceServer) { s.shutdownTimeout = d }
}

// WithMaxConsecutiveErrors sets the per-device error budget.
func WithMaxConsecutiveErrors(n int) ServerOption {
	return func(s *DeviceServer) { s.maxConsecutiveErrors = n }
}

// WithAckPolicy sets the acknowledgment deadline and resend budget of commands.
func WithAckPolicy(timeout time.Duration, maxRetries int) ServerOption {
	return func(s *DeviceServer) {
		s.ackTimeout = timeout
		s.maxRetries = maxRetries
	}
}

// WithServerIdentity sets the name and version advertised in handshake_ack.
func WithServerIdentity(name, version string) ServerOption {
	return func(s *DeviceServer) {
		s.serverName = name
		s.serverVersion = version
	}
}

// WithClientVersionConstraint rejects devices whose app_version does not satisfy c.
func WithClientVersionConstraint(c *semver.Constraints) ServerOption {
	return func(s *DeviceServer) { s.versionConstraint = c }
}

// WithListener registers l before the server starts.
func WithListener(l DeviceEventListener) ServerOption {
	return func(s *DeviceServer) { s.listeners.add(l) }
}

// serverCounters are lifetime totals, including devices that already left.
type serverCounters struct {
	connectionsAccepted atomic.Int64
	connectionsRejected atomic.Int64
	handshakeFailures   atomic.Int64
	disconnects         atomic.Int64
	messagesSent        atomic.Int64
	messagesReceived    atomic.Int64
	bytesSent           atomic.Int64
	bytesReceived       atomic.Int64
	framesReceived      atomic.Int64
	framesDropped       atomic.Int64
}

func (c *serverCounters) snapshot() models.ServerCounters {
	return models.ServerCounters{
		ConnectionsAccepted: c.connectionsAccepted.Load(),
		ConnectionsRejected: c.connectionsRejected.Load(),
		HandshakeFailures:   c.handshakeFailures.Load(),
		Disconnects:         c.disconnects.Load(),
		MessagesSent:        c.messagesSent.Load(),
		MessagesReceived:    c.messagesReceived.Load(),
		BytesSent:           c.bytesSent.Load(),
		BytesReceived:       c.bytesReceived.Load(),
		FramesReceived:      c.framesReceived.Load(),
		FramesDropped:       c.framesDropped.Load(),
	}
}

// DeviceServer accepts device connections, keeps the device registry and
// exposes the command API.
type DeviceServer struct {
	host              string
	port              int
	maxConnections    int
	heartbeatInterval time.Duration

	heartbeatTimeout     time.Duration
	handshakeTimeout     time.Duration
	receiveTimeout       time.Duration
	socketReadTimeout    time.Duration
	writeTimeout         time.Duration
	sendDequeueTimeout   time.Duration
	shutdownTimeout      time.Duration
	maxConsecutiveErrors int
	ackTimeout           time.Duration
	maxRetries           int
	serverName           string
	serverVersion        string
	serverID             string
	versionConstraint    *semver.Constraints

	Logger zerolog.Logger

	devices        cmap.ConcurrentMap[string, *device.RemoteDevice]
	listeners      listenerSet
	messageCounter atomic.Uint64
	counters       serverCounters
	running        atomic.Bool

	lifecycleMu sync.Mutex // serialises Start and Stop
	heartbeat   *HeartbeatService
	acceptDone  chan struct{}

	mu       sync.Mutex
	listener net.Listener
}

// NewDeviceServer creates a stopped server. Zero values fall back to the defaults
// in the constants package.
func NewDeviceServer(host string, port, maxConnections int, heartbeatInterval time.Duration,
	logger zerolog.Logger, opts ...ServerOption) *DeviceServer {

	s := &DeviceServer{
		host:              host,
		port:              port,
		maxConnections:    maxConnections,
		heartbeatInterval: heartbeatInterval,
		maxRetries:        -1,
		serverID:          uuid.NewString(),
		Logger:            logger,
		devices:           cmap.New[*device.RemoteDevice](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.applyDefaults()
	return s
}

func (s *DeviceServer) applyDefaults() {
	if s.host == "" {
		s.host = constants.DefaultHost
	}
	if s.maxConnections <= 0 {
		s.maxConnections = constants.DefaultMaxConnections
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = constants.DefaultHeartbeatTimeout
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if s.receiveTimeout <= 0 {
		s.receiveTimeout = constants.DefaultReceiveTimeout
	}
	if s.socketReadTimeout <= 0 {
		s.socketReadTimeout = constants.DefaultSocketReadTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = constants.DefaultWriteTimeout
	}
	if s.sendDequeueTimeout <= 0 {
		s.sendDequeueTimeout = constants.DefaultSendDequeueTimeout
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = constants.DefaultShutdownTimeout
	}
	if s.maxConsecutiveErrors <= 0 {
		s.maxConsecutiveErrors = constants.DefaultMaxConsecutiveErrors
	}
	if s.ackTimeout <= 0 {
		s.ackTimeout = constants.DefaultAckTimeout
	}
	if s.maxRetries < 0 {
		s.maxRetries = constants.DefaultMaxRetries
	}
	if s.serverName == "" {
		s.serverName = constants.DefaultServerName
	}
	if s.serverVersion == "" {
		s.serverVersion = constants.DefaultServerVersion
	}
}

// AddListener registers l for events. Listeners are compared by identity, so
// pass pointers. A listener whose type is not comparable, such as a struct
// value holding a slice, is always added and can never be removed.
func (s *DeviceServer) AddListener(l DeviceEventListener) {
	s.listeners.add(l)
}

// RemoveListener unregisters l and reports whether it was registered.
func (s *DeviceServer) RemoveListener(l DeviceEventListener) bool {
	return s.listeners.remove(l)
}

// ServerID is the random instance id advertised in every handshake_ack.
func (s *DeviceServer) ServerID() string {
	return s.serverID
}

// Addr returns the bound address while the server is running, nil otherwise.
func (s *DeviceServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether Start has succeeded and Stop has not been called.
func (s *DeviceServer) IsRunning() bool {
	return s.running.Load()
}

// Start binds the listening socket and launches the accept loop and the
// heartbeat scheduler. A bind failure is returned and also reported as a
// startup error event.
func (s *DeviceServer) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		s.Logger.Warn().Msg("DeviceServer is already running")
		return ErrServerRunning
	}

	address := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		s.Logger.Error().Err(err).Str("address", address).Msg("Failed to bind device server")
		s.emitError(constants.ServerSource, constants.ErrorCategoryStartup, err.Error())
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.acceptDone = make(chan struct{})
	s.running.Store(true)

	s.heartbeat = NewHeartbeatService(s.heartbeatInterval, s, s.Logger)
	if err := s.heartbeat.Start(); err != nil {
		s.running.Store(false)
		_ = ln.Close()
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
		return err
	}

	go s.acceptLoop(ln, s.acceptDone)

	s.Logger.Info().
		Str("address", ln.Addr().String()).
		Str("server_id", s.serverID).
		Int("max_connections", s.maxConnections).
		Dur("heartbeat_interval", s.heartbeatInterval).
		Msg("DeviceServer started successfully")
	return nil
}

// Stop disconnects every device, closes the listening socket and waits a
// bounded time for the accept loop to exit.
func (s *DeviceServer) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		s.Logger.Warn().Msg("DeviceServer is not running")
		return ErrServerNotRunning
	}

	s.Logger.Info().Int("devices", s.devices.Count()).Msg("Stopping DeviceServer...")

	if s.heartbeat != nil {
		_ = s.heartbeat.Stop()
		s.heartbeat = nil
	}

	for _, id := range s.devices.Keys() {
		s.DisconnectDevice(id, constants.ReasonServerShutdown)
	}

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if err := ln.Close(); err != nil {
		s.Logger.Debug().Err(err).Msg("Error closing listener")
	}

	select {
	case <-s.acceptDone:
	case <-time.After(s.shutdownTimeout):
		s.Logger.Warn().Dur("timeout", s.shutdownTimeout).Msg("Accept loop did not exit in time")
	}

	s.Logger.Info().Msg("DeviceServer stopped successfully")
	return nil
}

// acceptLoop hands each accepted socket to its own handler goroutine.
func (s *DeviceServer) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger.Error().Err(err).Msg("Accept failed")
			s.emitError(constants.ServerSource, constants.ErrorCategoryAccept, err.Error())
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.devices.Count() >= s.maxConnections {
			s.counters.connectionsRejected.Add(1)
			s.Logger.Warn().
				Str("address", conn.RemoteAddr().String()).
				Int("max_connections", s.maxConnections).
				Msg("Connection rejected, server at capacity")
			_ = conn.Close()
			continue
		}

		s.counters.connectionsAccepted.Add(1)
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		go s.handleConnection(conn)
	}
}

// notify invokes fn on every listener. A panicking listener is logged and
// skipped.
func (s *DeviceServer) notify(event string, fn func(DeviceEventListener)) {
	for _, l := range s.listeners.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.Logger.Error().Interface("panic", r).Str("event", event).Msg("Event listener panicked")
				}
			}()
			fn(l)
		}()
	}
}

func (s *DeviceServer) emitConnected(id string, status models.DeviceStatus) {
	s.notify("device_connected", func(l DeviceEventListener) { l.OnDeviceConnected(id, status) })
}

func (s *DeviceServer) emitDisconnected(id, reason string) {
	s.notify("device_disconnected", func(l DeviceEventListener) { l.OnDeviceDisconnected(id, reason) })
}

func (s *DeviceServer) emitMessageReceived(id string, payload map[string]any) {
	s.notify("message_received", func(l DeviceEventListener) { l.OnMessageReceived(id, payload) })
}

func (s *DeviceServer) emitMessageSent(id string, payload map[string]any) {
	s.notify("message_sent", func(l DeviceEventListener) { l.OnMessageSent(id, payload) })
}

func (s *DeviceServer) emitMessageFailed(id string, payload map[string]any, err error) {
	s.notify("message_failed", func(l DeviceEventListener) { l.OnMessageFailed(id, payload, err) })
}

func (s *DeviceServer) emitPreviewFrame(id, frameType string, data []byte, meta models.FrameMetadata) {
	s.notify("preview_frame", func(l DeviceEventListener) { l.OnPreviewFrameReceived(id, frameType, data, meta) })
}

func (s *DeviceServer) emitError(source, category, message string) {
	s.notify("error", func(l DeviceEventListener) { l.OnError(source, category, message) })
}

func (s *DeviceServer) emitWarning(id, message string) {
	s.notify("warning", func(l DeviceEventListener) { l.OnWarning(id, message) })
}

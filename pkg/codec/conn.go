package codec

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is a framed connection. One goroutine may receive while another sends.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	frameTimeout time.Duration

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps conn. frameTimeout bounds reading the remainder of a frame once
// its first byte has arrived; zero disables it.
func NewConn(conn net.Conn, frameTimeout time.Duration) *Conn {
	return &Conn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		frameTimeout: frameTimeout,
	}
}

// Receive waits up to timeout for a frame to start and then reads it whole.
// It returns ErrTimeout when nothing arrived, ErrConnectionClosed when the
// peer went away and ErrFrameInterrupted when a started frame did not finish
// within the frame timeout.
func (c *Conn) Receive(timeout time.Duration) (map[string]any, int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, classify(err)
	}
	if _, err := c.reader.Peek(1); err != nil {
		return nil, 0, classify(err)
	}

	var deadline time.Time
	if c.frameTimeout > 0 {
		deadline = time.Now().Add(c.frameTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, 0, classify(err)
	}
	payload, n, err := ReadFrame(c.reader)
	if err != nil {
		return nil, n, interrupted(err, n)
	}
	return payload, n, nil
}

// Send writes one frame, failing if it does not complete within timeout. A
// write that stopped part way through the frame returns ErrFrameInterrupted.
func (c *Conn) Send(payload any, timeout time.Duration) (int, error) {
	frame, err := Encode(payload)
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, classify(err)
		}
	}
	n, err := c.conn.Write(frame)
	switch {
	case err == nil:
		return n, nil
	case n > 0 && n < len(frame):
		return n, fmt.Errorf("%w: wrote %d of %d bytes: %v", ErrFrameInterrupted, n, len(frame), err)
	default:
		return n, fmt.Errorf("failed to write frame: %w", err)
	}
}

// Close closes the underlying socket once; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// interrupted converts a failure inside a started frame. Peer close and
// malformed frames keep their own errors; anything else leaves the stream
// misaligned.
func interrupted(err error, n int) error {
	switch {
	case errors.Is(err, ErrConnectionClosed), IsProtocolError(err):
		return err
	case errors.Is(err, net.ErrClosed):
		return ErrConnectionClosed
	default:
		return fmt.Errorf("%w after %d bytes: %v", ErrFrameInterrupted, n, err)
	}
}

func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	case errors.Is(err, net.ErrClosed):
		return ErrConnectionClosed
	default:
		return closedOr(err)
	}
}

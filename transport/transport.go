// Package transport moves raw bytes between a probe and its peer over TCP or
// UDP. It knows nothing about records; the executor accumulates partial reads.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// TCPBufferSize is the read size for stream connections.
	TCPBufferSize = 4096
	// UDPBufferSize fits any datagram.
	UDPBufferSize = 64 * 1024

	DefaultTimeout = 2 * time.Second
)

var (
	// ErrClosed means the peer closed or reset the connection.
	ErrClosed = errors.New("connection closed by peer")
	// ErrTimeout means no data arrived before the read deadline.
	ErrTimeout = errors.New("read timed out")
)

// Transport is a blocking byte pipe. Implementations are used by one
// goroutine at a time, except that Close may be called concurrently to abort
// a blocked Send or Receive.
type Transport interface {
	Send(data []byte) error
	// Receive blocks until some bytes arrive, the timeout expires or the
	// connection ends. Bytes read before the connection ended are returned
	// together with ErrClosed.
	Receive() ([]byte, error)
	Close() error
}

// Conn is a Transport over a net.Conn.
type Conn struct {
	conn    net.Conn
	timeout time.Duration
	buffer  []byte
	logger  *zap.Logger
}

// Dial connects to addr over network ("tcp" or "udp").
func Dial(ctx context.Context, network, addr string, timeout time.Duration, logger *zap.Logger) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Dialing peer", zap.String("network", network), zap.String("addr", addr))

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, addr, err)
	}
	return New(conn, timeout, logger), nil
}

// New wraps an established connection. Each Receive waits at most timeout.
func New(conn net.Conn, timeout time.Duration, logger *zap.Logger) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := TCPBufferSize
	if _, ok := conn.(net.PacketConn); ok {
		size = UDPBufferSize
	}
	return &Conn{
		conn:    conn,
		timeout: timeout,
		buffer:  make([]byte, size),
		logger:  logger,
	}
}

func (c *Conn) Send(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return c.classify(err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return c.classify(err)
	}
	c.logger.Debug("Sent bytes", zap.Int("bytes", len(data)))
	return nil
}

func (c *Conn) Receive() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, c.classify(err)
	}
	n, err := c.conn.Read(c.buffer)
	var data []byte
	if n > 0 {
		data = append([]byte(nil), c.buffer[:n]...)
		c.logger.Debug("Received bytes", zap.Int("bytes", n))
	}
	if err != nil {
		return data, c.classify(err)
	}
	return data, nil
}

func (c *Conn) Close() error {
	err := c.conn.Close()
	if err != nil && isNetworkShutdownError(err) {
		return nil
	}
	return err
}

// RemoteAddr is the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) classify(err error) error {
	if errors.Is(err, io.EOF) {
		c.logger.Debug("Connection closed by peer (EOF)")
		return ErrClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	if isNetworkShutdownError(err) {
		c.logger.Debug("Connection shut down", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func isNetworkShutdownError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection refused")
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket tunnels the byte stream through a relay as binary messages.
// Message boundaries carry no meaning; the executor reassembles records.
type WebSocket struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// DialWebSocket connects to a relay at url.
func DialWebSocket(ctx context.Context, url string, timeout time.Duration, logger *zap.Logger) (*WebSocket, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Dialing websocket relay", zap.String("url", url))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to relay %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	return NewWebSocket(conn, timeout, logger), nil
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn, timeout time.Duration, logger *zap.Logger) *WebSocket {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{conn: conn, timeout: timeout, logger: logger}
}

func (w *WebSocket) Send(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return w.classify(err)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return w.classify(err)
	}
	w.logger.Debug("Sent websocket message", zap.Int("bytes", len(data)))
	return nil
}

func (w *WebSocket) Receive() ([]byte, error) {
	if err := w.conn.SetReadDeadline(time.Now().Add(w.timeout)); err != nil {
		return nil, w.classify(err)
	}
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, w.classify(err)
		}
		if typ != websocket.BinaryMessage {
			w.logger.Debug("Ignoring non-binary websocket message", zap.Int("type", typ))
			continue
		}
		w.logger.Debug("Received websocket message", zap.Int("bytes", len(data)))
		return data, nil
	}
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := w.conn.Close()
	if err != nil && isNetworkShutdownError(err) {
		return nil
	}
	return err
}

func (w *WebSocket) classify(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		w.logger.Debug("Relay closed the tunnel", zap.Error(err))
		return ErrClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w after %s", ErrTimeout, w.timeout)
	}
	if isNetworkShutdownError(err) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

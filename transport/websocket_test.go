package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// createTestRelay answers every binary message with its upper-case copy,
// preceded by a text message that must be skipped, then closes.
func createTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("status"))
		conn.WriteMessage(websocket.BinaryMessage, bytes.ToUpper(data))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestWebSocketRoundTrip(t *testing.T) {
	server := createTestRelay(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/tunnel"

	ws, err := DialWebSocket(context.Background(), url, time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	defer ws.Close()

	if err := ws.Send([]byte("hello")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	got, err := ws.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(got) != "HELLO" {
		t.Errorf("Received %q, want HELLO", got)
	}
	if _, err := ws.Receive(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after the close frame, got %v", err)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	server := createTestRelay(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/missing"

	if _, err := DialWebSocket(context.Background(), url, time.Second, zaptest.NewLogger(t)); err == nil {
		t.Fatal("Dialing a path without a relay should fail")
	}
}

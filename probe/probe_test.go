package probe

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"tlsprobe/executor"
	"tlsprobe/record"
	"tlsprobe/session"
	"tlsprobe/trace"
	"tlsprobe/transport"
)

func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "probe.test"},
		DNSNames:              []string{"probe.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privateKey}
}

// startTLSServer accepts connections until the test ends and completes a
// TLS 1.2 handshake on each.
func startTLSServer(t *testing.T, suite uint16) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	cfg := &tls.Config{
		Certificates: []tls.Certificate{generateTestCertificate(t)},
		CipherSuites: []uint16{suite},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				srv := tls.Server(conn, cfg)
				if srv.Handshake() == nil {
					io.Copy(io.Discard, srv)
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func testConfig(addr *net.TCPAddr, suite uint16) *session.Config {
	cfg := session.DefaultConfig()
	cfg.Host = addr.IP.String()
	cfg.Port = addr.Port
	cfg.ServerName = "probe.test"
	cfg.Timeout = 2 * time.Second
	cfg.CipherSuites = []uint16{suite}
	return cfg
}

func TestRunnerParallelHandshakes(t *testing.T) {
	suite := record.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256
	cfg := testConfig(startTLSServer(t, suite), suite)
	cfg.Parallelism = 3

	runner := NewRunner(cfg, zaptest.NewLogger(t))
	results, err := runner.Run(context.Background(), 5, func(int) (*trace.Trace, error) {
		return trace.Handshake(record.KeyExchangeECDHERSA, false), nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Got %d results", len(results))
	}

	ids := make(map[string]bool)
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("Probe %d failed: %v", i, res.Err)
			continue
		}
		if res.Index != i || ids[res.ProbeID] {
			t.Errorf("Probe %d has index %d and id %q", i, res.Index, res.ProbeID)
		}
		ids[res.ProbeID] = true
		if !res.Report.MatchesConfiguredOrder || !res.Report.ReceivedFinished {
			t.Errorf("Probe %d did not complete the handshake: %+v", i, res.Report)
		}
	}
}

func TestRunnerReportsProbeFailures(t *testing.T) {
	cfg := session.DefaultConfig()
	errBuild := errors.New("no trace")
	errDial := errors.New("unreachable")

	runner := NewRunner(cfg, zaptest.NewLogger(t))
	runner.Dial = func(context.Context, *session.Config, *zap.Logger) (transport.Transport, error) {
		return nil, errDial
	}
	results, err := runner.Run(context.Background(), 2, func(i int) (*trace.Trace, error) {
		if i == 0 {
			return nil, errBuild
		}
		return trace.HelloOnly(record.KeyExchangeRSA), nil
	})
	if err != nil {
		t.Fatalf("Probe failures must not fail the run: %v", err)
	}
	if !errors.Is(results[0].Err, errBuild) || results[0].Error == "" {
		t.Errorf("Probe 0: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, errDial) || !errors.Is(results[1].Err, executor.ErrTransport) {
		t.Errorf("Probe 1: %v", results[1].Err)
	}
	if results[1].ProbeID == "" {
		t.Error("Probe id should be assigned before dialing")
	}
}

func TestRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.Port = 0
	_, err := NewRunner(cfg, nil).Run(context.Background(), 1, func(int) (*trace.Trace, error) {
		return trace.New(), nil
	})
	if !errors.Is(err, session.ErrConfig) {
		t.Fatalf("Expected ErrConfig, got %v", err)
	}
}

func TestRunnerAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	cfg := session.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port, _ = strconv.Atoi(port)
	cfg.Timeout = time.Second

	results, err := NewRunner(cfg, zaptest.NewLogger(t)).Run(context.Background(), 1, func(int) (*trace.Trace, error) {
		return trace.HelloOnly(record.KeyExchangeRSA), nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !errors.Is(results[0].Err, executor.ErrTransport) {
		t.Errorf("Expected a transport error, got %v", results[0].Err)
	}
}

// startRelay tunnels each websocket connection to target over TCP.
func startRelay(t *testing.T, target string) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		conn, err := net.Dial("tcp", target)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 && ws.WriteMessage(websocket.BinaryMessage, buf[:n]) != nil {
					return
				}
				if err != nil {
					ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/tunnel"
}

func TestRunnerOverWebSocketRelay(t *testing.T) {
	suite := record.TLS_RSA_WITH_AES_128_CBC_SHA
	addr := startTLSServer(t, suite)
	cfg := testConfig(addr, suite)
	cfg.Network = "ws"
	cfg.WebSocketURL = startRelay(t, addr.String())

	results, err := NewRunner(cfg, zaptest.NewLogger(t)).Run(context.Background(), 2, func(int) (*trace.Trace, error) {
		return trace.Handshake(record.KeyExchangeRSA, false), nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("Probe %d failed: %v", i, res.Err)
		}
		if !res.Report.MatchesConfiguredOrder || !res.Report.ReceivedFinished {
			t.Errorf("Probe %d did not complete the handshake: %+v", i, res.Report)
		}
	}
}

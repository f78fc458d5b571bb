package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(bytes.ToUpper(buf[:n]))
		conn.Close()
	}()

	c, err := Dial(context.Background(), "tcp", ln.Addr().String(), time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c.Close()

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	var got []byte
	for {
		data, err := c.Receive()
		got = append(got, data...)
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
	}
	if string(got) != "HELLO" {
		t.Errorf("Received %q, want HELLO", got)
	}
}

func TestReceiveTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := New(client, 50*time.Millisecond, zaptest.NewLogger(t))
	defer c.Close()

	start := time.Now()
	_, err := c.Receive()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Receive ignored the deadline")
	}
}

func TestReceiveAfterClose(t *testing.T) {
	client, server := net.Pipe()
	c := New(client, time.Second, zaptest.NewLogger(t))
	server.Close()

	if _, err := c.Receive(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close after peer shutdown failed: %v", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	client, server := net.Pipe()
	c := New(client, time.Second, zaptest.NewLogger(t))
	defer c.Close()
	server.Close()

	if err := c.Send([]byte{0x15, 0x03, 0x03}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestUDPDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer pc.Close()

	go func() {
		buf := make([]byte, UDPBufferSize)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pc.WriteTo(buf[:n], addr)
	}()

	c, err := Dial(context.Background(), "udp", pc.LocalAddr().String(), time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c.Close()
	if len(c.buffer) != UDPBufferSize {
		t.Errorf("UDP buffer is %d bytes", len(c.buffer))
	}

	payload := bytes.Repeat([]byte{0x16}, 9000)
	if err := c.Send(payload); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	got, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Datagram came back as %d bytes", len(got))
	}
}

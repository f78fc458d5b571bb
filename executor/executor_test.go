package executor

import (
	"bytes"
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
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tlsprobe/handler"
	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
	"tlsprobe/trace"
	"tlsprobe/transport"
)

var (
	identityOnce sync.Once
	identityCert tls.Certificate
	identityErr  error
)

// generateTestCertificate returns a self-signed RSA certificate for
// probe.test, created once per test binary.
func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	identityOnce.Do(func() {
		privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			identityErr = err
			return
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
			identityErr = err
			return
		}
		identityCert = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privateKey}
	})
	if identityErr != nil {
		t.Fatalf("Failed to generate test certificate: %v", identityErr)
	}
	return identityCert
}

func newSession(t *testing.T, end message.Issuer, tr *trace.Trace, configure func(*session.Config)) *session.Context {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.ServerName = "probe.test"
	cfg.ConnectionEnd = end
	if end == message.Server {
		cert := generateTestCertificate(t)
		cfg.Certificates = cert.Certificate
		cfg.PrivateKey = cert.PrivateKey.(*rsa.PrivateKey)
	}
	if configure != nil {
		configure(cfg)
	}
	return session.NewContext(cfg, tr, zaptest.NewLogger(t))
}

func withSuite(suite uint16) func(*session.Config) {
	return func(cfg *session.Config) { cfg.CipherSuites = []uint16{suite} }
}

// scriptedTransport replays reads and records writes.
type scriptedTransport struct {
	reads  [][]byte
	writes [][]byte
}

func (s *scriptedTransport) Send(data []byte) error {
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *scriptedTransport) Receive() ([]byte, error) {
	if len(s.reads) == 0 {
		return nil, transport.ErrClosed
	}
	data := s.reads[0]
	s.reads = s.reads[1:]
	return data, nil
}

func (s *scriptedTransport) Close() error { return nil }

// countingTransport counts flushes.
type countingTransport struct {
	transport.Transport
	sends int
}

func (c *countingTransport) Send(data []byte) error {
	c.sends++
	return c.Transport.Send(data)
}

func startTLSServer(t *testing.T, suite uint16) (string, <-chan error) {
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
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		srv := tls.Server(conn, cfg)
		err = srv.Handshake()
		done <- err
		if err == nil {
			io.Copy(io.Discard, srv)
		}
	}()
	return ln.Addr().String(), done
}

func TestHandshakeAgainstCryptoTLS(t *testing.T) {
	tests := []struct {
		name  string
		suite uint16
		kex   record.KeyExchange
	}{
		{"rsa_aes_128_cbc_sha", record.TLS_RSA_WITH_AES_128_CBC_SHA, record.KeyExchangeRSA},
		{"ecdhe_rsa_aes_128_gcm", record.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, record.KeyExchangeECDHERSA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, serverDone := startTLSServer(t, tt.suite)
			sctx := newSession(t, message.Client, trace.Handshake(tt.kex, false), withSuite(tt.suite))

			conn, err := transport.Dial(context.Background(), "tcp", addr, 2*time.Second, sctx.Logger)
			if err != nil {
				t.Fatalf("Failed to dial: %v", err)
			}
			defer conn.Close()

			if err := New(sctx, conn).Execute(context.Background()); err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if err := <-serverDone; err != nil {
				t.Fatalf("Server handshake failed: %v", err)
			}

			a := sctx.Analyzer()
			if !a.MatchesConfiguredOrder() || a.HasUnexpectedMessage() {
				t.Errorf("Trace diverged: %+v", a.Report())
			}
			if !a.ReceivedFinished() || sctx.Trace.FindLast(message.TypeFinished, message.Client) < 0 {
				t.Error("Both Finished messages should be in the trace")
			}
			if sctx.PeerFinishedVerified == nil || !*sctx.PeerFinishedVerified {
				t.Error("Server Finished was not verified")
			}
			if n := sctx.Diagnostics.Len(); n != 0 {
				t.Errorf("Unexpected diagnostics: %+v", sctx.Diagnostics.Entries())
			}
		})
	}
}

func TestExecutorAgainstItself(t *testing.T) {
	tests := []struct {
		name  string
		suite uint16
		kex   record.KeyExchange
	}{
		{"rsa", record.TLS_RSA_WITH_AES_128_CBC_SHA, record.KeyExchangeRSA},
		{"dhe", record.TLS_DHE_RSA_WITH_AES_128_GCM_SHA256, record.KeyExchangeDHERSA},
		{"ecdhe", record.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, record.KeyExchangeECDHERSA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			client := newSession(t, message.Client, trace.Handshake(tt.kex, false), withSuite(tt.suite))
			server := newSession(t, message.Server, trace.Handshake(tt.kex, false), withSuite(tt.suite))

			clientTransport := &countingTransport{Transport: transport.New(clientConn, 2*time.Second, client.Logger)}
			serverTransport := transport.New(serverConn, 2*time.Second, server.Logger)
			defer clientTransport.Close()
			defer serverTransport.Close()

			serverDone := make(chan error, 1)
			go func() { serverDone <- New(server, serverTransport).Execute(context.Background()) }()

			if err := New(client, clientTransport).Execute(context.Background()); err != nil {
				t.Fatalf("Client execution failed: %v", err)
			}
			if err := <-serverDone; err != nil {
				t.Fatalf("Server execution failed: %v", err)
			}

			for name, ctx := range map[string]*session.Context{"client": client, "server": server} {
				if !ctx.Analyzer().MatchesConfiguredOrder() {
					t.Errorf("%s trace diverged: %+v", name, ctx.Analyzer().Report())
				}
				if ctx.PeerFinishedVerified == nil || !*ctx.PeerFinishedVerified {
					t.Errorf("%s did not verify the peer's Finished", name)
				}
			}
			if !bytes.Equal(client.MasterSecret, server.MasterSecret) {
				t.Error("Master secrets differ")
			}
			if clientTransport.sends != 2 {
				t.Errorf("Client flushed %d times, want one write per flight", clientTransport.sends)
			}

			ccs := client.Trace.At(client.Trace.FindLast(message.TypeChangeCipherSpec, message.Client)).Common()
			fin := client.Trace.At(client.Trace.FindLast(message.TypeFinished, message.Client)).Common()
			if len(ccs.Records) != 1 || !bytes.Equal(ccs.Records[0].Protected, ccs.Records[0].Payload) {
				t.Error("ChangeCipherSpec must leave under the previous, null cipher")
			}
			if len(fin.Records) != 1 || bytes.Equal(fin.Records[0].Protected, fin.Records[0].Payload) {
				t.Error("Finished must be protected by the new cipher")
			}
		})
	}
}

// udpPeer sends every datagram of an unconnected socket to one peer.
type udpPeer struct {
	*net.UDPConn
	peer net.Addr
}

func (u *udpPeer) Write(b []byte) (int, error) { return u.WriteTo(b, u.peer) }

func (u *udpPeer) RemoteAddr() net.Addr { return u.peer }

func TestDTLSExecutorAgainstItself(t *testing.T) {
	tests := []struct {
		name        string
		maxFragment int
		fragmented  bool
	}{
		{"default_fragment_length", record.MaxPlaintextLength, false},
		{"small_fragment_length", 256, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configure := func(cfg *session.Config) {
				cfg.HighestVersion = record.DTLS12
				cfg.Network = "udp"
				cfg.CipherSuites = []uint16{record.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256}
				cfg.MaxFragmentLength = tt.maxFragment
			}
			kex := record.KeyExchangeECDHERSA
			client := newSession(t, message.Client, trace.Handshake(kex, true), configure)
			server := newSession(t, message.Server, trace.Handshake(kex, true), configure)

			serverSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
			if err != nil {
				t.Fatalf("Failed to listen: %v", err)
			}
			clientSock, err := net.DialUDP("udp", nil, serverSock.LocalAddr().(*net.UDPAddr))
			if err != nil {
				serverSock.Close()
				t.Fatalf("Failed to dial: %v", err)
			}
			clientTransport := transport.New(clientSock, 2*time.Second, client.Logger)
			serverTransport := transport.New(&udpPeer{UDPConn: serverSock, peer: clientSock.LocalAddr()}, 2*time.Second, server.Logger)
			defer clientTransport.Close()
			defer serverTransport.Close()

			serverDone := make(chan error, 1)
			go func() { serverDone <- New(server, serverTransport).Execute(context.Background()) }()

			if err := New(client, clientTransport).Execute(context.Background()); err != nil {
				t.Fatalf("Client execution failed: %v", err)
			}
			if err := <-serverDone; err != nil {
				t.Fatalf("Server execution failed: %v", err)
			}

			for name, ctx := range map[string]*session.Context{"client": client, "server": server} {
				if !ctx.Analyzer().MatchesConfiguredOrder() {
					t.Errorf("%s trace diverged: %+v", name, ctx.Analyzer().Report())
				}
				if ctx.PeerFinishedVerified == nil || !*ctx.PeerFinishedVerified {
					t.Errorf("%s did not verify the peer's Finished", name)
				}
			}
			if !bytes.Equal(client.MasterSecret, server.MasterSecret) {
				t.Error("Master secrets differ")
			}

			hello := server.Trace.At(2).(*message.ClientHello)
			if len(client.DTLSCookie) == 0 || !bytes.Equal(hello.Cookie.Get(), client.DTLSCookie) {
				t.Error("Second ClientHello must echo the HelloVerifyRequest cookie")
			}

			fin := server.Trace.At(server.Trace.FindLast(message.TypeFinished, message.Client)).Common()
			if len(fin.Records) == 0 || fin.Records[0].Epoch != 1 {
				t.Error("Client Finished should arrive in epoch 1")
			}
			ccs := server.Trace.At(server.Trace.FindLast(message.TypeChangeCipherSpec, message.Client)).Common()
			if len(ccs.Records) == 0 || ccs.Records[0].Epoch != 0 {
				t.Error("Client ChangeCipherSpec should arrive in epoch 0")
			}

			cert := client.Trace.At(client.Trace.FindLast(message.TypeCertificate, message.Server)).Common()
			if got := len(cert.Records) > 1; got != tt.fragmented {
				t.Errorf("Certificate arrived in %d records", len(cert.Records))
			}
			for _, rec := range cert.Records {
				if len(rec.Payload) > tt.maxFragment {
					t.Errorf("Record payload of %d bytes exceeds %d", len(rec.Payload), tt.maxFragment)
				}
			}
		})
	}
}

func TestGroupRuns(t *testing.T) {
	rec := func(ct record.ContentType, b byte) *record.Record {
		return &record.Record{ContentType: ct, Payload: []byte{b}}
	}
	tests := []struct {
		name    string
		records []*record.Record
		want    []record.ContentType
		sizes   []int
	}{
		{"empty", nil, nil, nil},
		{
			"server_flight",
			[]*record.Record{rec(record.Handshake, 1), rec(record.Handshake, 2), rec(record.Handshake, 3)},
			[]record.ContentType{record.Handshake},
			[]int{3},
		},
		{
			"ccs_splits",
			[]*record.Record{rec(record.Handshake, 1), rec(record.ChangeCipherSpec, 2), rec(record.Handshake, 3)},
			[]record.ContentType{record.Handshake, record.ChangeCipherSpec, record.Handshake},
			[]int{1, 1, 1},
		},
		{
			"alerts_merge",
			[]*record.Record{rec(record.Alert, 1), rec(record.Alert, 2), rec(record.ApplicationData, 3)},
			[]record.ContentType{record.Alert, record.ApplicationData},
			[]int{2, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := GroupRuns(tt.records)
			if len(runs) != len(tt.want) {
				t.Fatalf("Got %d runs, want %d", len(runs), len(tt.want))
			}
			var order []byte
			for i, run := range runs {
				if run.ContentType != tt.want[i] || len(run.Records) != tt.sizes[i] {
					t.Errorf("Run %d: %s with %d records", i, run.ContentType, len(run.Records))
				}
				for _, r := range run.Records {
					order = append(order, r.Payload...)
				}
			}
			for i, b := range order {
				if int(b) != i+1 {
					t.Fatalf("Records reordered: %v", order)
				}
			}
		})
	}
}

func TestUnsentMessageNeverReachesWire(t *testing.T) {
	ccs := message.New(message.TypeChangeCipherSpec, message.Client)
	ccs.Common().GoingToBeSent = false
	tr := trace.New(
		message.New(message.TypeClientHello, message.Client),
		ccs,
		message.New(message.TypeServerHello, message.Server),
	)
	sctx := newSession(t, message.Client, tr, nil)
	fake := &scriptedTransport{}

	if err := New(sctx, fake).Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(fake.writes) != 1 {
		t.Fatalf("Expected one write, got %d", len(fake.writes))
	}
	records, _, err := record.NewLayer(record.TLS12).Unwrap(fake.writes[0])
	if err != nil {
		t.Fatalf("Failed to unwrap written bytes: %v", err)
	}
	for _, r := range records {
		if r.ContentType != record.Handshake {
			t.Errorf("Unexpected %s record on the wire", r.ContentType)
		}
	}
	if !sctx.ConnectionClosed {
		t.Error("Closed connection not recorded")
	}
	if sctx.Trace.Len() != 2 {
		t.Errorf("Unprocessed messages should be discarded, trace has %d", sctx.Trace.Len())
	}
	if !sctx.Analyzer().HasMissingMessage() {
		t.Error("HasMissingMessage should report the held back ChangeCipherSpec")
	}
}

func TestOverridesReachTheWire(t *testing.T) {
	ch := message.New(message.TypeClientHello, message.Client).(*message.ClientHello)
	ch.Version.Override(record.TLS10)
	ch.RecordTemplates = []record.Template{{Length: 10}, {}}
	tr := trace.New(ch, message.New(message.TypeServerHello, message.Server))
	sctx := newSession(t, message.Client, tr, nil)
	fake := &scriptedTransport{}

	if err := New(sctx, fake).Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(fake.writes) != 1 {
		t.Fatalf("Expected one write, got %d", len(fake.writes))
	}
	records, _, err := record.NewLayer(record.TLS12).Unwrap(fake.writes[0])
	if err != nil {
		t.Fatalf("Failed to unwrap written bytes: %v", err)
	}
	if len(records) != 2 || records[0].Length != 10 {
		t.Fatalf("Record template ignored: %d records", len(records))
	}
	var body []byte
	for _, r := range records {
		body = append(body, r.Protected...)
	}
	if !bytes.Equal(body[4:6], []byte{0x03, 0x01}) {
		t.Errorf("ClientHello version on the wire is %x, want 0301", body[4:6])
	}
	if !sctx.Analyzer().HasModifiedMessage() {
		t.Error("HasModifiedMessage should report the override")
	}
}

// serverFlight wraps msgs as the server would send them, one record each.
func serverFlight(t *testing.T, msgs ...message.Message) []byte {
	t.Helper()
	server := newSession(t, message.Server, trace.New(), withSuite(record.TLS_RSA_WITH_AES_128_CBC_SHA))
	var wire []byte
	for _, m := range msgs {
		raw, err := handler.PrepareMessage(server, m)
		if err != nil {
			t.Fatalf("PrepareMessage(%s) failed: %v", m.Type(), err)
		}
		_, b, err := server.RecordLayer.Wrap(raw, handler.ContentTypeOf(m), nil)
		if err != nil {
			t.Fatalf("Wrap(%s) failed: %v", m.Type(), err)
		}
		wire = append(wire, b...)
	}
	return wire
}

func TestAlertInsteadOfServerHelloDone(t *testing.T) {
	alert := message.New(message.TypeAlert, message.Server).(*message.Alert)
	alert.Level.Override(message.AlertLevelFatal)
	alert.Description.Override(message.AlertHandshakeFailure)
	wire := serverFlight(t,
		message.New(message.TypeServerHello, message.Server),
		message.New(message.TypeCertificate, message.Server),
		alert,
	)

	sctx := newSession(t, message.Client, trace.Handshake(record.KeyExchangeRSA, false),
		withSuite(record.TLS_RSA_WITH_AES_128_CBC_SHA))
	// Split mid-header so the executor has to accumulate reads.
	fake := &scriptedTransport{reads: [][]byte{wire[:7], wire[7:]}}

	if err := New(sctx, fake).Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	a := sctx.Analyzer()
	if !a.HasUnexpectedMessage() || a.UnexpectedIndex() != 3 {
		t.Fatalf("Expected an unexpected message at 3, got %d", a.UnexpectedIndex())
	}
	if !a.AlertAfterUnexpected() || !sctx.ReceivedFatalAlert {
		t.Error("The alert should be observed after the deviation")
	}
	if sctx.Trace.Len() != 4 || sctx.Trace.At(3).Type() != message.TypeAlert {
		t.Errorf("Trace should end with the spliced alert: %+v", sctx.Trace.Snapshot())
	}
	if sctx.Trace.At(2).Type() != message.TypeCertificate || len(sctx.Trace.At(2).Common().Records) != 1 {
		t.Error("Certificate should be replaced by the received one")
	}
	if sctx.ConnectionClosed {
		t.Error("Execution should stop at the fatal alert, before reading the close")
	}
}

func TestGarbageBecomesUnknown(t *testing.T) {
	// A handshake record whose body is not a ServerHello.
	wire := []byte{byte(record.Handshake), 0x03, 0x03, 0x00, 0x05, message.HandshakeServerHello, 0x00, 0x00, 0x01, 0xff}
	sctx := newSession(t, message.Client, trace.HelloOnly(record.KeyExchangeRSA), nil)
	fake := &scriptedTransport{reads: [][]byte{wire}}

	if err := New(sctx, fake).Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got := sctx.Trace.At(1)
	u, ok := got.(*message.Unknown)
	if !ok {
		t.Fatalf("Expected an Unknown placeholder, got %v", got)
	}
	if u.ContentType != record.Handshake || !bytes.Equal(u.Data, wire[5:]) {
		t.Errorf("Placeholder carries %s %x", u.ContentType, u.Data)
	}
	if !sctx.Analyzer().HasUnexpectedMessage() {
		t.Error("The placeholder should count as unexpected")
	}
}

// blockingTransport blocks reads until closed.
type blockingTransport struct {
	once   sync.Once
	closed chan struct{}
}

func (b *blockingTransport) Send([]byte) error { return nil }

func (b *blockingTransport) Receive() ([]byte, error) {
	<-b.closed
	return nil, transport.ErrClosed
}

func (b *blockingTransport) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestCancellationClosesTransport(t *testing.T) {
	sctx := newSession(t, message.Client, trace.HelloOnly(record.KeyExchangeRSA), nil)
	bt := &blockingTransport{closed: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New(sctx, bt).Execute(ctx)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected a transport error from the deadline, got %v", err)
	}
	if sctx.Trace.Len() != 1 {
		t.Errorf("Only the sent ClientHello should remain, trace has %d", sctx.Trace.Len())
	}
}

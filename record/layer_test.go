package record

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

// newCipherPair builds matching write/read ciphers for one direction.
func newCipherPair(t *testing.T, version ProtocolVersion, id uint16) (Cipher, Cipher) {
	t.Helper()
	suite, ok := SuiteByID(id)
	if !ok {
		t.Fatalf("suite 0x%04x not registered", id)
	}
	macKey := make([]byte, suite.MAC.size())
	key := make([]byte, suite.Cipher.keyLen())
	iv := make([]byte, suite.Cipher.ivLen())
	rand.Read(macKey)
	rand.Read(key)
	rand.Read(iv)

	w, err := NewCipher(version, suite, macKey, key, iv)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	r, err := NewCipher(version, suite, macKey, key, iv)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return w, r
}

func TestCipherRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		version ProtocolVersion
		suite   uint16
	}{
		{"SSL3 AES-CBC", SSL3, TLS_RSA_WITH_AES_128_CBC_SHA},
		{"TLS10 AES-CBC chained IV", TLS10, TLS_RSA_WITH_AES_128_CBC_SHA},
		{"TLS11 3DES-CBC", TLS11, TLS_RSA_WITH_3DES_EDE_CBC_SHA},
		{"TLS12 AES-256-CBC-SHA256", TLS12, TLS_RSA_WITH_AES_256_CBC_SHA256},
		{"TLS12 RC4-MD5", TLS12, TLS_RSA_WITH_RC4_128_MD5},
		{"TLS12 NULL-SHA", TLS12, TLS_RSA_WITH_NULL_SHA},
		{"TLS12 AES-GCM", TLS12, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256},
		{"TLS12 ChaCha20", TLS12, TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256},
		{"DTLS12 AES-GCM", DTLS12, TLS_RSA_WITH_AES_256_GCM_SHA384},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w, r := newCipherPair(t, tc.version, tc.suite)

			for i, size := range []int{0, 1, 15, 16, 100, 1000} {
				plaintext := make([]byte, size)
				rand.Read(plaintext)
				seq := []byte{0, 0, 0, 0, 0, 0, 0, byte(i)}

				sealed, err := w.Seal(seq, Handshake, tc.version, plaintext)
				if err != nil {
					t.Fatalf("Seal failed: %v", err)
				}
				opened, err := r.Open(seq, Handshake, tc.version, sealed)
				if err != nil {
					t.Fatalf("Open of %d bytes failed: %v", size, err)
				}
				if !bytes.Equal(opened, plaintext) {
					t.Errorf("round trip mismatch for %d bytes", size)
				}
			}
		})
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	for _, id := range []uint16{TLS_RSA_WITH_AES_128_CBC_SHA, TLS_RSA_WITH_RC4_128_SHA, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256} {
		suite, _ := SuiteByID(id)
		t.Run(suite.Name, func(t *testing.T) {
			w, r := newCipherPair(t, TLS12, id)
			seq := make([]byte, 8)

			sealed, err := w.Seal(seq, ApplicationData, TLS12, []byte("attack at dawn"))
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			sealed[len(sealed)-1] ^= 0x01

			if _, err := r.Open(seq, ApplicationData, TLS12, sealed); !errors.Is(err, ErrBadRecordMAC) {
				t.Errorf("expected ErrBadRecordMAC, got %v", err)
			}
		})
	}
}

func TestCBCPadding(t *testing.T) {
	suite, _ := SuiteByID(TLS_RSA_WITH_AES_128_CBC_SHA)
	macKey := make([]byte, 20)
	key := make([]byte, 16)
	iv := make([]byte, 16)

	c, err := NewCipher(TLS11, suite, macKey, key, iv)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	// 12 bytes + 20 MAC = 32, so a full block of padding follows.
	sealed, err := c.Seal(make([]byte, 8), Handshake, TLS11, make([]byte, 12))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if want := 16 + 32 + 16; len(sealed) != want {
		t.Errorf("sealed length = %d, want %d (explicit IV + data + padding block)", len(sealed), want)
	}
}

func TestLayerWrapUnwrap(t *testing.T) {
	writer := NewLayer(TLS12)
	reader := NewLayer(TLS12)

	data := bytes.Repeat([]byte("abcdefgh"), 10)
	records, wire, err := writer.Wrap(data, Handshake, []Template{{Length: 10}, {Length: 30}})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []int{10, 30, 40} {
		if records[i].Length != want {
			t.Errorf("record %d length = %d, want %d", i, records[i].Length, want)
		}
	}
	if len(wire) != 3*HeaderSize+len(data) {
		t.Errorf("wire length = %d, want %d", len(wire), 3*HeaderSize+len(data))
	}

	// A partial header is not enough.
	if _, _, err := reader.Unwrap(wire[:3]); !errors.Is(err, ErrNeedMoreBytes) {
		t.Errorf("expected ErrNeedMoreBytes, got %v", err)
	}

	// One complete record plus a partial one.
	parsed, consumed, err := reader.Unwrap(wire[:HeaderSize+10+4])
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if len(parsed) != 1 || consumed != HeaderSize+10 {
		t.Fatalf("got %d records / %d bytes, want 1 / %d", len(parsed), consumed, HeaderSize+10)
	}

	parsed, consumed, err = reader.Unwrap(wire)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if consumed != len(wire) {
		t.Errorf("consumed = %d, want %d", consumed, len(wire))
	}
	var joined []byte
	for _, rec := range parsed {
		if rec.ContentType != Handshake || rec.Version != TLS12 {
			t.Errorf("unexpected header %s/%s", rec.ContentType, rec.Version)
		}
		if err := reader.Open(rec); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		joined = append(joined, rec.Payload...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("reassembled payload mismatch")
	}
}

func TestLayerTemplateOverrides(t *testing.T) {
	l := NewLayer(TLS12)
	records, wire, err := l.Wrap([]byte{1, 2, 3}, Handshake, []Template{{ContentType: Alert, Version: SSL3}})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if wire[0] != byte(Alert) || wire[1] != 0x03 || wire[2] != 0x00 {
		t.Errorf("header = %x, want type/version overridden", wire[:5])
	}
}

func TestLayerEmptyAndChunked(t *testing.T) {
	l := NewLayer(TLS12)

	records, wire, err := l.Wrap(nil, ApplicationData, nil)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(records) != 1 || len(wire) != HeaderSize {
		t.Errorf("empty data should yield one empty record, got %d records / %d bytes", len(records), len(wire))
	}

	l.SetMaxFragmentLength(100)
	records, _, err = l.Wrap(make([]byte, 250), ApplicationData, nil)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 chunks, got %d", len(records))
	}
}

// TestLayerCipherSwap checks that a cipher installed between two records
// applies only to the second one, on both sides.
func TestLayerCipherSwap(t *testing.T) {
	w, r := newCipherPair(t, TLS12, TLS_RSA_WITH_AES_128_CBC_SHA)

	client := NewLayer(TLS12)
	server := NewLayer(TLS12)

	_, ccs, err := client.Wrap([]byte{1}, ChangeCipherSpec, nil)
	if err != nil {
		t.Fatalf("Wrap CCS failed: %v", err)
	}
	client.SetCipher(Write, w)
	finished := []byte{20, 0, 0, 12, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	_, fin, err := client.Wrap(finished, Handshake, nil)
	if err != nil {
		t.Fatalf("Wrap Finished failed: %v", err)
	}
	if !client.Encrypting(Write) || client.Encrypting(Read) {
		t.Error("only the write direction should be encrypting")
	}

	// Both records arrive in one read.
	records, _, err := server.Unwrap(append(ccs, fin...))
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if bytes.Contains(records[1].Protected, finished[4:]) {
		t.Error("Finished record left in plaintext")
	}

	if err := server.Open(records[0]); err != nil {
		t.Fatalf("Open CCS failed: %v", err)
	}
	if !bytes.Equal(records[0].Payload, []byte{1}) {
		t.Errorf("CCS payload = %x, want 01", records[0].Payload)
	}
	server.SetCipher(Read, r)
	if err := server.Open(records[1]); err != nil {
		t.Fatalf("Open Finished failed: %v", err)
	}
	if !bytes.Equal(records[1].Payload, finished) {
		t.Error("Finished payload mismatch after cipher swap")
	}
}

func TestLayerDTLSHeader(t *testing.T) {
	l := NewLayer(DTLS12)
	_, first, err := l.Wrap([]byte("a"), Handshake, nil)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	_, second, err := l.Wrap([]byte("b"), Handshake, nil)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(first) != DTLSHeaderSize+1 {
		t.Fatalf("DTLS record length = %d, want %d", len(first), DTLSHeaderSize+1)
	}
	if first[1] != 0xfe || first[2] != 0xfd {
		t.Errorf("version bytes = %x, want fefd", first[1:3])
	}
	if uint48(first[5:11]) != 0 || uint48(second[5:11]) != 1 {
		t.Error("DTLS sequence numbers should count from zero")
	}

	l.SetCipher(Write, NullCipher())
	_, third, _ := l.Wrap([]byte("c"), Handshake, nil)
	if third[3] != 0 || third[4] != 1 || uint48(third[5:11]) != 0 {
		t.Errorf("after cipher change: epoch %x seq %d, want epoch 1 seq 0", third[3:5], uint48(third[5:11]))
	}

	reader := NewLayer(DTLS12)
	records, _, err := reader.Unwrap(append(first, third...))
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if records[1].Epoch != 1 || records[1].SequenceNumber != 0 {
		t.Errorf("parsed epoch/seq = %d/%d, want 1/0", records[1].Epoch, records[1].SequenceNumber)
	}
}

func TestLayerSSL2Framing(t *testing.T) {
	l := NewLayer(SSL2)
	msg := []byte{0x01, 0x00, 0x02, 0x00, 0x00}
	_, wire, err := l.Wrap(msg, Handshake, nil)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if wire[0] != 0x80 || wire[1] != byte(len(msg)) {
		t.Errorf("SSLv2 header = %x, want 80%02x", wire[:2], len(msg))
	}
	records, consumed, err := l.Unwrap(wire)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if consumed != len(wire) || !records[0].SSL2 {
		t.Error("SSLv2 record not recognised")
	}
	if err := l.Open(records[0]); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(records[0].Payload, msg) {
		t.Error("SSLv2 payload mismatch")
	}
}

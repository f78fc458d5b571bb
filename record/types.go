// Package record implements the record layer of the SSL/TLS/DTLS protocols:
// framing of handshake and application bytes into length-prefixed records and
// the per-direction cipher state that protects them.
//
// Cipher state is swapped only through Layer.SetCipher. Records framed by Wrap
// or opened by Open always use the cipher active at the moment of the call, so
// a ChangeCipherSpec processed between two records affects only the later one.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion encodes specific SSL/TLS/DTLS protocol versions.
type ProtocolVersion uint16

const (
	VersionUnset ProtocolVersion = 0x0000
	SSL2         ProtocolVersion = 0x0002
	SSL3         ProtocolVersion = 0x0300
	TLS10        ProtocolVersion = 0x0301
	TLS11        ProtocolVersion = 0x0302
	TLS12        ProtocolVersion = 0x0303
	DTLS10       ProtocolVersion = 0xfeff
	DTLS12       ProtocolVersion = 0xfefd
)

// IsDTLS reports whether v is a datagram version.
func (v ProtocolVersion) IsDTLS() bool {
	return v == DTLS10 || v == DTLS12
}

// stream returns the TLS version a DTLS version is derived from.
func (v ProtocolVersion) stream() ProtocolVersion {
	switch v {
	case DTLS10:
		return TLS11
	case DTLS12:
		return TLS12
	}
	return v
}

// AtLeast compares versions across the TLS and DTLS numbering spaces.
func (v ProtocolVersion) AtLeast(o ProtocolVersion) bool {
	return v.stream() >= o.stream()
}

func (v ProtocolVersion) String() string {
	switch v {
	case SSL2:
		return "SSL2"
	case SSL3:
		return "SSL3"
	case TLS10:
		return "TLS10"
	case TLS11:
		return "TLS11"
	case TLS12:
		return "TLS12"
	case DTLS10:
		return "DTLS10"
	case DTLS12:
		return "DTLS12"
	}
	return fmt.Sprintf("0x%04x", uint16(v))
}

// ParseVersion accepts the String form ("TLS12"), dotted names ("tls1.2") or hex ("0x0303").
func ParseVersion(s string) (ProtocolVersion, error) {
	norm := strings.NewReplacer(".", "", "_", "", "V", "").Replace(strings.ToUpper(s))
	switch norm {
	case "SSL2", "SSL20":
		return SSL2, nil
	case "SSL3", "SSL30":
		return SSL3, nil
	case "TLS10", "TLS1":
		return TLS10, nil
	case "TLS11":
		return TLS11, nil
	case "TLS12":
		return TLS12, nil
	case "DTLS10", "DTLS1":
		return DTLS10, nil
	case "DTLS12":
		return DTLS12, nil
	}
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		n, err := strconv.ParseUint(s[2:], 16, 16)
		if err == nil {
			return ProtocolVersion(n), nil
		}
	}
	return VersionUnset, fmt.Errorf("unknown protocol version %q", s)
}

// ContentType defines standard SSL/TLS record types
type ContentType uint8

const (
	ChangeCipherSpec ContentType = 20
	Alert            ContentType = 21
	Handshake        ContentType = 22
	ApplicationData  ContentType = 23
	Heartbeat        ContentType = 24
)

func (c ContentType) String() string {
	switch c {
	case ChangeCipherSpec:
		return "change_cipher_spec"
	case Alert:
		return "alert"
	case Handshake:
		return "handshake"
	case ApplicationData:
		return "application_data"
	case Heartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("content_type(%d)", uint8(c))
}

// Direction selects one half of the connection's cipher state.
type Direction int

const (
	Write Direction = iota
	Read
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Protocol limits (RFC 5246 6.2).
const (
	HeaderSize         = 5
	DTLSHeaderSize     = 13
	MaxPlaintextLength = 1 << 14
	// Peers are allowed 2048 bytes of protection overhead; we accept anything
	// that fits the 16-bit length field so oversized records stay observable.
	MaxCiphertextLength = MaxPlaintextLength + 2048
)

var (
	// ErrNeedMoreBytes signals that the buffer does not yet hold one complete record.
	ErrNeedMoreBytes = errors.New("record: need more bytes")
	ErrBadRecordMAC  = errors.New("record: bad record MAC")
	ErrDecrypt       = errors.New("record: decryption failed")
	ErrSequenceWrap  = errors.New("record: sequence number overflow")
)

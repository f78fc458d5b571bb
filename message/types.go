// Package message defines the closed set of protocol messages a workflow
// trace is made of. Messages are plain data: encoding, decoding and context
// updates live in package handler, one handler per Type.
package message

import (
	"fmt"
	"strings"

	"tlsprobe/record"
)

// Type identifies a message variant. The set is closed and each Type maps to
// exactly one handler.
type Type int

const (
	TypeUnknown Type = iota
	TypeClientHello
	TypeServerHello
	TypeCertificate
	TypeServerKeyExchangeDHE
	TypeServerKeyExchangeECDHE
	TypeCertificateRequest
	TypeServerHelloDone
	TypeClientKeyExchangeRSA
	TypeClientKeyExchangeDH
	TypeClientKeyExchangeECDH
	TypeCertificateVerify
	TypeFinished
	TypeHelloRequest
	TypeHelloVerifyRequest
	TypeSSL2ClientHello
	TypeSSL2ServerHello
	TypeChangeCipherSpec
	TypeAlert
	TypeApplicationData
	TypeHeartbeat
)

var typeNames = map[Type]string{
	TypeUnknown:                "Unknown",
	TypeClientHello:            "ClientHello",
	TypeServerHello:            "ServerHello",
	TypeCertificate:            "Certificate",
	TypeServerKeyExchangeDHE:   "DHEServerKeyExchange",
	TypeServerKeyExchangeECDHE: "ECDHEServerKeyExchange",
	TypeCertificateRequest:     "CertificateRequest",
	TypeServerHelloDone:        "ServerHelloDone",
	TypeClientKeyExchangeRSA:   "RSAClientKeyExchange",
	TypeClientKeyExchangeDH:    "DHClientKeyExchange",
	TypeClientKeyExchangeECDH:  "ECDHClientKeyExchange",
	TypeCertificateVerify:      "CertificateVerify",
	TypeFinished:               "Finished",
	TypeHelloRequest:           "HelloRequest",
	TypeHelloVerifyRequest:     "HelloVerifyRequest",
	TypeSSL2ClientHello:        "SSL2ClientHello",
	TypeSSL2ServerHello:        "SSL2ServerHello",
	TypeChangeCipherSpec:       "ChangeCipherSpec",
	TypeAlert:                  "Alert",
	TypeApplicationData:        "ApplicationData",
	TypeHeartbeat:              "Heartbeat",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType is the inverse of String, case-insensitive.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown message type %q", s)
}

// ContentType is the record content type the message travels in. SSLv2
// messages report Handshake; the record layer frames them by version.
func (t Type) ContentType() record.ContentType {
	switch t {
	case TypeChangeCipherSpec:
		return record.ChangeCipherSpec
	case TypeAlert:
		return record.Alert
	case TypeApplicationData:
		return record.ApplicationData
	case TypeHeartbeat:
		return record.Heartbeat
	}
	return record.Handshake
}

// IsHandshake reports TLS handshake messages carrying the 4-byte (or DTLS
// 12-byte) handshake header.
func (t Type) IsHandshake() bool {
	switch t {
	case TypeUnknown, TypeSSL2ClientHello, TypeSSL2ServerHello,
		TypeChangeCipherSpec, TypeAlert, TypeApplicationData, TypeHeartbeat:
		return false
	}
	return true
}

// Handshake message type bytes.
const (
	HandshakeHelloRequest       uint8 = 0
	HandshakeClientHello        uint8 = 1
	HandshakeServerHello        uint8 = 2
	HandshakeHelloVerifyRequest uint8 = 3
	HandshakeCertificate        uint8 = 11
	HandshakeServerKeyExchange  uint8 = 12
	HandshakeCertificateRequest uint8 = 13
	HandshakeServerHelloDone    uint8 = 14
	HandshakeCertificateVerify  uint8 = 15
	HandshakeClientKeyExchange  uint8 = 16
	HandshakeFinished           uint8 = 20
)

// HandshakeType returns the wire type byte of a handshake message type.
func (t Type) HandshakeType() (uint8, bool) {
	switch t {
	case TypeHelloRequest:
		return HandshakeHelloRequest, true
	case TypeClientHello:
		return HandshakeClientHello, true
	case TypeServerHello:
		return HandshakeServerHello, true
	case TypeHelloVerifyRequest:
		return HandshakeHelloVerifyRequest, true
	case TypeCertificate:
		return HandshakeCertificate, true
	case TypeServerKeyExchangeDHE, TypeServerKeyExchangeECDHE:
		return HandshakeServerKeyExchange, true
	case TypeCertificateRequest:
		return HandshakeCertificateRequest, true
	case TypeServerHelloDone:
		return HandshakeServerHelloDone, true
	case TypeCertificateVerify:
		return HandshakeCertificateVerify, true
	case TypeClientKeyExchangeRSA, TypeClientKeyExchangeDH, TypeClientKeyExchangeECDH:
		return HandshakeClientKeyExchange, true
	case TypeFinished:
		return HandshakeFinished, true
	}
	return 0, false
}

// Issuer is the connection end that sends a message.
type Issuer int

const (
	Client Issuer = iota
	Server
)

func (i Issuer) String() string {
	if i == Client {
		return "client"
	}
	return "server"
}

// Peer returns the other connection end.
func (i Issuer) Peer() Issuer {
	if i == Client {
		return Server
	}
	return Client
}

// ParseIssuer accepts "client" or "server".
func ParseIssuer(s string) (Issuer, error) {
	switch strings.ToLower(s) {
	case "client":
		return Client, nil
	case "server":
		return Server, nil
	}
	return Client, fmt.Errorf("unknown issuer %q", s)
}

// Message is implemented by every variant.
type Message interface {
	Type() Type
	Common() *Base
	// Fields lists the overridable fields of the variant.
	Fields() []Field
}

// Base carries the state every message shares.
type Base struct {
	Issuer Issuer
	// GoingToBeSent false keeps an outgoing message off the wire while it
	// stays in the trace.
	GoingToBeSent bool
	// IncludeInDigest marks handshake messages hashed into Finished.
	IncludeInDigest bool
	// Raw is the complete serialized message, handshake header included.
	Raw []byte
	// Records are the on-wire records the message was sent or received in.
	Records []*record.Record
	// RecordTemplates request record boundaries when sending.
	RecordTemplates []record.Template
}

func (b *Base) Common() *Base { return b }

// New creates a message of type t for issuer with empty defaults.
func New(t Type, issuer Issuer) Message {
	var m Message
	switch t {
	case TypeClientHello:
		m = &ClientHello{}
	case TypeServerHello:
		m = &ServerHello{}
	case TypeCertificate:
		m = &Certificate{}
	case TypeServerKeyExchangeDHE:
		m = &DHEServerKeyExchange{}
	case TypeServerKeyExchangeECDHE:
		m = &ECDHEServerKeyExchange{}
	case TypeCertificateRequest:
		m = &CertificateRequest{}
	case TypeServerHelloDone:
		m = &ServerHelloDone{}
	case TypeClientKeyExchangeRSA:
		m = &RSAClientKeyExchange{}
	case TypeClientKeyExchangeDH:
		m = &DHClientKeyExchange{}
	case TypeClientKeyExchangeECDH:
		m = &ECDHClientKeyExchange{}
	case TypeCertificateVerify:
		m = &CertificateVerify{}
	case TypeFinished:
		m = &Finished{}
	case TypeHelloRequest:
		m = &HelloRequest{}
	case TypeHelloVerifyRequest:
		m = &HelloVerifyRequest{}
	case TypeSSL2ClientHello:
		m = &SSL2ClientHello{}
	case TypeSSL2ServerHello:
		m = &SSL2ServerHello{}
	case TypeChangeCipherSpec:
		m = &ChangeCipherSpec{Payload: V[uint8](1)}
	case TypeAlert:
		m = &Alert{}
	case TypeApplicationData:
		m = &ApplicationData{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	default:
		m = &Unknown{}
	}

	b := m.Common()
	b.Issuer = issuer
	b.GoingToBeSent = true
	b.IncludeInDigest = t.IsHandshake() && t != TypeHelloRequest && t != TypeHelloVerifyRequest
	if hs, ok := m.(Handshake); ok {
		if typ, ok := t.HandshakeType(); ok {
			hs.Header().HandshakeType.SetDefault(typ)
		}
	}
	return m
}

package message

import (
	"fmt"

	"tlsprobe/record"
)

// SSLv2 message type bytes.
const (
	SSL2MsgClientHello uint8 = 1
	SSL2MsgServerHello uint8 = 4
)

// SSL2ClientHello is the SSLv2-framed hello, still used to probe SSLv2 support.
type SSL2ClientHello struct {
	Base
	MessageType Value[uint8]
	Version     Value[record.ProtocolVersion]
	CipherSpecs Value[[]uint32]
	SessionID   Value[[]byte]
	Challenge   Value[[]byte]
}

func (m *SSL2ClientHello) Type() Type { return TypeSSL2ClientHello }
func (m *SSL2ClientHello) Fields() []Field {
	return []Field{
		{"messageType", &m.MessageType},
		{"version", &m.Version},
		{"cipherSpecs", &m.CipherSpecs},
		{"sessionId", &m.SessionID},
		{"challenge", &m.Challenge},
	}
}

type SSL2ServerHello struct {
	Base
	MessageType     Value[uint8]
	SessionIDHit    Value[uint8]
	CertificateType Value[uint8]
	Version         Value[record.ProtocolVersion]
	Certificate     Value[[]byte]
	CipherSpecs     Value[[]uint32]
	ConnectionID    Value[[]byte]
}

func (m *SSL2ServerHello) Type() Type { return TypeSSL2ServerHello }
func (m *SSL2ServerHello) Fields() []Field {
	return []Field{
		{"messageType", &m.MessageType},
		{"sessionIdHit", &m.SessionIDHit},
		{"certificateType", &m.CertificateType},
		{"version", &m.Version},
		{"certificate", &m.Certificate},
		{"cipherSpecs", &m.CipherSpecs},
		{"connectionId", &m.ConnectionID},
	}
}

type ChangeCipherSpec struct {
	Base
	Payload Value[uint8]
}

func (m *ChangeCipherSpec) Type() Type { return TypeChangeCipherSpec }
func (m *ChangeCipherSpec) Fields() []Field {
	return []Field{{"payload", &m.Payload}}
}

// Alert levels.
const (
	AlertLevelWarning uint8 = 1
	AlertLevelFatal   uint8 = 2
)

// Alert descriptions (RFC 5246 7.2, RFC 6520).
const (
	AlertCloseNotify            uint8 = 0
	AlertUnexpectedMessage      uint8 = 10
	AlertBadRecordMAC           uint8 = 20
	AlertDecryptionFailed       uint8 = 21
	AlertRecordOverflow         uint8 = 22
	AlertDecompressionFailure   uint8 = 30
	AlertHandshakeFailure       uint8 = 40
	AlertNoCertificate          uint8 = 41
	AlertBadCertificate         uint8 = 42
	AlertUnsupportedCertificate uint8 = 43
	AlertCertificateRevoked     uint8 = 44
	AlertCertificateExpired     uint8 = 45
	AlertCertificateUnknown     uint8 = 46
	AlertIllegalParameter       uint8 = 47
	AlertUnknownCA              uint8 = 48
	AlertAccessDenied           uint8 = 49
	AlertDecodeError            uint8 = 50
	AlertDecryptError           uint8 = 51
	AlertProtocolVersion        uint8 = 70
	AlertInsufficientSecurity   uint8 = 71
	AlertInternalError          uint8 = 80
	AlertInappropriateFallback  uint8 = 86
	AlertUserCanceled           uint8 = 90
	AlertNoRenegotiation        uint8 = 100
	AlertUnsupportedExtension   uint8 = 110
)

var alertNames = map[uint8]string{
	AlertCloseNotify:            "close_notify",
	AlertUnexpectedMessage:      "unexpected_message",
	AlertBadRecordMAC:           "bad_record_mac",
	AlertDecryptionFailed:       "decryption_failed",
	AlertRecordOverflow:         "record_overflow",
	AlertDecompressionFailure:   "decompression_failure",
	AlertHandshakeFailure:       "handshake_failure",
	AlertNoCertificate:          "no_certificate",
	AlertBadCertificate:         "bad_certificate",
	AlertUnsupportedCertificate: "unsupported_certificate",
	AlertCertificateRevoked:     "certificate_revoked",
	AlertCertificateExpired:     "certificate_expired",
	AlertCertificateUnknown:     "certificate_unknown",
	AlertIllegalParameter:       "illegal_parameter",
	AlertUnknownCA:              "unknown_ca",
	AlertAccessDenied:           "access_denied",
	AlertDecodeError:            "decode_error",
	AlertDecryptError:           "decrypt_error",
	AlertProtocolVersion:        "protocol_version",
	AlertInsufficientSecurity:   "insufficient_security",
	AlertInternalError:          "internal_error",
	AlertInappropriateFallback:  "inappropriate_fallback",
	AlertUserCanceled:           "user_canceled",
	AlertNoRenegotiation:        "no_renegotiation",
	AlertUnsupportedExtension:   "unsupported_extension",
}

// AlertDescriptionName returns the RFC name of an alert description.
func AlertDescriptionName(d uint8) string {
	if name, ok := alertNames[d]; ok {
		return name
	}
	return fmt.Sprintf("alert(%d)", d)
}

type Alert struct {
	Base
	Level       Value[uint8]
	Description Value[uint8]
}

func (m *Alert) Type() Type { return TypeAlert }
func (m *Alert) Fields() []Field {
	return []Field{
		{"level", &m.Level},
		{"description", &m.Description},
	}
}

// IsFatal reports a fatal alert. close_notify also ends the connection.
func (m *Alert) IsFatal() bool {
	return m.Level.Get() == AlertLevelFatal || m.Description.Get() == AlertCloseNotify
}

func (m *Alert) String() string {
	level := "warning"
	if m.Level.Get() == AlertLevelFatal {
		level = "fatal"
	}
	return level + " " + AlertDescriptionName(m.Description.Get())
}

type ApplicationData struct {
	Base
	Data Value[[]byte]
}

func (m *ApplicationData) Type() Type { return TypeApplicationData }
func (m *ApplicationData) Fields() []Field {
	return []Field{{"data", &m.Data}}
}

// Heartbeat message types (RFC 6520).
const (
	HeartbeatRequest  uint8 = 1
	HeartbeatResponse uint8 = 2
)

// Heartbeat allows PayloadLength to disagree with Payload.
type Heartbeat struct {
	Base
	HeartbeatType Value[uint8]
	PayloadLength Value[uint16]
	Payload       Value[[]byte]
	Padding       Value[[]byte]
}

func (m *Heartbeat) Type() Type { return TypeHeartbeat }
func (m *Heartbeat) Fields() []Field {
	return []Field{
		{"heartbeatType", &m.HeartbeatType},
		{"payloadLength", &m.PayloadLength},
		{"payload", &m.Payload},
		{"padding", &m.Padding},
	}
}

// Unknown stands for bytes that could not be decoded as the expected message.
type Unknown struct {
	Base
	ContentType record.ContentType
	Data        []byte
	Reason      string
}

func (m *Unknown) Type() Type      { return TypeUnknown }
func (m *Unknown) Fields() []Field { return nil }

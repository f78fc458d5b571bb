package message

import "tlsprobe/record"

// HandshakeHeader is the handshake framing. The DTLS fields are only
// serialized for datagram versions.
type HandshakeHeader struct {
	HandshakeType  Value[uint8]
	Length         Value[uint32]
	MessageSeq     Value[uint16]
	FragmentOffset Value[uint32]
	FragmentLength Value[uint32]
}

func (h *HandshakeHeader) fields() []Field {
	return []Field{
		{"handshakeType", &h.HandshakeType},
		{"length", &h.Length},
		{"messageSeq", &h.MessageSeq},
		{"fragmentOffset", &h.FragmentOffset},
		{"fragmentLength", &h.FragmentLength},
	}
}

// Handshake is implemented by messages framed with a handshake header.
type Handshake interface {
	Message
	Header() *HandshakeHeader
}

// HandshakeBase is embedded by every handshake variant.
type HandshakeBase struct {
	Base
	Head HandshakeHeader
}

func (h *HandshakeBase) Header() *HandshakeHeader { return &h.Head }

type ClientHello struct {
	HandshakeBase
	Version            Value[record.ProtocolVersion]
	Random             Value[[]byte]
	SessionID          Value[[]byte]
	Cookie             Value[[]byte]
	CipherSuites       Value[[]uint16]
	CompressionMethods Value[[]byte]
	// ExtensionBytes overrides the serialized extension block.
	ExtensionBytes Value[[]byte]
	Extensions     []Extension
}

func (m *ClientHello) Type() Type                 { return TypeClientHello }
func (m *ClientHello) ExtensionList() []Extension { return m.Extensions }
func (m *ClientHello) Fields() []Field {
	return append(m.Head.fields(),
		Field{"version", &m.Version},
		Field{"random", &m.Random},
		Field{"sessionId", &m.SessionID},
		Field{"cookie", &m.Cookie},
		Field{"cipherSuites", &m.CipherSuites},
		Field{"compressionMethods", &m.CompressionMethods},
		Field{"extensionBytes", &m.ExtensionBytes},
	)
}

type ServerHello struct {
	HandshakeBase
	Version           Value[record.ProtocolVersion]
	Random            Value[[]byte]
	SessionID         Value[[]byte]
	CipherSuite       Value[uint16]
	CompressionMethod Value[uint8]
	ExtensionBytes    Value[[]byte]
	Extensions        []Extension
}

func (m *ServerHello) Type() Type                 { return TypeServerHello }
func (m *ServerHello) ExtensionList() []Extension { return m.Extensions }
func (m *ServerHello) Fields() []Field {
	return append(m.Head.fields(),
		Field{"version", &m.Version},
		Field{"random", &m.Random},
		Field{"sessionId", &m.SessionID},
		Field{"cipherSuite", &m.CipherSuite},
		Field{"compressionMethod", &m.CompressionMethod},
		Field{"extensionBytes", &m.ExtensionBytes},
	)
}

// Certificate carries DER certificates, leaf first.
type Certificate struct {
	HandshakeBase
	Certificates Value[[][]byte]
}

func (m *Certificate) Type() Type { return TypeCertificate }
func (m *Certificate) Fields() []Field {
	return append(m.Head.fields(), Field{"certificates", &m.Certificates})
}

type DHEServerKeyExchange struct {
	HandshakeBase
	P                  Value[[]byte]
	G                  Value[[]byte]
	PublicKey          Value[[]byte]
	SignatureAlgorithm Value[uint16]
	Signature          Value[[]byte]
}

func (m *DHEServerKeyExchange) Type() Type { return TypeServerKeyExchangeDHE }
func (m *DHEServerKeyExchange) Fields() []Field {
	return append(m.Head.fields(),
		Field{"p", &m.P},
		Field{"g", &m.G},
		Field{"publicKey", &m.PublicKey},
		Field{"signatureAlgorithm", &m.SignatureAlgorithm},
		Field{"signature", &m.Signature},
	)
}

// CurveTypeNamedCurve is the only ECParameters form supported.
const CurveTypeNamedCurve uint8 = 3

type ECDHEServerKeyExchange struct {
	HandshakeBase
	CurveType          Value[uint8]
	NamedGroup         Value[uint16]
	PublicKey          Value[[]byte]
	SignatureAlgorithm Value[uint16]
	Signature          Value[[]byte]
}

func (m *ECDHEServerKeyExchange) Type() Type { return TypeServerKeyExchangeECDHE }
func (m *ECDHEServerKeyExchange) Fields() []Field {
	return append(m.Head.fields(),
		Field{"curveType", &m.CurveType},
		Field{"namedGroup", &m.NamedGroup},
		Field{"publicKey", &m.PublicKey},
		Field{"signatureAlgorithm", &m.SignatureAlgorithm},
		Field{"signature", &m.Signature},
	)
}

type CertificateRequest struct {
	HandshakeBase
	CertificateTypes    Value[[]byte]
	SignatureAlgorithms Value[[]uint16]
	DistinguishedNames  Value[[][]byte]
}

func (m *CertificateRequest) Type() Type { return TypeCertificateRequest }
func (m *CertificateRequest) Fields() []Field {
	return append(m.Head.fields(),
		Field{"certificateTypes", &m.CertificateTypes},
		Field{"signatureAlgorithms", &m.SignatureAlgorithms},
		Field{"distinguishedNames", &m.DistinguishedNames},
	)
}

type ServerHelloDone struct {
	HandshakeBase
}

func (m *ServerHelloDone) Type() Type      { return TypeServerHelloDone }
func (m *ServerHelloDone) Fields() []Field { return m.Head.fields() }

// RSAClientKeyExchange carries the encrypted premaster secret. PremasterSecret
// never goes on the wire; overriding it changes what gets encrypted.
type RSAClientKeyExchange struct {
	HandshakeBase
	PremasterSecret    Value[[]byte]
	EncryptedPremaster Value[[]byte]
}

func (m *RSAClientKeyExchange) Type() Type { return TypeClientKeyExchangeRSA }
func (m *RSAClientKeyExchange) Fields() []Field {
	return append(m.Head.fields(),
		Field{"premasterSecret", &m.PremasterSecret},
		Field{"encryptedPremaster", &m.EncryptedPremaster},
	)
}

type DHClientKeyExchange struct {
	HandshakeBase
	PublicKey Value[[]byte]
}

func (m *DHClientKeyExchange) Type() Type { return TypeClientKeyExchangeDH }
func (m *DHClientKeyExchange) Fields() []Field {
	return append(m.Head.fields(), Field{"publicKey", &m.PublicKey})
}

type ECDHClientKeyExchange struct {
	HandshakeBase
	PublicKey Value[[]byte]
}

func (m *ECDHClientKeyExchange) Type() Type { return TypeClientKeyExchangeECDH }
func (m *ECDHClientKeyExchange) Fields() []Field {
	return append(m.Head.fields(), Field{"publicKey", &m.PublicKey})
}

type CertificateVerify struct {
	HandshakeBase
	SignatureAlgorithm Value[uint16]
	Signature          Value[[]byte]
}

func (m *CertificateVerify) Type() Type { return TypeCertificateVerify }
func (m *CertificateVerify) Fields() []Field {
	return append(m.Head.fields(),
		Field{"signatureAlgorithm", &m.SignatureAlgorithm},
		Field{"signature", &m.Signature},
	)
}

// Finished carries verify_data. Verified is set by the handler for peer
// messages once the expected value could be computed.
type Finished struct {
	HandshakeBase
	VerifyData Value[[]byte]
	Verified   *bool
}

func (m *Finished) Type() Type { return TypeFinished }
func (m *Finished) Fields() []Field {
	return append(m.Head.fields(), Field{"verifyData", &m.VerifyData})
}

type HelloRequest struct {
	HandshakeBase
}

func (m *HelloRequest) Type() Type      { return TypeHelloRequest }
func (m *HelloRequest) Fields() []Field { return m.Head.fields() }

type HelloVerifyRequest struct {
	HandshakeBase
	Version Value[record.ProtocolVersion]
	Cookie  Value[[]byte]
}

func (m *HelloVerifyRequest) Type() Type { return TypeHelloVerifyRequest }
func (m *HelloVerifyRequest) Fields() []Field {
	return append(m.Head.fields(),
		Field{"version", &m.Version},
		Field{"cookie", &m.Cookie},
	)
}

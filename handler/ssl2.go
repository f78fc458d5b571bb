package handler

import (
	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/certs"
	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
)

// ssl2CipherSpecs are the seven SSLv2 cipher kinds.
var ssl2CipherSpecs = []uint32{
	0x010080, // RC4_128_WITH_MD5
	0x020080, // RC4_128_EXPORT40_WITH_MD5
	0x030080, // RC2_128_CBC_WITH_MD5
	0x040080, // RC2_128_CBC_EXPORT40_WITH_MD5
	0x050080, // IDEA_128_CBC_WITH_MD5
	0x060040, // DES_64_CBC_WITH_MD5
	0x0700c0, // DES_192_EDE3_CBC_WITH_MD5
}

const (
	ssl2ChallengeLength    = 16
	ssl2ConnectionIDLength = 16
	ssl2CertificateX509    = 1
)

func readCipherSpecs(s *cryptobyte.String, n int) ([]uint32, bool) {
	if n%3 != 0 {
		return nil, false
	}
	specs := make([]uint32, 0, n/3)
	for range n / 3 {
		var spec uint32
		if !s.ReadUint24(&spec) {
			return nil, false
		}
		specs = append(specs, spec)
	}
	return specs, true
}

func cipherSpecBytes(specs []uint32) []byte {
	b := cryptobyte.NewBuilder(nil)
	for _, spec := range specs {
		b.AddUint24(spec)
	}
	return b.BytesOrPanic()
}

type ssl2ClientHelloHandler struct{ noAfterWrap }

func (ssl2ClientHelloHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	fail := func() (message.Message, int, error) {
		return nil, offset, &ParseError{Type: message.TypeSSL2ClientHello, Offset: offset, Err: errTruncated}
	}
	s := cryptobyte.String(data[offset:])
	var typ uint8
	var version, specsLen, sidLen, challengeLen uint16
	if !s.ReadUint8(&typ) || !s.ReadUint16(&version) || !s.ReadUint16(&specsLen) ||
		!s.ReadUint16(&sidLen) || !s.ReadUint16(&challengeLen) {
		return fail()
	}
	specs, ok := readCipherSpecs(&s, int(specsLen))
	var sid, challenge []byte
	if !ok || !s.ReadBytes(&sid, int(sidLen)) || !s.ReadBytes(&challenge, int(challengeLen)) {
		return fail()
	}
	m := message.New(message.TypeSSL2ClientHello, ctx.TalkingEnd).(*message.SSL2ClientHello)
	m.MessageType.SetDefault(typ)
	m.Version.SetDefault(record.ProtocolVersion(version))
	m.CipherSpecs.SetDefault(specs)
	m.SessionID.SetDefault(append([]byte(nil), sid...))
	m.Challenge.SetDefault(append([]byte(nil), challenge...))
	return parsed(m, data, offset, len(data)-len(s))
}

func (ssl2ClientHelloHandler) Prepare(ctx *session.Context, m message.Message) error {
	ch := m.(*message.SSL2ClientHello)
	ch.MessageType.SetDefault(message.SSL2MsgClientHello)
	ch.Version.SetDefault(ctx.Config.HighestVersion)
	ch.CipherSpecs.SetDefault(ssl2CipherSpecs)
	ch.Challenge.SetDefault(randomBytes(ssl2ChallengeLength))
	return nil
}

func (ssl2ClientHelloHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	ch := m.(*message.SSL2ClientHello)
	specs := cipherSpecBytes(ch.CipherSpecs.Get())
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(ch.MessageType.Get())
	b.AddUint16(uint16(ch.Version.Get()))
	b.AddUint16(uint16(len(specs)))
	b.AddUint16(uint16(len(ch.SessionID.Get())))
	b.AddUint16(uint16(len(ch.Challenge.Get())))
	b.AddBytes(specs)
	b.AddBytes(ch.SessionID.Get())
	b.AddBytes(ch.Challenge.Get())
	return b.Bytes()
}

// AdjustContext derives the client random from the challenge, right-aligned
// in 32 bytes as RFC 5246 E.2 specifies.
func (ssl2ClientHelloHandler) AdjustContext(ctx *session.Context, m message.Message) error {
	ch := m.(*message.SSL2ClientHello)
	challenge := ch.Challenge.Get()
	random := make([]byte, randomLength)
	if len(challenge) >= randomLength {
		copy(random, challenge[len(challenge)-randomLength:])
	} else {
		copy(random[randomLength-len(challenge):], challenge)
	}
	ctx.ClientRandom = random
	ctx.ClientHelloVersion = ch.Version.Get()
	return nil
}

type ssl2ServerHelloHandler struct{ noAfterWrap }

func (ssl2ServerHelloHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	fail := func() (message.Message, int, error) {
		return nil, offset, &ParseError{Type: message.TypeSSL2ServerHello, Offset: offset, Err: errTruncated}
	}
	s := cryptobyte.String(data[offset:])
	var typ, hit, certType uint8
	var version, certLen, specsLen, connLen uint16
	if !s.ReadUint8(&typ) || !s.ReadUint8(&hit) || !s.ReadUint8(&certType) || !s.ReadUint16(&version) ||
		!s.ReadUint16(&certLen) || !s.ReadUint16(&specsLen) || !s.ReadUint16(&connLen) {
		return fail()
	}
	var cert, conn []byte
	if !s.ReadBytes(&cert, int(certLen)) {
		return fail()
	}
	specs, ok := readCipherSpecs(&s, int(specsLen))
	if !ok || !s.ReadBytes(&conn, int(connLen)) {
		return fail()
	}
	m := message.New(message.TypeSSL2ServerHello, ctx.TalkingEnd).(*message.SSL2ServerHello)
	m.MessageType.SetDefault(typ)
	m.SessionIDHit.SetDefault(hit)
	m.CertificateType.SetDefault(certType)
	m.Version.SetDefault(record.ProtocolVersion(version))
	m.Certificate.SetDefault(append([]byte(nil), cert...))
	m.CipherSpecs.SetDefault(specs)
	m.ConnectionID.SetDefault(append([]byte(nil), conn...))
	return parsed(m, data, offset, len(data)-len(s))
}

func (ssl2ServerHelloHandler) Prepare(ctx *session.Context, m message.Message) error {
	sh := m.(*message.SSL2ServerHello)
	sh.MessageType.SetDefault(message.SSL2MsgServerHello)
	sh.CertificateType.SetDefault(ssl2CertificateX509)
	sh.Version.SetDefault(record.SSL2)
	if len(ctx.Config.Certificates) > 0 {
		sh.Certificate.SetDefault(ctx.Config.Certificates[0])
	}
	sh.CipherSpecs.SetDefault(ssl2CipherSpecs)
	sh.ConnectionID.SetDefault(randomBytes(ssl2ConnectionIDLength))
	return nil
}

func (ssl2ServerHelloHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	sh := m.(*message.SSL2ServerHello)
	specs := cipherSpecBytes(sh.CipherSpecs.Get())
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(sh.MessageType.Get())
	b.AddUint8(sh.SessionIDHit.Get())
	b.AddUint8(sh.CertificateType.Get())
	b.AddUint16(uint16(sh.Version.Get()))
	b.AddUint16(uint16(len(sh.Certificate.Get())))
	b.AddUint16(uint16(len(specs)))
	b.AddUint16(uint16(len(sh.ConnectionID.Get())))
	b.AddBytes(sh.Certificate.Get())
	b.AddBytes(specs)
	b.AddBytes(sh.ConnectionID.Get())
	return b.Bytes()
}

func (ssl2ServerHelloHandler) AdjustContext(ctx *session.Context, m message.Message) error {
	sh := m.(*message.SSL2ServerHello)
	ctx.Version = sh.Version.Get()
	if ctx.IsOurs(sh.Issuer) || len(sh.Certificate.Get()) == 0 {
		return nil
	}
	chain, err := certs.ParseChain([][]byte{sh.Certificate.Get()})
	if err != nil {
		return err
	}
	ctx.PeerCertificates = chain
	ctx.PeerPublicKey = chain.Leaf().PublicKey
	return nil
}

package handler

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
)

const randomLength = 32

type clientHelloBody struct{}

func (clientHelloBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	ch := m.(*message.ClientHello)
	var version uint16
	var random, sessionID, cookie, compression []byte
	var suites []uint16
	if !s.ReadUint16(&version) || !s.ReadBytes(&random, randomLength) || !readUint8Bytes(&s, &sessionID) {
		return errTruncated
	}
	if ctx.IsDTLS() && !readUint8Bytes(&s, &cookie) {
		return errTruncated
	}
	if !readUint16List(&s, &suites) || !readUint8Bytes(&s, &compression) {
		return errTruncated
	}
	ch.Version.SetDefault(record.ProtocolVersion(version))
	ch.Random.SetDefault(append([]byte(nil), random...))
	ch.SessionID.SetDefault(sessionID)
	ch.Cookie.SetDefault(cookie)
	ch.CipherSuites.SetDefault(suites)
	ch.CompressionMethods.SetDefault(compression)
	ch.ExtensionBytes.SetDefault(append([]byte(nil), s...))

	exts, err := parseExtensions(s)
	if err != nil {
		return err
	}
	ch.Extensions = exts
	return nil
}

func (clientHelloBody) prepare(ctx *session.Context, m message.Message) error {
	ch := m.(*message.ClientHello)
	ch.Version.SetDefault(ctx.Config.HighestVersion)
	// A DTLS ClientHello repeated after HelloVerifyRequest keeps its random.
	random := ctx.ClientRandom
	if len(random) == 0 {
		random = randomBytes(randomLength)
	}
	ch.Random.SetDefault(random)
	ch.SessionID.SetDefault(ctx.SessionID)
	ch.Cookie.SetDefault(ctx.DTLSCookie)
	ch.CipherSuites.SetDefault(ctx.Config.CipherSuites)
	ch.CompressionMethods.SetDefault(ctx.Config.CompressionMethods)

	if ch.Extensions == nil {
		ch.Extensions = defaultClientExtensions(ctx)
	}
	prepareExtensions(ctx, ch.Extensions, ch.Issuer)
	block, err := serializeExtensions(ch.Extensions)
	if err != nil {
		return err
	}
	ch.ExtensionBytes.SetDefault(block)
	return nil
}

func (clientHelloBody) serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	ch := m.(*message.ClientHello)
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(ch.Version.Get()))
	b.AddBytes(ch.Random.Get())
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ch.SessionID.Get()) })
	if ctx.IsDTLS() {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ch.Cookie.Get()) })
	}
	addUint16List(b, ch.CipherSuites.Get())
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ch.CompressionMethods.Get()) })
	b.AddBytes(ch.ExtensionBytes.Get())
	return b.Bytes()
}

func (clientHelloBody) adjust(ctx *session.Context, m message.Message) error {
	ch := m.(*message.ClientHello)
	ctx.ClientRandom = ch.Random.Get()
	ctx.ClientHelloVersion = ch.Version.Get()
	ctx.ClientOfferedEMS = false
	if !ctx.IsOurs(ch.Issuer) {
		ctx.SessionID = ch.SessionID.Get()
	}
	return adjustExtensions(ctx, ch.Extensions, ch.Issuer)
}

type serverHelloBody struct{}

func (serverHelloBody) parse(_ *session.Context, m message.Message, s cryptobyte.String) error {
	sh := m.(*message.ServerHello)
	var version, suite uint16
	var compression uint8
	var random, sessionID []byte
	if !s.ReadUint16(&version) || !s.ReadBytes(&random, randomLength) || !readUint8Bytes(&s, &sessionID) ||
		!s.ReadUint16(&suite) || !s.ReadUint8(&compression) {
		return errTruncated
	}
	sh.Version.SetDefault(record.ProtocolVersion(version))
	sh.Random.SetDefault(append([]byte(nil), random...))
	sh.SessionID.SetDefault(sessionID)
	sh.CipherSuite.SetDefault(suite)
	sh.CompressionMethod.SetDefault(compression)
	sh.ExtensionBytes.SetDefault(append([]byte(nil), s...))

	exts, err := parseExtensions(s)
	if err != nil {
		return err
	}
	sh.Extensions = exts
	return nil
}

func (serverHelloBody) prepare(ctx *session.Context, m message.Message) error {
	sh := m.(*message.ServerHello)
	sh.Version.SetDefault(ctx.Config.HighestVersion)
	sh.Random.SetDefault(randomBytes(randomLength))
	sh.SessionID.SetDefault(randomBytes(32))
	if len(ctx.Config.CipherSuites) > 0 {
		sh.CipherSuite.SetDefault(ctx.Config.CipherSuites[0])
	}
	sh.CompressionMethod.SetDefault(message.CompressionNull)

	if sh.Extensions == nil {
		sh.Extensions = defaultServerExtensions(ctx)
	}
	prepareExtensions(ctx, sh.Extensions, sh.Issuer)
	block, err := serializeExtensions(sh.Extensions)
	if err != nil {
		return err
	}
	sh.ExtensionBytes.SetDefault(block)
	return nil
}

func (serverHelloBody) serialize(_ *session.Context, m message.Message) ([]byte, error) {
	sh := m.(*message.ServerHello)
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(sh.Version.Get()))
	b.AddBytes(sh.Random.Get())
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(sh.SessionID.Get()) })
	b.AddUint16(sh.CipherSuite.Get())
	b.AddUint8(sh.CompressionMethod.Get())
	b.AddBytes(sh.ExtensionBytes.Get())
	return b.Bytes()
}

// adjust installs the negotiated version and suite: the record layer frames
// with the new version and the digest switches to the suite's hash.
func (serverHelloBody) adjust(ctx *session.Context, m message.Message) error {
	sh := m.(*message.ServerHello)
	ctx.Version = sh.Version.Get()
	ctx.CipherSuite = sh.CipherSuite.Get()
	ctx.CompressionMethod = sh.CompressionMethod.Get()
	ctx.SessionID = sh.SessionID.Get()
	ctx.ServerRandom = sh.Random.Get()
	ctx.RecordLayer.SetVersion(ctx.Version)

	suite, ok := record.SuiteByID(ctx.CipherSuite)
	if ok {
		ctx.Suite = suite
	} else {
		ctx.Suite = nil
	}
	ctx.Digest.Reset(ctx.Version, ctx.Suite)

	ctx.ExtendedMasterSecret = false
	ctx.SecureRenegotiation = false
	extErr := adjustExtensions(ctx, sh.Extensions, sh.Issuer)

	ctx.Logger.Debug("Negotiated parameters",
		zap.String("version", ctx.Version.String()),
		zap.String("cipher_suite", record.SuiteName(ctx.CipherSuite)),
		zap.Bool("extended_master_secret", ctx.ExtendedMasterSecret))

	if !ok {
		return fmt.Errorf("unsupported cipher suite 0x%04x", ctx.CipherSuite)
	}
	return extErr
}

type helloVerifyRequestBody struct{}

func (helloVerifyRequestBody) parse(_ *session.Context, m message.Message, s cryptobyte.String) error {
	hvr := m.(*message.HelloVerifyRequest)
	var version uint16
	var cookie []byte
	if !s.ReadUint16(&version) || !readUint8Bytes(&s, &cookie) {
		return errTruncated
	}
	if !s.Empty() {
		return errTrailing
	}
	hvr.Version.SetDefault(record.ProtocolVersion(version))
	hvr.Cookie.SetDefault(cookie)
	return nil
}

func (helloVerifyRequestBody) prepare(ctx *session.Context, m message.Message) error {
	hvr := m.(*message.HelloVerifyRequest)
	hvr.Version.SetDefault(record.DTLS10)
	hvr.Cookie.SetDefault(randomBytes(20))
	return nil
}

func (helloVerifyRequestBody) serialize(_ *session.Context, m message.Message) ([]byte, error) {
	hvr := m.(*message.HelloVerifyRequest)
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(hvr.Version.Get()))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(hvr.Cookie.Get()) })
	return b.Bytes()
}

// adjust stores the cookie and restarts the transcript: RFC 6347 excludes the
// first ClientHello and the HelloVerifyRequest from the handshake hash.
func (helloVerifyRequestBody) adjust(ctx *session.Context, m message.Message) error {
	ctx.DTLSCookie = m.(*message.HelloVerifyRequest).Cookie.Get()
	ctx.Digest.Clear()
	return nil
}

package handler

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
)

// ffdhe2048 is the RFC 7919 group used when we play the server.
var ffdhe2048P, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFADF85458A2BB4A9AAFDC5620273D3CF1"+
		"D8B9C583CE2D3695A9E13641146433FBCC939DCE249B3EF9"+
		"7D2FE363630C75D8F681B202AEC4617AD3DF1ED5D5FD6561"+
		"2433F51F5F066ED0856365553DED1AF3B557135E7F57C935"+
		"984F0C70E0E68B77E2A689DAF3EFE8721DF158A136ADE735"+
		"30ACCA4F483A797ABC0AB182B324FB61D108A94BB2C8E3FB"+
		"B96ADAB760D7F4681D4F42A3DE394DF4AE56EDE76372BB19"+
		"0B07A7C8EE0A6D709E02FCE1CDF7E2ECC03404CD28342F61"+
		"9172FE9CE98583FF8E4F1232EEF28183C3FE3B1B4C6FAD73"+
		"3BB5FCBC2EC22005C58EF1837D1683B2C6F34A26C1B2EFFA"+
		"886B423861285C97FFFFFFFFFFFFFFFF", 16)

var ffdhe2048G = big.NewInt(2)

var errNoPeerKey = errors.New("peer key exchange value missing")

func curveFor(group uint16) (ecdh.Curve, error) {
	switch group {
	case message.GroupSecp256r1:
		return ecdh.P256(), nil
	case message.GroupSecp384r1:
		return ecdh.P384(), nil
	case message.GroupSecp521r1:
		return ecdh.P521(), nil
	case message.GroupX25519:
		return ecdh.X25519(), nil
	}
	return nil, fmt.Errorf("unsupported named group %s", message.GroupName(group))
}

// ecGroup is the negotiated group, or the first configured curve.
func ecGroup(ctx *session.Context) uint16 {
	if ctx.ECGroup != 0 {
		return ctx.ECGroup
	}
	for _, g := range ctx.Config.NamedGroups {
		if _, err := curveFor(g); err == nil {
			return g
		}
	}
	return message.GroupSecp256r1
}

// dhExponent draws a 256-bit private exponent.
func dhExponent() *big.Int {
	return new(big.Int).SetBytes(randomBytes(32))
}

// missingKey lets a message whose wire value is overridden go out without the
// key its default would need. The gap is recorded in Diagnostics.
func missingKey(ctx *session.Context, m message.Message, overridden bool, err error) error {
	if !overridden {
		return err
	}
	ctx.Diagnostics.Record(m, err)
	return nil
}

// readServerSignature reads the optional signature that ends a
// ServerKeyExchange; anonymous suites send none.
func readServerSignature(ctx *session.Context, s *cryptobyte.String) (alg uint16, sig []byte, err error) {
	if s.Empty() {
		return 0, nil, nil
	}
	if hasSignatureAlgorithm(ctx.EffectiveVersion()) && !s.ReadUint16(&alg) {
		return 0, nil, errTruncated
	}
	if !readUint16Bytes(s, &sig) {
		return 0, nil, errTruncated
	}
	if !s.Empty() {
		return 0, nil, errTrailing
	}
	return alg, sig, nil
}

func addServerSignature(ctx *session.Context, b *cryptobyte.Builder, alg uint16, sig []byte, anon bool) {
	if anon && len(sig) == 0 {
		return
	}
	if hasSignatureAlgorithm(ctx.EffectiveVersion()) {
		b.AddUint16(alg)
	}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(sig) })
}

func signedParams(ctx *session.Context, params []byte) []byte {
	data := make([]byte, 0, len(ctx.ClientRandom)+len(ctx.ServerRandom)+len(params))
	data = append(data, ctx.ClientRandom...)
	data = append(data, ctx.ServerRandom...)
	return append(data, params...)
}

func signServerParams(ctx *session.Context, params []byte) (uint16, []byte, error) {
	if ctx.Config.PrivateKey == nil {
		return 0, nil, nil
	}
	return sign(ctx.EffectiveVersion(), ctx.Config.PrivateKey, signedParams(ctx, params))
}

// verifyServerParams checks a peer ServerKeyExchange signature against the
// certificate key, when both are present.
func verifyServerParams(ctx *session.Context, params []byte, alg uint16, sig []byte) error {
	if ctx.PeerPublicKey == nil || len(sig) == 0 {
		return nil
	}
	return verify(ctx.EffectiveVersion(), ctx.PeerPublicKey, alg, signedParams(ctx, params), sig)
}

type dheServerKeyExchangeBody struct{}

func dheParams(ske *message.DHEServerKeyExchange) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ske.P.Get()) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ske.G.Get()) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ske.PublicKey.Get()) })
	return b.BytesOrPanic()
}

func (dheServerKeyExchangeBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	ske := m.(*message.DHEServerKeyExchange)
	var p, g, y []byte
	if !readUint16Bytes(&s, &p) || !readUint16Bytes(&s, &g) || !readUint16Bytes(&s, &y) {
		return errTruncated
	}
	alg, sig, err := readServerSignature(ctx, &s)
	if err != nil {
		return err
	}
	ske.P.SetDefault(p)
	ske.G.SetDefault(g)
	ske.PublicKey.SetDefault(y)
	ske.SignatureAlgorithm.SetDefault(alg)
	ske.Signature.SetDefault(sig)
	return nil
}

func (dheServerKeyExchangeBody) prepare(ctx *session.Context, m message.Message) error {
	ske := m.(*message.DHEServerKeyExchange)
	ctx.DHP, ctx.DHG = ffdhe2048P, ffdhe2048G
	ctx.DHPrivate = dhExponent()
	y := new(big.Int).Exp(ctx.DHG, ctx.DHPrivate, ctx.DHP)

	ske.P.SetDefault(ctx.DHP.Bytes())
	ske.G.SetDefault(ctx.DHG.Bytes())
	ske.PublicKey.SetDefault(y.Bytes())
	if ctx.KeyExchange() == record.KeyExchangeDHAnon {
		return nil
	}
	alg, sig, err := signServerParams(ctx, dheParams(ske))
	if err != nil {
		return err
	}
	ske.SignatureAlgorithm.SetDefault(alg)
	ske.Signature.SetDefault(sig)
	return nil
}

func (dheServerKeyExchangeBody) serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	ske := m.(*message.DHEServerKeyExchange)
	b := cryptobyte.NewBuilder(dheParams(ske))
	addServerSignature(ctx, b, ske.SignatureAlgorithm.Get(), ske.Signature.Get(),
		ctx.KeyExchange() == record.KeyExchangeDHAnon)
	return b.Bytes()
}

func (dheServerKeyExchangeBody) adjust(ctx *session.Context, m message.Message) error {
	ske := m.(*message.DHEServerKeyExchange)
	ctx.DHP = new(big.Int).SetBytes(ske.P.Get())
	ctx.DHG = new(big.Int).SetBytes(ske.G.Get())
	ctx.DHServerPublic = ske.PublicKey.Get()
	if ctx.IsOurs(ske.Issuer) {
		return nil
	}
	return verifyServerParams(ctx, dheParams(ske), ske.SignatureAlgorithm.Get(), ske.Signature.Get())
}

type ecdheServerKeyExchangeBody struct{}

func ecdheParams(ske *message.ECDHEServerKeyExchange) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(ske.CurveType.Get())
	b.AddUint16(ske.NamedGroup.Get())
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ske.PublicKey.Get()) })
	return b.BytesOrPanic()
}

func (ecdheServerKeyExchangeBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	ske := m.(*message.ECDHEServerKeyExchange)
	var curveType uint8
	var group uint16
	var point []byte
	if !s.ReadUint8(&curveType) {
		return errTruncated
	}
	if curveType != message.CurveTypeNamedCurve {
		return fmt.Errorf("unsupported curve type %d", curveType)
	}
	if !s.ReadUint16(&group) || !readUint8Bytes(&s, &point) {
		return errTruncated
	}
	alg, sig, err := readServerSignature(ctx, &s)
	if err != nil {
		return err
	}
	ske.CurveType.SetDefault(curveType)
	ske.NamedGroup.SetDefault(group)
	ske.PublicKey.SetDefault(point)
	ske.SignatureAlgorithm.SetDefault(alg)
	ske.Signature.SetDefault(sig)
	return nil
}

func (ecdheServerKeyExchangeBody) prepare(ctx *session.Context, m message.Message) error {
	ske := m.(*message.ECDHEServerKeyExchange)
	group := ecGroup(ctx)
	curve, err := curveFor(group)
	if err != nil {
		return missingKey(ctx, m, ske.PublicKey.IsOverridden(), err)
	}
	key, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ctx.ECGroup, ctx.ECPrivate = group, key

	ske.CurveType.SetDefault(message.CurveTypeNamedCurve)
	ske.NamedGroup.SetDefault(group)
	ske.PublicKey.SetDefault(key.PublicKey().Bytes())
	if ctx.KeyExchange() == record.KeyExchangeECDHAnon {
		return nil
	}
	alg, sig, err := signServerParams(ctx, ecdheParams(ske))
	if err != nil {
		return err
	}
	ske.SignatureAlgorithm.SetDefault(alg)
	ske.Signature.SetDefault(sig)
	return nil
}

func (ecdheServerKeyExchangeBody) serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	ske := m.(*message.ECDHEServerKeyExchange)
	b := cryptobyte.NewBuilder(ecdheParams(ske))
	addServerSignature(ctx, b, ske.SignatureAlgorithm.Get(), ske.Signature.Get(),
		ctx.KeyExchange() == record.KeyExchangeECDHAnon)
	return b.Bytes()
}

func (ecdheServerKeyExchangeBody) adjust(ctx *session.Context, m message.Message) error {
	ske := m.(*message.ECDHEServerKeyExchange)
	ctx.ECGroup = ske.NamedGroup.Get()
	ctx.ECServerPublic = ske.PublicKey.Get()
	if ctx.IsOurs(ske.Issuer) {
		return nil
	}
	return verifyServerParams(ctx, ecdheParams(ske), ske.SignatureAlgorithm.Get(), ske.Signature.Get())
}

type rsaClientKeyExchangeBody struct{}

// SSLv3 sends the encrypted premaster secret without a length prefix.
func rsaPrefixed(ctx *session.Context) bool {
	return ctx.EffectiveVersion() != record.SSL3
}

func (rsaClientKeyExchangeBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	var enc []byte
	if rsaPrefixed(ctx) {
		if !readUint16Bytes(&s, &enc) || !s.Empty() {
			return errTruncated
		}
	} else {
		enc = append([]byte(nil), s...)
	}
	m.(*message.RSAClientKeyExchange).EncryptedPremaster.SetDefault(enc)
	return nil
}

// prepare draws the premaster secret (offered version followed by 46 random
// bytes) and encrypts it to the server certificate key.
func (rsaClientKeyExchangeBody) prepare(ctx *session.Context, m message.Message) error {
	cke := m.(*message.RSAClientKeyExchange)
	version := ctx.ClientHelloVersion
	if version == record.VersionUnset {
		version = ctx.Config.HighestVersion
	}
	pre := make([]byte, 48)
	binary.BigEndian.PutUint16(pre, uint16(version))
	copy(pre[2:], randomBytes(46))
	cke.PremasterSecret.SetDefault(pre)

	pub, ok := ctx.PeerPublicKey.(*rsa.PublicKey)
	if !ok {
		err := fmt.Errorf("%w: server did not present an RSA key", ErrCrypto)
		return missingKey(ctx, m, cke.EncryptedPremaster.IsOverridden(), err)
	}
	enc, err := rsa.EncryptPKCS1v15(rand.Reader, pub, cke.PremasterSecret.Get())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	cke.EncryptedPremaster.SetDefault(enc)
	return nil
}

func (rsaClientKeyExchangeBody) serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	enc := m.(*message.RSAClientKeyExchange).EncryptedPremaster.Get()
	if !rsaPrefixed(ctx) {
		return append([]byte(nil), enc...), nil
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(enc) })
	return b.Bytes()
}

func (rsaClientKeyExchangeBody) adjust(ctx *session.Context, m message.Message) error {
	cke := m.(*message.RSAClientKeyExchange)
	if ctx.IsOurs(cke.Issuer) {
		ctx.PremasterSecret = cke.PremasterSecret.Get()
		return ctx.DeriveMasterSecret()
	}
	priv, ok := ctx.Config.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: no RSA private key configured", ErrCrypto)
	}
	// A random fallback premaster hides padding failures, as RFC 5246 7.4.7.1 requires.
	pre := randomBytes(48)
	if err := rsa.DecryptPKCS1v15SessionKey(nil, priv, cke.EncryptedPremaster.Get(), pre); err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ctx.PremasterSecret = pre
	return ctx.DeriveMasterSecret()
}

type dhClientKeyExchangeBody struct{}

func (dhClientKeyExchangeBody) parse(_ *session.Context, m message.Message, s cryptobyte.String) error {
	var y []byte
	if !readUint16Bytes(&s, &y) || !s.Empty() {
		return errTruncated
	}
	m.(*message.DHClientKeyExchange).PublicKey.SetDefault(y)
	return nil
}

func (dhClientKeyExchangeBody) prepare(ctx *session.Context, m message.Message) error {
	if ctx.DHP == nil || ctx.DHG == nil || ctx.DHP.Sign() == 0 {
		ctx.DHP, ctx.DHG = ffdhe2048P, ffdhe2048G
	}
	ctx.DHPrivate = dhExponent()
	y := new(big.Int).Exp(ctx.DHG, ctx.DHPrivate, ctx.DHP)
	m.(*message.DHClientKeyExchange).PublicKey.SetDefault(y.Bytes())
	return nil
}

func (dhClientKeyExchangeBody) serialize(_ *session.Context, m message.Message) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.(*message.DHClientKeyExchange).PublicKey.Get())
	})
	return b.Bytes()
}

// adjust computes the shared secret with leading zero bytes stripped
// (RFC 5246 8.1.2).
func (dhClientKeyExchangeBody) adjust(ctx *session.Context, m message.Message) error {
	cke := m.(*message.DHClientKeyExchange)
	ctx.DHClientPublic = cke.PublicKey.Get()
	peer := ctx.DHServerPublic
	if !ctx.IsOurs(cke.Issuer) {
		peer = ctx.DHClientPublic
	}
	if len(peer) == 0 || ctx.DHPrivate == nil {
		return errNoPeerKey
	}
	shared := new(big.Int).Exp(new(big.Int).SetBytes(peer), ctx.DHPrivate, ctx.DHP)
	ctx.PremasterSecret = shared.Bytes()
	return ctx.DeriveMasterSecret()
}

type ecdhClientKeyExchangeBody struct{}

func (ecdhClientKeyExchangeBody) parse(_ *session.Context, m message.Message, s cryptobyte.String) error {
	var point []byte
	if !readUint8Bytes(&s, &point) || !s.Empty() {
		return errTruncated
	}
	m.(*message.ECDHClientKeyExchange).PublicKey.SetDefault(point)
	return nil
}

func (ecdhClientKeyExchangeBody) prepare(ctx *session.Context, m message.Message) error {
	cke := m.(*message.ECDHClientKeyExchange)
	group := ecGroup(ctx)
	curve, err := curveFor(group)
	if err != nil {
		return missingKey(ctx, m, cke.PublicKey.IsOverridden(), err)
	}
	key, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ctx.ECGroup, ctx.ECPrivate = group, key
	cke.PublicKey.SetDefault(key.PublicKey().Bytes())
	return nil
}

func (ecdhClientKeyExchangeBody) serialize(_ *session.Context, m message.Message) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.(*message.ECDHClientKeyExchange).PublicKey.Get())
	})
	return b.Bytes()
}

func (ecdhClientKeyExchangeBody) adjust(ctx *session.Context, m message.Message) error {
	cke := m.(*message.ECDHClientKeyExchange)
	ctx.ECClientPublic = cke.PublicKey.Get()
	peer := ctx.ECServerPublic
	if !ctx.IsOurs(cke.Issuer) {
		peer = ctx.ECClientPublic
	}
	if len(peer) == 0 || ctx.ECPrivate == nil {
		return errNoPeerKey
	}
	pub, err := ctx.ECPrivate.Curve().NewPublicKey(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	shared, err := ctx.ECPrivate.ECDH(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ctx.PremasterSecret = shared
	return ctx.DeriveMasterSecret()
}

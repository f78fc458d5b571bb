package handler

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/certs"
	"tlsprobe/message"
	"tlsprobe/session"
)

type certificateBody struct{}

func (certificateBody) parse(_ *session.Context, m message.Message, s cryptobyte.String) error {
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) {
		return errTruncated
	}
	if !s.Empty() {
		return errTrailing
	}
	var chain [][]byte
	for !list.Empty() {
		var cert cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&cert) {
			return fmt.Errorf("malformed certificate list")
		}
		chain = append(chain, append([]byte(nil), cert...))
	}
	m.(*message.Certificate).Certificates.SetDefault(chain)
	return nil
}

func (certificateBody) prepare(ctx *session.Context, m message.Message) error {
	m.(*message.Certificate).Certificates.SetDefault(ctx.Config.Certificates)
	return nil
}

func (certificateBody) serialize(_ *session.Context, m message.Message) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cert := range m.(*message.Certificate).Certificates.Get() {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cert) })
		}
	})
	return b.Bytes()
}

func (certificateBody) adjust(ctx *session.Context, m message.Message) error {
	c := m.(*message.Certificate)
	if ctx.IsOurs(c.Issuer) {
		return nil
	}
	list := c.Certificates.Get()
	// A client without a certificate answers a request with an empty list.
	if len(list) == 0 && c.Issuer == message.Client {
		return nil
	}
	chain, err := certs.ParseChain(list)
	if err != nil {
		return err
	}
	ctx.PeerCertificates = chain
	ctx.PeerPublicKey = chain.Leaf().PublicKey
	ctx.Logger.Debug("Peer certificate",
		zap.String("subject", chain.Leaf().Subject),
		zap.Int("chain_length", len(chain.Infos)))
	return nil
}

type certificateRequestBody struct{}

func (certificateRequestBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	cr := m.(*message.CertificateRequest)
	var types []byte
	if !readUint8Bytes(&s, &types) {
		return errTruncated
	}
	var algs []uint16
	if hasSignatureAlgorithm(ctx.EffectiveVersion()) && !readUint16List(&s, &algs) {
		return errTruncated
	}
	var names cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&names) || !s.Empty() {
		return errTruncated
	}
	var dns [][]byte
	for !names.Empty() {
		var dn []byte
		if !readUint16Bytes(&names, &dn) {
			return fmt.Errorf("malformed certificate authorities")
		}
		dns = append(dns, dn)
	}
	cr.CertificateTypes.SetDefault(types)
	cr.SignatureAlgorithms.SetDefault(algs)
	cr.DistinguishedNames.SetDefault(dns)
	return nil
}

func (certificateRequestBody) prepare(ctx *session.Context, m message.Message) error {
	cr := m.(*message.CertificateRequest)
	cr.CertificateTypes.SetDefault([]byte{message.CertTypeRSASign, message.CertTypeECDSASign})
	cr.SignatureAlgorithms.SetDefault(ctx.Config.SignatureAlgorithms)
	return nil
}

func (certificateRequestBody) serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	cr := m.(*message.CertificateRequest)
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cr.CertificateTypes.Get()) })
	if hasSignatureAlgorithm(ctx.EffectiveVersion()) {
		addUint16List(b, cr.SignatureAlgorithms.Get())
	}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, dn := range cr.DistinguishedNames.Get() {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(dn) })
		}
	})
	return b.Bytes()
}

func (certificateRequestBody) adjust(ctx *session.Context, m message.Message) error {
	cr := m.(*message.CertificateRequest)
	if ctx.IsOurs(cr.Issuer) {
		return nil
	}
	ctx.CertificateRequested = true
	ctx.ClientCertificateTypes = cr.CertificateTypes.Get()
	ctx.PeerSignatureAlgorithms = cr.SignatureAlgorithms.Get()
	ctx.CertificateAuthorityNames = cr.DistinguishedNames.Get()
	return nil
}

type certificateVerifyBody struct{}

func (certificateVerifyBody) parse(ctx *session.Context, m message.Message, s cryptobyte.String) error {
	cv := m.(*message.CertificateVerify)
	if hasSignatureAlgorithm(ctx.EffectiveVersion()) {
		var alg uint16
		if !s.ReadUint16(&alg) {
			return errTruncated
		}
		cv.SignatureAlgorithm.SetDefault(alg)
	}
	var sig []byte
	if !readUint16Bytes(&s, &sig) || !s.Empty() {
		return errTruncated
	}
	cv.Signature.SetDefault(sig)
	return nil
}

// prepare signs the transcript so far. Without a configured key the
// signature stays empty, which a peer should reject.
func (certificateVerifyBody) prepare(ctx *session.Context, m message.Message) error {
	cv := m.(*message.CertificateVerify)
	cv.SignatureAlgorithm.SetDefault(message.SigRSAPKCS1SHA256)
	if ctx.Config.PrivateKey == nil {
		return nil
	}
	alg, sig, err := sign(ctx.EffectiveVersion(), ctx.Config.PrivateKey, ctx.Digest.Raw())
	if err != nil {
		return err
	}
	if alg != 0 {
		cv.SignatureAlgorithm.SetDefault(alg)
	}
	cv.Signature.SetDefault(sig)
	return nil
}

func (certificateVerifyBody) serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	cv := m.(*message.CertificateVerify)
	b := cryptobyte.NewBuilder(nil)
	if hasSignatureAlgorithm(ctx.EffectiveVersion()) {
		b.AddUint16(cv.SignatureAlgorithm.Get())
	}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cv.Signature.Get()) })
	return b.Bytes()
}

func (certificateVerifyBody) adjust(*session.Context, message.Message) error { return nil }

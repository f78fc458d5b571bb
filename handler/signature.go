package handler

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"fmt"

	"tlsprobe/message"
	"tlsprobe/record"
)

type signatureKind int

const (
	sigPKCS1 signatureKind = iota
	sigPSS
	sigECDSA
)

var errUnsupportedSignature = errors.New("unsupported signature algorithm")

// schemeParams maps a TLS 1.2 SignatureAndHashAlgorithm to its primitive.
func schemeParams(alg uint16) (crypto.Hash, signatureKind, error) {
	switch alg {
	case message.SigRSAPKCS1SHA1:
		return crypto.SHA1, sigPKCS1, nil
	case message.SigECDSASHA1:
		return crypto.SHA1, sigECDSA, nil
	case message.SigRSAPKCS1SHA256:
		return crypto.SHA256, sigPKCS1, nil
	case message.SigECDSAP256:
		return crypto.SHA256, sigECDSA, nil
	case message.SigRSAPKCS1SHA384:
		return crypto.SHA384, sigPKCS1, nil
	case message.SigECDSAP384:
		return crypto.SHA384, sigECDSA, nil
	case message.SigRSAPKCS1SHA512:
		return crypto.SHA512, sigPKCS1, nil
	case message.SigRSAPSSSHA256:
		return crypto.SHA256, sigPSS, nil
	case message.SigRSAPSSSHA384:
		return crypto.SHA384, sigPSS, nil
	case 0x0806:
		return crypto.SHA512, sigPSS, nil
	case 0x0603:
		return crypto.SHA512, sigECDSA, nil
	}
	return 0, 0, fmt.Errorf("%w 0x%04x", errUnsupportedSignature, alg)
}

// legacyParams is what versions before TLS 1.2 sign with: MD5+SHA1 for RSA
// and SHA1 for ECDSA.
func legacyParams(pub crypto.PublicKey) (crypto.Hash, signatureKind, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return crypto.MD5SHA1, sigPKCS1, nil
	case *ecdsa.PublicKey:
		return crypto.SHA1, sigECDSA, nil
	}
	return 0, 0, fmt.Errorf("%w for %T", errUnsupportedSignature, pub)
}

func digestFor(h crypto.Hash, data []byte) []byte {
	if h == crypto.MD5SHA1 {
		m := md5.Sum(data)
		s := sha1.Sum(data)
		return append(m[:], s[:]...)
	}
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil)
}

func hasSignatureAlgorithm(version record.ProtocolVersion) bool {
	return version.AtLeast(record.TLS12)
}

// sign signs data the way ServerKeyExchange and CertificateVerify do. The
// returned algorithm is only sent from TLS 1.2 on.
func sign(version record.ProtocolVersion, key crypto.Signer, data []byte) (uint16, []byte, error) {
	var alg uint16
	var h crypto.Hash
	var kind signatureKind
	var err error
	if hasSignatureAlgorithm(version) {
		switch key.Public().(type) {
		case *rsa.PublicKey:
			alg = message.SigRSAPKCS1SHA256
		case *ecdsa.PublicKey:
			alg = message.SigECDSAP256
		case ed25519.PublicKey:
			return 0, nil, fmt.Errorf("%w: ed25519 keys", errUnsupportedSignature)
		}
		h, kind, err = schemeParams(alg)
	} else {
		h, kind, err = legacyParams(key.Public())
	}
	if err != nil {
		return 0, nil, err
	}

	var opts crypto.SignerOpts = h
	if kind == sigPSS {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	sig, err := key.Sign(rand.Reader, digestFor(h, data), opts)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return alg, sig, nil
}

// verify checks a signature over data made by pub.
func verify(version record.ProtocolVersion, pub crypto.PublicKey, alg uint16, data, sig []byte) error {
	var h crypto.Hash
	var kind signatureKind
	var err error
	if hasSignatureAlgorithm(version) {
		h, kind, err = schemeParams(alg)
	} else {
		h, kind, err = legacyParams(pub)
	}
	if err != nil {
		return err
	}
	digest := digestFor(h, data)

	switch kind {
	case sigPKCS1, sigPSS:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("RSA signature but peer key is %T", pub)
		}
		if kind == sigPSS {
			err = rsa.VerifyPSS(key, h, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			err = rsa.VerifyPKCS1v15(key, h, digest, sig)
		}
		if err != nil {
			return fmt.Errorf("invalid signature: %w", err)
		}
	case sigECDSA:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("ECDSA signature but peer key is %T", pub)
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("invalid signature")
		}
	}
	return nil
}

package record

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// Key derivation for SSL 3.0 through TLS 1.2 (RFC 6101, RFC 2246, RFC 5246).

// pHash implements the P_hash function from RFC 5246
// P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) +
//
//	HMAC_hash(secret, A(2) + seed) + ...
//
// where A(0) = seed, A(i) = HMAC_hash(secret, A(i-1))
func pHash(hashFunc func() hash.Hash, secret, seed []byte, length int) []byte {
	h := hmac.New(hashFunc, secret)
	h.Write(seed)
	a := h.Sum(nil)

	result := make([]byte, 0, length)
	for len(result) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)

		todo := len(b)
		if len(result)+todo > length {
			todo = length - len(result)
		}
		result = append(result, b[:todo]...)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
	return result
}

// prf10 is the TLS 1.0/1.1 PRF: P_MD5 over the first half of the secret
// XORed with P_SHA1 over the second half. The halves overlap by one byte for
// odd secret lengths.
func prf10(secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := append([]byte(label), seed...)
	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	result := pHash(md5.New, s1, labelSeed, length)
	sha := pHash(sha1.New, s2, labelSeed, length)
	for i := range result {
		result[i] ^= sha[i]
	}
	return result
}

func prf12(hashFunc func() hash.Hash, secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := make([]byte, len(label)+len(seed))
	copy(labelSeed, label)
	copy(labelSeed[len(label):], seed)
	return pHash(hashFunc, secret, labelSeed, length)
}

// ssl3PRF generates key material the SSL 3.0 way:
// MD5(secret + SHA1("A" + secret + seed)) + MD5(secret + SHA1("BB" + secret + seed)) + ...
func ssl3PRF(secret, seed []byte, length int) []byte {
	result := make([]byte, 0, length+md5.Size)
	for i := 0; len(result) < length; i++ {
		label := make([]byte, i+1)
		for j := range label {
			label[j] = byte('A' + i)
		}
		s := sha1.New()
		s.Write(label)
		s.Write(secret)
		s.Write(seed)

		m := md5.New()
		m.Write(secret)
		m.Write(s.Sum(nil))
		result = m.Sum(result)
	}
	return result[:length]
}

// PRF dispatches to the pseudorandom function of the given version. suite may
// be nil before a suite is negotiated; TLS 1.2 then falls back to P_SHA256.
func PRF(version ProtocolVersion, suite *CipherSuite, secret []byte, label string, seed []byte, length int) []byte {
	switch {
	case version == SSL3:
		return ssl3PRF(secret, seed, length)
	case version.AtLeast(TLS12):
		hashFunc := sha256.New
		if suite != nil {
			hashFunc = suite.PRFHash()
		}
		return prf12(hashFunc, secret, label, seed, length)
	default:
		return prf10(secret, label, seed, length)
	}
}

const (
	masterSecretLength = 48
	finishedVerifyLen  = 12
)

// Keys is the partitioned key block of one connection.
type Keys struct {
	ClientMAC, ServerMAC []byte
	ClientKey, ServerKey []byte
	ClientIV, ServerIV   []byte
}

// KeySchedule manages key derivation for one handshake.
type KeySchedule struct {
	version      ProtocolVersion
	suite        *CipherSuite
	masterSecret []byte
	clientRandom []byte
	serverRandom []byte
}

// NewKeySchedule creates a new key schedule
func NewKeySchedule(version ProtocolVersion, suite *CipherSuite, clientRandom, serverRandom []byte) *KeySchedule {
	ks := &KeySchedule{
		version:      version,
		suite:        suite,
		clientRandom: make([]byte, len(clientRandom)),
		serverRandom: make([]byte, len(serverRandom)),
	}
	copy(ks.clientRandom, clientRandom)
	copy(ks.serverRandom, serverRandom)
	return ks
}

// DeriveMasterSecret derives the master secret from the pre-master secret
// master_secret = PRF(pre_master_secret, "master secret", ClientHello.random + ServerHello.random)[0..47]
func (ks *KeySchedule) DeriveMasterSecret(preMasterSecret []byte) []byte {
	randomBytes := make([]byte, len(ks.clientRandom)+len(ks.serverRandom))
	copy(randomBytes, ks.clientRandom)
	copy(randomBytes[len(ks.clientRandom):], ks.serverRandom)

	ks.masterSecret = PRF(ks.version, ks.suite, preMasterSecret, "master secret", randomBytes, masterSecretLength)
	return ks.masterSecret
}

// DeriveMasterSecretExtended derives the master secret using Extended Master Secret (RFC 7627).
// sessionHash covers every handshake message up to and including ClientKeyExchange.
func (ks *KeySchedule) DeriveMasterSecretExtended(preMasterSecret, sessionHash []byte) []byte {
	ks.masterSecret = PRF(ks.version, ks.suite, preMasterSecret, "extended master secret", sessionHash, masterSecretLength)
	return ks.masterSecret
}

// SetMasterSecret installs an externally provided master secret (session resumption, attacks).
func (ks *KeySchedule) SetMasterSecret(masterSecret []byte) {
	ks.masterSecret = append([]byte(nil), masterSecret...)
}

// MasterSecret returns the current master secret, nil before derivation.
func (ks *KeySchedule) MasterSecret() []byte {
	return ks.masterSecret
}

// DeriveKeys expands the master secret into the key block
// key_block = PRF(master_secret, "key expansion", server_random + client_random)
// partitioned as MAC keys, cipher keys, IVs (client before server).
func (ks *KeySchedule) DeriveKeys() (*Keys, error) {
	if ks.suite == nil {
		return nil, fmt.Errorf("no cipher suite negotiated")
	}
	if len(ks.masterSecret) == 0 {
		return nil, fmt.Errorf("master secret not derived")
	}

	randomBytes := make([]byte, len(ks.serverRandom)+len(ks.clientRandom))
	copy(randomBytes, ks.serverRandom)
	copy(randomBytes[len(ks.serverRandom):], ks.clientRandom)

	keyBlock := PRF(ks.version, ks.suite, ks.masterSecret, "key expansion", randomBytes, ks.suite.KeyBlockLength())

	macLen := ks.suite.MAC.size()
	keyLen := ks.suite.Cipher.keyLen()
	ivLen := ks.suite.Cipher.ivLen()

	next := func(n int) []byte {
		out := make([]byte, n)
		copy(out, keyBlock[:n])
		keyBlock = keyBlock[n:]
		return out
	}
	return &Keys{
		ClientMAC: next(macLen),
		ServerMAC: next(macLen),
		ClientKey: next(keyLen),
		ServerKey: next(keyLen),
		ClientIV:  next(ivLen),
		ServerIV:  next(ivLen),
	}, nil
}

var (
	ssl3ClientSender = []byte{0x43, 0x4c, 0x4e, 0x54}
	ssl3ServerSender = []byte{0x53, 0x52, 0x56, 0x52}
)

// FinishedVerifyData computes the Finished payload over the raw handshake
// messages. The transcript hash is chosen by version: SSL3 uses its own
// construction, TLS 1.0/1.1 MD5||SHA1, TLS 1.2 the suite PRF hash.
func (ks *KeySchedule) FinishedVerifyData(handshakeMessages []byte, isClient bool) []byte {
	if ks.version == SSL3 {
		return ks.ssl3Finished(handshakeMessages, isClient)
	}
	label := "server finished"
	if isClient {
		label = "client finished"
	}
	return PRF(ks.version, ks.suite, ks.masterSecret, label, ks.TranscriptHash(handshakeMessages), finishedVerifyLen)
}

// TranscriptHash hashes handshake messages the way Finished and EMS expect.
func (ks *KeySchedule) TranscriptHash(handshakeMessages []byte) []byte {
	return TranscriptHash(ks.version, ks.suite, handshakeMessages)
}

// TranscriptHash hashes handshake messages for version: MD5||SHA1 before
// TLS 1.2, the suite PRF hash (default SHA-256) from TLS 1.2 on.
func TranscriptHash(version ProtocolVersion, suite *CipherSuite, handshakeMessages []byte) []byte {
	if version.AtLeast(TLS12) {
		hashFunc := sha256.New
		if suite != nil {
			hashFunc = suite.PRFHash()
		}
		h := hashFunc()
		h.Write(handshakeMessages)
		return h.Sum(nil)
	}
	m := md5.Sum(handshakeMessages)
	s := sha1.Sum(handshakeMessages)
	return append(m[:], s[:]...)
}

func (ks *KeySchedule) ssl3Finished(handshakeMessages []byte, isClient bool) []byte {
	sender := ssl3ServerSender
	if isClient {
		sender = ssl3ClientSender
	}
	out := ssl3FinishedHash(md5.New, 48, handshakeMessages, sender, ks.masterSecret)
	return append(out, ssl3FinishedHash(sha1.New, 40, handshakeMessages, sender, ks.masterSecret)...)
}

func ssl3FinishedHash(hashFunc func() hash.Hash, padLen int, msgs, sender, master []byte) []byte {
	inner := hashFunc()
	inner.Write(msgs)
	inner.Write(sender)
	inner.Write(master)
	inner.Write(ssl3Pad(0x36, padLen))
	innerSum := inner.Sum(nil)

	outer := hashFunc()
	outer.Write(master)
	outer.Write(ssl3Pad(0x5c, padLen))
	outer.Write(innerSum)
	return outer.Sum(nil)
}

func ssl3Pad(b byte, n int) []byte {
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = b
	}
	return pad
}

package record

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// KeyExchange identifies how the premaster secret of a suite is established.
type KeyExchange int

const (
	KeyExchangeNull KeyExchange = iota
	KeyExchangeRSA
	KeyExchangeDHERSA
	KeyExchangeDHEDSS
	KeyExchangeDHAnon
	KeyExchangeECDHERSA
	KeyExchangeECDHEECDSA
	KeyExchangeECDHAnon
)

// IsDH reports finite-field Diffie-Hellman key exchanges.
func (k KeyExchange) IsDH() bool {
	return k == KeyExchangeDHERSA || k == KeyExchangeDHEDSS || k == KeyExchangeDHAnon
}

// IsECDH reports elliptic-curve Diffie-Hellman key exchanges.
func (k KeyExchange) IsECDH() bool {
	return k == KeyExchangeECDHERSA || k == KeyExchangeECDHEECDSA || k == KeyExchangeECDHAnon
}

func (k KeyExchange) String() string {
	switch k {
	case KeyExchangeRSA:
		return "RSA"
	case KeyExchangeDHERSA:
		return "DHE_RSA"
	case KeyExchangeDHEDSS:
		return "DHE_DSS"
	case KeyExchangeDHAnon:
		return "DH_anon"
	case KeyExchangeECDHERSA:
		return "ECDHE_RSA"
	case KeyExchangeECDHEECDSA:
		return "ECDHE_ECDSA"
	case KeyExchangeECDHAnon:
		return "ECDH_anon"
	}
	return "NULL"
}

// BulkCipher identifies the record protection algorithm of a suite.
type BulkCipher int

const (
	CipherNull BulkCipher = iota
	CipherRC4
	Cipher3DES
	CipherAES128CBC
	CipherAES256CBC
	CipherAES128GCM
	CipherAES256GCM
	CipherChaCha20Poly1305
)

type cipherKind int

const (
	kindNull cipherKind = iota
	kindStream
	kindBlock
	kindAEAD
)

func (b BulkCipher) kind() cipherKind {
	switch b {
	case CipherRC4:
		return kindStream
	case Cipher3DES, CipherAES128CBC, CipherAES256CBC:
		return kindBlock
	case CipherAES128GCM, CipherAES256GCM, CipherChaCha20Poly1305:
		return kindAEAD
	}
	return kindNull
}

// keyLen and ivLen are the key block partition sizes. ivLen for AEAD is the
// implicit (fixed) part of the nonce.
func (b BulkCipher) keyLen() int {
	switch b {
	case CipherRC4, CipherAES128CBC, CipherAES128GCM:
		return 16
	case Cipher3DES:
		return 24
	case CipherAES256CBC, CipherAES256GCM, CipherChaCha20Poly1305:
		return 32
	}
	return 0
}

func (b BulkCipher) ivLen() int {
	switch b {
	case Cipher3DES:
		return 8
	case CipherAES128CBC, CipherAES256CBC:
		return 16
	case CipherAES128GCM, CipherAES256GCM:
		return 4
	case CipherChaCha20Poly1305:
		return 12
	}
	return 0
}

// MACAlgorithm identifies the record MAC of a non-AEAD suite.
type MACAlgorithm int

const (
	MACNull MACAlgorithm = iota
	MACMD5
	MACSHA1
	MACSHA256
	MACSHA384
)

func (m MACAlgorithm) size() int {
	switch m {
	case MACMD5:
		return 16
	case MACSHA1:
		return 20
	case MACSHA256:
		return 32
	case MACSHA384:
		return 48
	}
	return 0
}

// CipherSuite describes one registered suite.
type CipherSuite struct {
	ID          uint16
	Name        string
	KeyExchange KeyExchange
	Cipher      BulkCipher
	MAC         MACAlgorithm
	// SHA384 selects P_SHA384 as the TLS 1.2 PRF; all other suites use P_SHA256.
	SHA384 bool
}

// PRFHash returns the TLS 1.2 PRF hash of the suite.
func (s *CipherSuite) PRFHash() func() hash.Hash {
	if s.SHA384 {
		return sha512.New384
	}
	return sha256.New
}

// IsAEAD reports whether the suite uses an AEAD record protection.
func (s *CipherSuite) IsAEAD() bool {
	return s.Cipher.kind() == kindAEAD
}

// RequiresTLS12 reports suites that are only defined for TLS 1.2 and DTLS 1.2.
func (s *CipherSuite) RequiresTLS12() bool {
	return s.IsAEAD() || s.MAC == MACSHA256 || s.MAC == MACSHA384
}

// KeyBlockLength is the number of key block bytes the suite consumes.
func (s *CipherSuite) KeyBlockLength() int {
	return 2*s.MAC.size() + 2*s.Cipher.keyLen() + 2*s.Cipher.ivLen()
}

// Cipher suite identifiers
const (
	TLS_NULL_WITH_NULL_NULL                       uint16 = 0x0000
	TLS_RSA_WITH_NULL_SHA                         uint16 = 0x0002
	TLS_RSA_WITH_RC4_128_MD5                      uint16 = 0x0004
	TLS_RSA_WITH_RC4_128_SHA                      uint16 = 0x0005
	TLS_RSA_WITH_3DES_EDE_CBC_SHA                 uint16 = 0x000a
	TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA             uint16 = 0x0016
	TLS_RSA_WITH_AES_128_CBC_SHA                  uint16 = 0x002f
	TLS_DHE_DSS_WITH_AES_128_CBC_SHA              uint16 = 0x0032
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA              uint16 = 0x0033
	TLS_DH_anon_WITH_AES_128_CBC_SHA              uint16 = 0x0034
	TLS_RSA_WITH_AES_256_CBC_SHA                  uint16 = 0x0035
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA              uint16 = 0x0039
	TLS_RSA_WITH_AES_128_CBC_SHA256               uint16 = 0x003c
	TLS_RSA_WITH_AES_256_CBC_SHA256               uint16 = 0x003d
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA256           uint16 = 0x0067
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA256           uint16 = 0x006b
	TLS_RSA_WITH_AES_128_GCM_SHA256               uint16 = 0x009c
	TLS_RSA_WITH_AES_256_GCM_SHA384               uint16 = 0x009d
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256           uint16 = 0x009e
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384           uint16 = 0x009f
	TLS_EMPTY_RENEGOTIATION_INFO_SCSV             uint16 = 0x00ff
	TLS_FALLBACK_SCSV                             uint16 = 0x5600
	TLS_ECDHE_ECDSA_WITH_RC4_128_SHA              uint16 = 0xc007
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA          uint16 = 0xc009
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA          uint16 = 0xc00a
	TLS_ECDHE_RSA_WITH_RC4_128_SHA                uint16 = 0xc011
	TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA           uint16 = 0xc012
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA            uint16 = 0xc013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA            uint16 = 0xc014
	TLS_ECDH_anon_WITH_AES_128_CBC_SHA            uint16 = 0xc018
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256       uint16 = 0xc023
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256         uint16 = 0xc027
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       uint16 = 0xc02b
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       uint16 = 0xc02c
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         uint16 = 0xc02f
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         uint16 = 0xc030
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   uint16 = 0xcca8
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 uint16 = 0xcca9
	TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256     uint16 = 0xccaa
)

var cipherSuites = []*CipherSuite{
	{TLS_NULL_WITH_NULL_NULL, "TLS_NULL_WITH_NULL_NULL", KeyExchangeNull, CipherNull, MACNull, false},
	{TLS_RSA_WITH_NULL_SHA, "TLS_RSA_WITH_NULL_SHA", KeyExchangeRSA, CipherNull, MACSHA1, false},
	{TLS_RSA_WITH_RC4_128_MD5, "TLS_RSA_WITH_RC4_128_MD5", KeyExchangeRSA, CipherRC4, MACMD5, false},
	{TLS_RSA_WITH_RC4_128_SHA, "TLS_RSA_WITH_RC4_128_SHA", KeyExchangeRSA, CipherRC4, MACSHA1, false},
	{TLS_RSA_WITH_3DES_EDE_CBC_SHA, "TLS_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchangeRSA, Cipher3DES, MACSHA1, false},
	{TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA, "TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchangeDHERSA, Cipher3DES, MACSHA1, false},
	{TLS_RSA_WITH_AES_128_CBC_SHA, "TLS_RSA_WITH_AES_128_CBC_SHA", KeyExchangeRSA, CipherAES128CBC, MACSHA1, false},
	{TLS_DHE_DSS_WITH_AES_128_CBC_SHA, "TLS_DHE_DSS_WITH_AES_128_CBC_SHA", KeyExchangeDHEDSS, CipherAES128CBC, MACSHA1, false},
	{TLS_DHE_RSA_WITH_AES_128_CBC_SHA, "TLS_DHE_RSA_WITH_AES_128_CBC_SHA", KeyExchangeDHERSA, CipherAES128CBC, MACSHA1, false},
	{TLS_DH_anon_WITH_AES_128_CBC_SHA, "TLS_DH_anon_WITH_AES_128_CBC_SHA", KeyExchangeDHAnon, CipherAES128CBC, MACSHA1, false},
	{TLS_RSA_WITH_AES_256_CBC_SHA, "TLS_RSA_WITH_AES_256_CBC_SHA", KeyExchangeRSA, CipherAES256CBC, MACSHA1, false},
	{TLS_DHE_RSA_WITH_AES_256_CBC_SHA, "TLS_DHE_RSA_WITH_AES_256_CBC_SHA", KeyExchangeDHERSA, CipherAES256CBC, MACSHA1, false},
	{TLS_RSA_WITH_AES_128_CBC_SHA256, "TLS_RSA_WITH_AES_128_CBC_SHA256", KeyExchangeRSA, CipherAES128CBC, MACSHA256, false},
	{TLS_RSA_WITH_AES_256_CBC_SHA256, "TLS_RSA_WITH_AES_256_CBC_SHA256", KeyExchangeRSA, CipherAES256CBC, MACSHA256, false},
	{TLS_DHE_RSA_WITH_AES_128_CBC_SHA256, "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256", KeyExchangeDHERSA, CipherAES128CBC, MACSHA256, false},
	{TLS_DHE_RSA_WITH_AES_256_CBC_SHA256, "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256", KeyExchangeDHERSA, CipherAES256CBC, MACSHA256, false},
	{TLS_RSA_WITH_AES_128_GCM_SHA256, "TLS_RSA_WITH_AES_128_GCM_SHA256", KeyExchangeRSA, CipherAES128GCM, MACNull, false},
	{TLS_RSA_WITH_AES_256_GCM_SHA384, "TLS_RSA_WITH_AES_256_GCM_SHA384", KeyExchangeRSA, CipherAES256GCM, MACNull, true},
	{TLS_DHE_RSA_WITH_AES_128_GCM_SHA256, "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchangeDHERSA, CipherAES128GCM, MACNull, false},
	{TLS_DHE_RSA_WITH_AES_256_GCM_SHA384, "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384", KeyExchangeDHERSA, CipherAES256GCM, MACNull, true},
	{TLS_ECDHE_ECDSA_WITH_RC4_128_SHA, "TLS_ECDHE_ECDSA_WITH_RC4_128_SHA", KeyExchangeECDHEECDSA, CipherRC4, MACSHA1, false},
	{TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", KeyExchangeECDHEECDSA, CipherAES128CBC, MACSHA1, false},
	{TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", KeyExchangeECDHEECDSA, CipherAES256CBC, MACSHA1, false},
	{TLS_ECDHE_RSA_WITH_RC4_128_SHA, "TLS_ECDHE_RSA_WITH_RC4_128_SHA", KeyExchangeECDHERSA, CipherRC4, MACSHA1, false},
	{TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA, "TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA", KeyExchangeECDHERSA, Cipher3DES, MACSHA1, false},
	{TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", KeyExchangeECDHERSA, CipherAES128CBC, MACSHA1, false},
	{TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", KeyExchangeECDHERSA, CipherAES256CBC, MACSHA1, false},
	{TLS_ECDH_anon_WITH_AES_128_CBC_SHA, "TLS_ECDH_anon_WITH_AES_128_CBC_SHA", KeyExchangeECDHAnon, CipherAES128CBC, MACSHA1, false},
	{TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256, "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256", KeyExchangeECDHEECDSA, CipherAES128CBC, MACSHA256, false},
	{TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", KeyExchangeECDHERSA, CipherAES128CBC, MACSHA256, false},
	{TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", KeyExchangeECDHEECDSA, CipherAES128GCM, MACNull, false},
	{TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", KeyExchangeECDHEECDSA, CipherAES256GCM, MACNull, true},
	{TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchangeECDHERSA, CipherAES128GCM, MACNull, false},
	{TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", KeyExchangeECDHERSA, CipherAES256GCM, MACNull, true},
	{TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", KeyExchangeECDHERSA, CipherChaCha20Poly1305, MACNull, false},
	{TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", KeyExchangeECDHEECDSA, CipherChaCha20Poly1305, MACNull, false},
	{TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256, "TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256", KeyExchangeDHERSA, CipherChaCha20Poly1305, MACNull, false},
}

var suitesByID = func() map[uint16]*CipherSuite {
	m := make(map[uint16]*CipherSuite, len(cipherSuites))
	for _, s := range cipherSuites {
		m[s.ID] = s
	}
	return m
}()

// SuiteByID looks up a registered cipher suite. Unregistered ids may still be
// offered on the wire; they just cannot be negotiated into a cipher.
func SuiteByID(id uint16) (*CipherSuite, bool) {
	s, ok := suitesByID[id]
	return s, ok
}

// SuiteByName looks up a suite by its IANA name.
func SuiteByName(name string) (*CipherSuite, bool) {
	for _, s := range cipherSuites {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// SuiteName returns the IANA name or the hex id for unregistered suites.
func SuiteName(id uint16) string {
	if s, ok := suitesByID[id]; ok {
		return s.Name
	}
	return fmt.Sprintf("0x%04x", id)
}

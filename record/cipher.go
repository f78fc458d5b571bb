package record

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher protects record fragments for one direction of a connection.
// Implementations may be stateful (CBC IV chaining, RC4 keystream) and belong
// to exactly one Layer direction.
//
// seq is the 8-byte sequence field: the implicit 64-bit counter for TLS, or
// epoch(2) || sequence(6) for DTLS.
type Cipher interface {
	Seal(seq []byte, typ ContentType, version ProtocolVersion, plaintext []byte) ([]byte, error)
	Open(seq []byte, typ ContentType, version ProtocolVersion, fragment []byte) ([]byte, error)
}

// NullCipher returns the identity protection used before the first ChangeCipherSpec.
func NullCipher() Cipher {
	return nullCipher{}
}

type nullCipher struct{}

func (nullCipher) Seal(_ []byte, _ ContentType, _ ProtocolVersion, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (nullCipher) Open(_ []byte, _ ContentType, _ ProtocolVersion, fragment []byte) ([]byte, error) {
	return append([]byte(nil), fragment...), nil
}

// NewCipher builds the record protection for one direction of a negotiated suite.
func NewCipher(version ProtocolVersion, suite *CipherSuite, macKey, key, iv []byte) (Cipher, error) {
	if suite == nil {
		return nil, fmt.Errorf("no cipher suite")
	}
	if len(key) != suite.Cipher.keyLen() {
		return nil, fmt.Errorf("invalid key length for %s: got %d, expected %d", suite.Name, len(key), suite.Cipher.keyLen())
	}
	mac := newMAC(version, suite.MAC, macKey)

	switch suite.Cipher.kind() {
	case kindNull:
		if mac == nil {
			return nullCipher{}, nil
		}
		return &streamCipher{mac: mac}, nil
	case kindStream:
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create RC4 cipher: %v", err)
		}
		return &streamCipher{stream: c, mac: mac}, nil
	case kindBlock:
		var block cipher.Block
		var err error
		if suite.Cipher == Cipher3DES {
			block, err = des.NewTripleDESCipher(key)
		} else {
			block, err = aes.NewCipher(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create block cipher: %v", err)
		}
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("invalid IV length: got %d, expected %d", len(iv), block.BlockSize())
		}
		return &cbcCipher{
			block:    block,
			mac:      mac,
			iv:       append([]byte(nil), iv...),
			explicit: version.AtLeast(TLS11),
			ssl3:     version == SSL3,
			rand:     rand.Reader,
		}, nil
	case kindAEAD:
		var aead cipher.AEAD
		var err error
		if suite.Cipher == CipherChaCha20Poly1305 {
			aead, err = chacha20poly1305.New(key)
		} else {
			var block cipher.Block
			block, err = aes.NewCipher(key)
			if err == nil {
				aead, err = cipher.NewGCM(block)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create AEAD: %v", err)
		}
		if len(iv) != suite.Cipher.ivLen() {
			return nil, fmt.Errorf("invalid IV length: got %d, expected %d", len(iv), suite.Cipher.ivLen())
		}
		return &aeadCipher{
			aead:          aead,
			fixedIV:       append([]byte(nil), iv...),
			explicitNonce: suite.Cipher != CipherChaCha20Poly1305,
		}, nil
	}
	return nil, fmt.Errorf("unsupported cipher suite: %s", suite.Name)
}

type macFunction interface {
	Size() int
	MAC(seq []byte, typ ContentType, version ProtocolVersion, data []byte) []byte
}

func newMAC(version ProtocolVersion, alg MACAlgorithm, key []byte) macFunction {
	var hashFunc func() hash.Hash
	switch alg {
	case MACMD5:
		hashFunc = md5.New
	case MACSHA1:
		hashFunc = sha1.New
	case MACSHA256:
		hashFunc = sha256.New
	case MACSHA384:
		hashFunc = sha512.New384
	default:
		return nil
	}
	if version == SSL3 {
		padLen := 48
		if alg == MACSHA1 {
			padLen = 40
		}
		return &ssl30MAC{hashFunc: hashFunc, key: append([]byte(nil), key...), padLen: padLen}
	}
	return &tlsMAC{h: hmac.New(hashFunc, key)}
}

// tlsMAC is HMAC(seq_num + type + version + length + fragment) (RFC 5246 6.2.3.1).
type tlsMAC struct {
	h hash.Hash
}

func (m *tlsMAC) Size() int { return m.h.Size() }

func (m *tlsMAC) MAC(seq []byte, typ ContentType, version ProtocolVersion, data []byte) []byte {
	var hdr [5]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], uint16(version))
	binary.BigEndian.PutUint16(hdr[3:5], uint16(len(data)))

	m.h.Reset()
	m.h.Write(seq)
	m.h.Write(hdr[:])
	m.h.Write(data)
	return m.h.Sum(nil)
}

// ssl30MAC is the pre-HMAC construction of SSL 3.0, which omits the version.
type ssl30MAC struct {
	hashFunc func() hash.Hash
	key      []byte
	padLen   int
}

func (m *ssl30MAC) Size() int { return m.hashFunc().Size() }

func (m *ssl30MAC) MAC(seq []byte, typ ContentType, _ ProtocolVersion, data []byte) []byte {
	inner := m.hashFunc()
	inner.Write(m.key)
	inner.Write(ssl3Pad(0x36, m.padLen))
	inner.Write(seq)
	inner.Write([]byte{byte(typ), byte(len(data) >> 8), byte(len(data))})
	inner.Write(data)

	outer := m.hashFunc()
	outer.Write(m.key)
	outer.Write(ssl3Pad(0x5c, m.padLen))
	outer.Write(inner.Sum(nil))
	return outer.Sum(nil)
}

// streamCipher is MAC-then-encrypt with a stream cipher. A nil stream yields
// the MAC-only NULL suites.
type streamCipher struct {
	stream cipher.Stream
	mac    macFunction
}

func (c *streamCipher) Seal(seq []byte, typ ContentType, version ProtocolVersion, plaintext []byte) ([]byte, error) {
	out := append([]byte(nil), plaintext...)
	if c.mac != nil {
		out = append(out, c.mac.MAC(seq, typ, version, plaintext)...)
	}
	if c.stream != nil {
		c.stream.XORKeyStream(out, out)
	}
	return out, nil
}

func (c *streamCipher) Open(seq []byte, typ ContentType, version ProtocolVersion, fragment []byte) ([]byte, error) {
	payload := append([]byte(nil), fragment...)
	if c.stream != nil {
		c.stream.XORKeyStream(payload, payload)
	}
	if c.mac == nil {
		return payload, nil
	}
	if len(payload) < c.mac.Size() {
		return nil, ErrBadRecordMAC
	}
	n := len(payload) - c.mac.Size()
	expected := c.mac.MAC(seq, typ, version, payload[:n])
	if subtle.ConstantTimeCompare(expected, payload[n:]) != 1 {
		return nil, ErrBadRecordMAC
	}
	return payload[:n], nil
}

// cbcCipher is MAC-then-pad-then-encrypt. SSL 3.0 and TLS 1.0 chain the IV
// across records; TLS 1.1+ and DTLS send a fresh explicit IV per record.
type cbcCipher struct {
	block    cipher.Block
	mac      macFunction
	iv       []byte
	explicit bool
	ssl3     bool
	rand     io.Reader

	enc, dec cipher.BlockMode
}

func (c *cbcCipher) Seal(seq []byte, typ ContentType, version ProtocolVersion, plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()

	payload := append([]byte(nil), plaintext...)
	if c.mac != nil {
		payload = append(payload, c.mac.MAC(seq, typ, version, plaintext)...)
	}

	padLen := bs - len(payload)%bs
	for i := 0; i < padLen; i++ {
		if c.ssl3 && i < padLen-1 {
			payload = append(payload, 0)
			continue
		}
		payload = append(payload, byte(padLen-1))
	}

	if !c.explicit {
		if c.enc == nil {
			c.enc = cipher.NewCBCEncrypter(c.block, c.iv)
		}
		c.enc.CryptBlocks(payload, payload)
		return payload, nil
	}

	iv := make([]byte, bs)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("failed to generate explicit IV: %v", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(payload, payload)
	return append(iv, payload...), nil
}

func (c *cbcCipher) Open(seq []byte, typ ContentType, version ProtocolVersion, fragment []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	macSize := 0
	if c.mac != nil {
		macSize = c.mac.Size()
	}
	explicitLen := 0
	if c.explicit {
		explicitLen = bs
	}
	if len(fragment)%bs != 0 || len(fragment) < explicitLen+roundUp(macSize+1, bs) {
		return nil, ErrBadRecordMAC
	}

	payload := append([]byte(nil), fragment[explicitLen:]...)
	if c.explicit {
		cipher.NewCBCDecrypter(c.block, fragment[:explicitLen]).CryptBlocks(payload, payload)
	} else {
		if c.dec == nil {
			c.dec = cipher.NewCBCDecrypter(c.block, c.iv)
		}
		c.dec.CryptBlocks(payload, payload)
	}

	paddingLen := int(payload[len(payload)-1]) + 1
	paddingGood := paddingLen+macSize <= len(payload)
	if paddingGood && c.ssl3 {
		paddingGood = paddingLen <= bs
	} else if paddingGood {
		for _, b := range payload[len(payload)-paddingLen:] {
			if int(b) != paddingLen-1 {
				paddingGood = false
			}
		}
	}
	if !paddingGood {
		// Keep the MAC computation on the unpadded path so bad padding costs the same.
		paddingLen = 0
	}
	payload = payload[:len(payload)-paddingLen]

	if c.mac == nil {
		if !paddingGood {
			return nil, ErrBadRecordMAC
		}
		return payload, nil
	}
	n := len(payload) - macSize
	expected := c.mac.MAC(seq, typ, version, payload[:n])
	if subtle.ConstantTimeCompare(expected, payload[n:]) != 1 || !paddingGood {
		return nil, ErrBadRecordMAC
	}
	return payload[:n], nil
}

func roundUp(a, b int) int {
	return a + (b-a%b)%b
}

// aeadCipher follows RFC 5288 for AES-GCM (4-byte salt + 8-byte explicit
// nonce) and RFC 7905 for ChaCha20-Poly1305 (12-byte IV XOR sequence).
type aeadCipher struct {
	aead          cipher.AEAD
	fixedIV       []byte
	explicitNonce bool
}

func (c *aeadCipher) nonce(seq []byte) []byte {
	nonce := make([]byte, 12)
	if c.explicitNonce {
		copy(nonce[0:4], c.fixedIV)
		copy(nonce[4:12], seq)
		return nonce
	}
	copy(nonce, c.fixedIV)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= seq[i]
	}
	return nonce
}

func additionalData(seq []byte, typ ContentType, version ProtocolVersion, length int) []byte {
	ad := make([]byte, 13)
	copy(ad[0:8], seq)
	ad[8] = byte(typ)
	binary.BigEndian.PutUint16(ad[9:11], uint16(version))
	binary.BigEndian.PutUint16(ad[11:13], uint16(length))
	return ad
}

func (c *aeadCipher) Seal(seq []byte, typ ContentType, version ProtocolVersion, plaintext []byte) ([]byte, error) {
	nonce := c.nonce(seq)
	ad := additionalData(seq, typ, version, len(plaintext))

	var out []byte
	if c.explicitNonce {
		out = append(out, seq[:8]...)
	}
	return c.aead.Seal(out, nonce, plaintext, ad), nil
}

func (c *aeadCipher) Open(seq []byte, typ ContentType, version ProtocolVersion, fragment []byte) ([]byte, error) {
	var nonce []byte
	if c.explicitNonce {
		if len(fragment) < 8+c.aead.Overhead() {
			return nil, ErrBadRecordMAC
		}
		nonce = c.nonce(fragment[:8])
		fragment = fragment[8:]
	} else {
		if len(fragment) < c.aead.Overhead() {
			return nil, ErrBadRecordMAC
		}
		nonce = c.nonce(seq)
	}
	ad := additionalData(seq, typ, version, len(fragment)-c.aead.Overhead())
	plaintext, err := c.aead.Open(nil, nonce, fragment, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecordMAC, err)
	}
	return plaintext, nil
}

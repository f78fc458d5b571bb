package session

import "tlsprobe/record"

// Digest accumulates the bytes of digested handshake messages. The hash is
// computed on demand so the algorithm can change once ServerHello negotiates
// the version and suite.
type Digest struct {
	raw     []byte
	version record.ProtocolVersion
	suite   *record.CipherSuite
}

func NewDigest(version record.ProtocolVersion) *Digest {
	return &Digest{version: version}
}

// Append adds one serialized handshake message.
func (d *Digest) Append(b []byte) {
	d.raw = append(d.raw, b...)
}

// Reset selects the hash for the negotiated version and suite. Accumulated
// bytes are kept.
func (d *Digest) Reset(version record.ProtocolVersion, suite *record.CipherSuite) {
	d.version = version
	d.suite = suite
}

// Clear drops accumulated bytes, as a DTLS HelloVerifyRequest requires.
func (d *Digest) Clear() {
	d.raw = nil
}

// Raw returns the accumulated bytes.
func (d *Digest) Raw() []byte { return d.raw }

// Len is the number of accumulated bytes.
func (d *Digest) Len() int { return len(d.raw) }

// Sum hashes the accumulated bytes with the negotiated algorithm.
func (d *Digest) Sum() []byte {
	return record.TranscriptHash(d.version, d.suite, d.raw)
}

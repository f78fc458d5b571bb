package record

import (
	"encoding/binary"
	"fmt"
)

// Record is one on-wire record. Payload holds the plaintext fragment, Protected
// the fragment as it appears after the header.
type Record struct {
	ContentType    ContentType
	Version        ProtocolVersion
	Length         int
	Epoch          uint16
	SequenceNumber uint64
	SSL2           bool
	Payload        []byte
	Protected      []byte
}

// Template requests an exact record boundary. Length zero consumes the rest of
// the data; zero ContentType and Version inherit the caller's values.
type Template struct {
	Length      int             `json:"length,omitempty"`
	ContentType ContentType     `json:"contentType,omitempty"`
	Version     ProtocolVersion `json:"version,omitempty"`
}

type halfState struct {
	cipher Cipher
	seq    uint64
	epoch  uint16
}

// seqBytes is the sequence field fed to the MAC/AEAD.
func (h *halfState) seqBytes(dtls bool) []byte {
	var b [8]byte
	if dtls {
		binary.BigEndian.PutUint64(b[:], h.seq)
		binary.BigEndian.PutUint16(b[0:2], h.epoch)
		return b[:]
	}
	binary.BigEndian.PutUint64(b[:], h.seq)
	return b[:]
}

func (h *halfState) increment(dtls bool) error {
	limit := ^uint64(0)
	if dtls {
		limit = 1<<48 - 1
	}
	if h.seq == limit {
		return ErrSequenceWrap
	}
	h.seq++
	return nil
}

// Layer frames bytes into records for one connection. It is not safe for
// concurrent use; each probe owns its own Layer.
type Layer struct {
	version     ProtocolVersion
	maxFragment int
	write, read halfState
}

// NewLayer creates a record layer with null protection in both directions.
func NewLayer(version ProtocolVersion) *Layer {
	return &Layer{
		version:     version,
		maxFragment: MaxPlaintextLength,
		write:       halfState{cipher: nullCipher{}},
		read:        halfState{cipher: nullCipher{}},
	}
}

// Version returns the version written into record headers.
func (l *Layer) Version() ProtocolVersion { return l.version }

// SetVersion changes the header version of subsequently wrapped records.
func (l *Layer) SetVersion(v ProtocolVersion) { l.version = v }

// SetMaxFragmentLength bounds automatic chunking. Explicit templates may exceed it.
func (l *Layer) SetMaxFragmentLength(n int) {
	if n <= 0 || n > 0xffff {
		n = MaxPlaintextLength
	}
	l.maxFragment = n
}

// MaxFragmentLength is the automatic chunking bound.
func (l *Layer) MaxFragmentLength() int { return l.maxFragment }

func (l *Layer) half(d Direction) *halfState {
	if d == Write {
		return &l.write
	}
	return &l.read
}

// SetCipher installs c for direction d. Sequence numbers restart at zero and
// the DTLS epoch advances.
func (l *Layer) SetCipher(d Direction, c Cipher) {
	h := l.half(d)
	h.cipher = c
	h.seq = 0
	h.epoch++
}

// Encrypting reports whether direction d has left the null cipher.
func (l *Layer) Encrypting(d Direction) bool {
	_, isNull := l.half(d).cipher.(nullCipher)
	return !isNull
}

// Epoch returns the current DTLS epoch of direction d.
func (l *Layer) Epoch(d Direction) uint16 {
	return l.half(d).epoch
}

// Wrap protects data with the active write cipher and frames it into records.
// Templates are honoured in order; remaining data is chunked automatically.
// Empty data still produces one empty record.
func (l *Layer) Wrap(data []byte, typ ContentType, templates []Template) ([]*Record, []byte, error) {
	var records []*Record
	var wire []byte

	emit := func(t ContentType, v ProtocolVersion, chunk []byte) error {
		rec, raw, err := l.seal(t, v, chunk)
		if err != nil {
			return err
		}
		records = append(records, rec)
		wire = append(wire, raw...)
		return nil
	}

	rest := data
	for _, tpl := range templates {
		if len(rest) == 0 && len(records) > 0 {
			break
		}
		t, v := typ, l.version
		if tpl.ContentType != 0 {
			t = tpl.ContentType
		}
		if tpl.Version != VersionUnset {
			v = tpl.Version
		}
		if tpl.Length > 0 {
			n := min(tpl.Length, len(rest))
			if err := emit(t, v, rest[:n]); err != nil {
				return nil, nil, err
			}
			rest = rest[n:]
			continue
		}
		for first := true; first || len(rest) > 0; first = false {
			n := min(l.maxFragment, len(rest))
			if err := emit(t, v, rest[:n]); err != nil {
				return nil, nil, err
			}
			rest = rest[n:]
		}
	}

	for len(rest) > 0 || len(records) == 0 {
		n := min(l.maxFragment, len(rest))
		if err := emit(typ, l.version, rest[:n]); err != nil {
			return nil, nil, err
		}
		rest = rest[n:]
	}
	return records, wire, nil
}

func (l *Layer) seal(typ ContentType, version ProtocolVersion, plaintext []byte) (*Record, []byte, error) {
	if l.version == SSL2 {
		if len(plaintext) > 0x7fff {
			return nil, nil, fmt.Errorf("SSLv2 record too long: %d", len(plaintext))
		}
		raw := make([]byte, 2, 2+len(plaintext))
		binary.BigEndian.PutUint16(raw, uint16(len(plaintext))|0x8000)
		raw = append(raw, plaintext...)
		return &Record{
			ContentType: typ,
			Version:     SSL2,
			Length:      len(plaintext),
			SSL2:        true,
			Payload:     append([]byte(nil), plaintext...),
			Protected:   raw[2:],
		}, raw, nil
	}

	dtls := l.version.IsDTLS()
	h := &l.write
	protected, err := h.cipher.Seal(h.seqBytes(dtls), typ, version, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal %s record: %v", typ, err)
	}
	if len(protected) > 0xffff {
		return nil, nil, fmt.Errorf("record fragment too long: %d", len(protected))
	}

	rec := &Record{
		ContentType:    typ,
		Version:        version,
		Length:         len(protected),
		Epoch:          h.epoch,
		SequenceNumber: h.seq,
		Payload:        append([]byte(nil), plaintext...),
		Protected:      protected,
	}

	var raw []byte
	if dtls {
		raw = make([]byte, DTLSHeaderSize, DTLSHeaderSize+len(protected))
		raw[0] = byte(typ)
		binary.BigEndian.PutUint16(raw[1:3], uint16(version))
		binary.BigEndian.PutUint16(raw[3:5], h.epoch)
		putUint48(raw[5:11], h.seq)
		binary.BigEndian.PutUint16(raw[11:13], uint16(len(protected)))
	} else {
		raw = make([]byte, HeaderSize, HeaderSize+len(protected))
		raw[0] = byte(typ)
		binary.BigEndian.PutUint16(raw[1:3], uint16(version))
		binary.BigEndian.PutUint16(raw[3:5], uint16(len(protected)))
	}
	raw = append(raw, protected...)

	if err := h.increment(dtls); err != nil {
		return nil, nil, err
	}
	return rec, raw, nil
}

// Unwrap parses the framing of every complete record at the start of raw. It
// does not decrypt; call Open on each record once the records before it have
// been processed. consumed is the number of bytes the records occupied.
func (l *Layer) Unwrap(raw []byte) ([]*Record, int, error) {
	var records []*Record
	consumed := 0
	for {
		rec, n := l.parseHeader(raw[consumed:])
		if rec == nil {
			break
		}
		records = append(records, rec)
		consumed += n
	}
	if len(records) == 0 {
		return nil, 0, ErrNeedMoreBytes
	}
	return records, consumed, nil
}

func (l *Layer) parseHeader(b []byte) (*Record, int) {
	if l.version == SSL2 && len(b) >= 2 && b[0]&0x80 != 0 {
		n := int(binary.BigEndian.Uint16(b) & 0x7fff)
		if len(b) < 2+n {
			return nil, 0
		}
		return &Record{
			ContentType: Handshake,
			Version:     SSL2,
			Length:      n,
			SSL2:        true,
			Protected:   append([]byte(nil), b[2:2+n]...),
		}, 2 + n
	}

	if l.version.IsDTLS() {
		if len(b) < DTLSHeaderSize {
			return nil, 0
		}
		n := int(binary.BigEndian.Uint16(b[11:13]))
		if len(b) < DTLSHeaderSize+n {
			return nil, 0
		}
		return &Record{
			ContentType:    ContentType(b[0]),
			Version:        ProtocolVersion(binary.BigEndian.Uint16(b[1:3])),
			Epoch:          binary.BigEndian.Uint16(b[3:5]),
			SequenceNumber: uint48(b[5:11]),
			Length:         n,
			Protected:      append([]byte(nil), b[DTLSHeaderSize:DTLSHeaderSize+n]...),
		}, DTLSHeaderSize + n
	}

	if len(b) < HeaderSize {
		return nil, 0
	}
	n := int(binary.BigEndian.Uint16(b[3:5]))
	if len(b) < HeaderSize+n {
		return nil, 0
	}
	return &Record{
		ContentType: ContentType(b[0]),
		Version:     ProtocolVersion(binary.BigEndian.Uint16(b[1:3])),
		Length:      n,
		Protected:   append([]byte(nil), b[HeaderSize:HeaderSize+n]...),
	}, HeaderSize + n
}

// Open removes the protection of rec with the active read cipher and fills
// rec.Payload.
func (l *Layer) Open(rec *Record) error {
	if rec.SSL2 {
		rec.Payload = append([]byte(nil), rec.Protected...)
		return nil
	}
	dtls := l.version.IsDTLS()
	h := &l.read
	seq := h.seqBytes(dtls)
	if dtls {
		// DTLS carries the sequence explicitly.
		binary.BigEndian.PutUint16(seq[0:2], rec.Epoch)
		putUint48(seq[2:8], rec.SequenceNumber)
	}
	plaintext, err := h.cipher.Open(seq, rec.ContentType, rec.Version, rec.Protected)
	if err != nil {
		return fmt.Errorf("failed to open %s record: %w", rec.ContentType, err)
	}
	rec.Payload = plaintext
	if dtls {
		h.seq = rec.SequenceNumber
	}
	return h.increment(dtls)
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

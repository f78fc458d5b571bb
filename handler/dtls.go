package handler

import (
	"slices"

	"golang.org/x/crypto/cryptobyte"
)

const dtlsHeaderLength = 12

// maxDTLSMessageLength bounds the buffer a single fragment header can
// reserve. Larger claims are treated as garbage.
const maxDTLSMessageLength = 1 << 16

// fragmentKey identifies a DTLS handshake fragment. Retransmissions repeat
// the same key and are dropped.
type fragmentKey struct {
	seq    uint16
	offset uint32
	length uint32
}

type partialMessage struct {
	typ     uint8
	length  uint32
	body    []byte
	covered []bool
	missing uint32
}

// Reassembler joins fragmented DTLS handshake messages. It is fed decrypted
// handshake record payloads in arrival order and releases complete messages
// strictly in message_seq order.
type Reassembler struct {
	seen    map[fragmentKey]bool
	pending map[uint16]*partialMessage
	ready   map[uint16][]byte
	next    uint16
}

func NewReassembler() *Reassembler {
	return &Reassembler{
		seen:    make(map[fragmentKey]bool),
		pending: make(map[uint16]*partialMessage),
		ready:   make(map[uint16][]byte),
	}
}

// Add consumes handshake fragments and returns the messages that are complete
// and contiguous with those returned before, each re-framed unfragmented.
// Messages behind a gap are held. Bytes that do not frame as a fragment are
// returned verbatim after them so that parsing fails where the peer
// misbehaved.
func (r *Reassembler) Add(data []byte) []byte {
	s := cryptobyte.String(data)
	var garbage []byte
	for !s.Empty() {
		rest := []byte(s)
		var typ uint8
		var length, fragOffset, fragLen uint32
		var seq uint16
		var frag []byte
		if !s.ReadUint8(&typ) || !s.ReadUint24(&length) || !s.ReadUint16(&seq) ||
			!s.ReadUint24(&fragOffset) || !s.ReadUint24(&fragLen) ||
			!s.ReadBytes(&frag, int(fragLen)) || uint64(fragOffset)+uint64(fragLen) > uint64(length) ||
			length > maxDTLSMessageLength {
			garbage = append([]byte(nil), rest...)
			break
		}
		r.addFragment(typ, length, seq, fragOffset, frag)
	}

	var out []byte
	for {
		msg, ok := r.ready[r.next]
		if !ok {
			break
		}
		out = append(out, msg...)
		delete(r.ready, r.next)
		r.next++
	}
	return append(out, garbage...)
}

// Pending reports whether a partially received message is buffered.
func (r *Reassembler) Pending() bool { return len(r.pending) > 0 }

// Held reports whether complete messages wait behind a message_seq gap.
func (r *Reassembler) Held() bool { return len(r.ready) > 0 }

// Flush gives up on the gap and returns every held message in message_seq
// order. Reassembly continues after the highest one returned.
func (r *Reassembler) Flush() []byte {
	seqs := make([]uint16, 0, len(r.ready))
	for seq := range r.ready {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	var out []byte
	for _, seq := range seqs {
		out = append(out, r.ready[seq]...)
		delete(r.ready, seq)
		r.next = seq + 1
	}
	for seq := range r.pending {
		if seq < r.next {
			delete(r.pending, seq)
		}
	}
	return out
}

func (r *Reassembler) addFragment(typ uint8, length uint32, seq uint16, offset uint32, frag []byte) {
	key := fragmentKey{seq: seq, offset: offset, length: uint32(len(frag))}
	if seq < r.next || r.seen[key] {
		return
	}
	r.seen[key] = true

	p, ok := r.pending[seq]
	if !ok {
		p = &partialMessage{
			typ:     typ,
			length:  length,
			body:    make([]byte, length),
			covered: make([]bool, length),
			missing: length,
		}
		r.pending[seq] = p
	}
	if p.length != length || p.typ != typ {
		return
	}
	copy(p.body[offset:], frag)
	for i := offset; i < offset+uint32(len(frag)); i++ {
		if !p.covered[i] {
			p.covered[i] = true
			p.missing--
		}
	}
	if p.missing > 0 {
		return
	}
	delete(r.pending, seq)
	r.ready[seq] = frameDTLS(p.typ, seq, p.body)
}

func frameDTLS(typ uint8, seq uint16, body []byte) []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, dtlsHeaderLength+len(body)))
	b.AddUint8(typ)
	b.AddUint24(uint32(len(body)))
	b.AddUint16(seq)
	b.AddUint24(0)
	b.AddUint24(uint32(len(body)))
	b.AddBytes(body)
	return b.BytesOrPanic()
}

func frameFragment(typ uint8, length uint32, seq uint16, offset uint32, frag []byte) []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, dtlsHeaderLength+len(frag)))
	b.AddUint8(typ)
	b.AddUint24(length)
	b.AddUint16(seq)
	b.AddUint24(offset)
	b.AddUint24(uint32(len(frag)))
	b.AddBytes(frag)
	return b.BytesOrPanic()
}

// FragmentDTLS lays serialized DTLS handshake messages out as record
// payloads made of whole fragments. Payload i holds at most sizes[i] bytes
// when that is positive and limit bytes otherwise. A message is split, each
// piece re-framed with its own fragment header, only where it does not fit;
// an explicit size is filled before the next payload starts. Messages that
// fit keep their serialized bytes, overridden header fields included.
func FragmentDTLS(msgs [][]byte, sizes []int, limit int) [][]byte {
	var payloads [][]byte
	var cur []byte
	explicit := func() bool {
		i := len(payloads)
		return i < len(sizes) && sizes[i] > 0
	}
	capacity := func() int {
		if explicit() {
			return sizes[len(payloads)]
		}
		return limit
	}
	flush := func() {
		payloads = append(payloads, cur)
		cur = nil
	}

	for _, msg := range msgs {
		if len(msg) < dtlsHeaderLength {
			if len(cur) > 0 && len(cur)+len(msg) > capacity() {
				flush()
			}
			cur = append(cur, msg...)
			continue
		}
		s := cryptobyte.String(msg)
		var typ uint8
		var length, baseOffset, ignored uint32
		var seq uint16
		s.ReadUint8(&typ)
		s.ReadUint24(&length)
		s.ReadUint16(&seq)
		s.ReadUint24(&baseOffset)
		s.ReadUint24(&ignored)
		body := []byte(s)

		off := 0
		for {
			room := capacity() - len(cur)
			if off == 0 && len(msg) <= room {
				cur = append(cur, msg...)
				break
			}
			if len(cur) > 0 && (room <= dtlsHeaderLength || (off == 0 && !explicit() && len(msg) <= limit)) {
				flush()
				continue
			}
			if len(body) == 0 {
				cur = append(cur, msg...)
				break
			}
			n := min(max(room-dtlsHeaderLength, 1), len(body)-off)
			cur = append(cur, frameFragment(typ, length, seq, baseOffset+uint32(off), body[off:off+n])...)
			off += n
			if off >= len(body) {
				break
			}
			flush()
		}
	}
	if len(cur) > 0 {
		flush()
	}
	return payloads
}

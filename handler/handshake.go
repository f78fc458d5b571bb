package handler

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/message"
	"tlsprobe/session"
)

var (
	errTruncated = errors.New("truncated message")
	errTrailing  = errors.New("trailing bytes after message body")
)

// body is the variant-specific part of a handshake message. The framing
// around it is shared by handshakeHandler.
type body interface {
	parse(ctx *session.Context, m message.Message, s cryptobyte.String) error
	prepare(ctx *session.Context, m message.Message) error
	serialize(ctx *session.Context, m message.Message) ([]byte, error)
	adjust(ctx *session.Context, m message.Message) error
}

type handshakeHandler struct {
	noAfterWrap
	typ  message.Type
	body body
}

func newHandshakeHandler(t message.Type, b body) *handshakeHandler {
	return &handshakeHandler{typ: t, body: b}
}

// HandshakeHeaderLength is 12 for DTLS and 4 otherwise.
func HandshakeHeaderLength(ctx *session.Context) int {
	if ctx.IsDTLS() {
		return 12
	}
	return 4
}

func (h *handshakeHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	hdrLen := HandshakeHeaderLength(ctx)
	if offset < 0 || len(data)-offset < hdrLen {
		return nil, offset, &ParseError{Type: h.typ, Offset: offset, Err: errTruncated}
	}

	m := message.New(h.typ, ctx.TalkingEnd)
	head := m.(message.Handshake).Header()
	s := cryptobyte.String(data[offset:])

	var typ uint8
	var length uint32
	s.ReadUint8(&typ)
	s.ReadUint24(&length)
	head.HandshakeType.SetDefault(typ)
	head.Length.SetDefault(length)

	bodyLen := length
	if hdrLen == 12 {
		var seq uint16
		var fragOffset, fragLen uint32
		s.ReadUint16(&seq)
		s.ReadUint24(&fragOffset)
		s.ReadUint24(&fragLen)
		head.MessageSeq.SetDefault(seq)
		head.FragmentOffset.SetDefault(fragOffset)
		head.FragmentLength.SetDefault(fragLen)
		bodyLen = fragLen
	}

	var b []byte
	if !s.ReadBytes(&b, int(bodyLen)) {
		return nil, offset, &ParseError{Type: h.typ, Offset: offset, Err: errTruncated}
	}
	end := offset + hdrLen + int(bodyLen)
	m.Common().Raw = append([]byte(nil), data[offset:end]...)

	if err := h.body.parse(ctx, m, cryptobyte.String(b)); err != nil {
		return nil, offset, &ParseError{Type: h.typ, Offset: offset, Err: err}
	}
	return m, end, nil
}

func (h *handshakeHandler) Prepare(ctx *session.Context, m message.Message) error {
	if err := h.body.prepare(ctx, m); err != nil {
		return err
	}
	if ctx.IsDTLS() {
		m.(message.Handshake).Header().MessageSeq.SetDefault(ctx.WriteMessageSeq)
		ctx.WriteMessageSeq++
	}
	return nil
}

func (h *handshakeHandler) Serialize(ctx *session.Context, m message.Message) ([]byte, error) {
	b, err := h.body.serialize(ctx, m)
	if err != nil {
		return nil, err
	}
	head := m.(message.Handshake).Header()
	head.Length.SetDefault(uint32(len(b)))

	out := cryptobyte.NewBuilder(nil)
	out.AddUint8(head.HandshakeType.Get())
	out.AddUint24(head.Length.Get())
	if ctx.IsDTLS() {
		head.FragmentLength.SetDefault(uint32(len(b)))
		out.AddUint16(head.MessageSeq.Get())
		out.AddUint24(head.FragmentOffset.Get())
		out.AddUint24(head.FragmentLength.Get())
	}
	out.AddBytes(b)
	return out.Bytes()
}

func (h *handshakeHandler) AdjustContext(ctx *session.Context, m message.Message) error {
	if ctx.IsDTLS() && !ctx.IsOurs(m.Common().Issuer) {
		ctx.ReadMessageSeq = m.(message.Handshake).Header().MessageSeq.Get() + 1
	}
	return h.body.adjust(ctx, m)
}

// emptyBody serves HelloRequest and ServerHelloDone.
type emptyBody struct{}

func (emptyBody) parse(_ *session.Context, _ message.Message, s cryptobyte.String) error {
	if !s.Empty() {
		return errTrailing
	}
	return nil
}

func (emptyBody) prepare(*session.Context, message.Message) error { return nil }

func (emptyBody) serialize(*session.Context, message.Message) ([]byte, error) { return nil, nil }

func (emptyBody) adjust(*session.Context, message.Message) error { return nil }

// HandshakeMessagesLength returns how many leading bytes of data form
// complete handshake messages. The rest is a message still being received.
func HandshakeMessagesLength(ctx *session.Context, data []byte) int {
	hdrLen := HandshakeHeaderLength(ctx)
	n := 0
	for len(data)-n >= hdrLen {
		s := cryptobyte.String(data[n+1:])
		var length uint32
		s.ReadUint24(&length)
		if hdrLen == 12 {
			s.Skip(5)
			s.ReadUint24(&length)
		}
		end := n + hdrLen + int(length)
		if end > len(data) {
			break
		}
		n = end
	}
	return n
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return b
}

func readUint8Bytes(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

func readUint16Bytes(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

func readUint16List(s *cryptobyte.String, out *[]uint16) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) || len(v)%2 != 0 {
		return false
	}
	list := make([]uint16, 0, len(v)/2)
	for !v.Empty() {
		var x uint16
		v.ReadUint16(&x)
		list = append(list, x)
	}
	*out = list
	return true
}

func addUint16List(b *cryptobyte.Builder, list []uint16) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, x := range list {
			b.AddUint16(x)
		}
	})
}

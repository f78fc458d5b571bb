package handler

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
)

// parsed attaches the consumed bytes to a freshly decoded message.
func parsed(m message.Message, data []byte, offset, end int) (message.Message, int, error) {
	m.Common().Raw = append([]byte(nil), data[offset:end]...)
	return m, end, nil
}

type changeCipherSpecHandler struct{}

func (changeCipherSpecHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	if offset >= len(data) {
		return nil, offset, &ParseError{Type: message.TypeChangeCipherSpec, Offset: offset, Err: errTruncated}
	}
	m := message.New(message.TypeChangeCipherSpec, ctx.TalkingEnd).(*message.ChangeCipherSpec)
	m.Payload.SetDefault(data[offset])
	return parsed(m, data, offset, offset+1)
}

func (changeCipherSpecHandler) Prepare(*session.Context, message.Message) error { return nil }

func (changeCipherSpecHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	return []byte{m.(*message.ChangeCipherSpec).Payload.Get()}, nil
}

// AdjustContext switches the read side on the peer's ChangeCipherSpec.
func (changeCipherSpecHandler) AdjustContext(ctx *session.Context, m message.Message) error {
	if ctx.IsOurs(m.Common().Issuer) {
		return nil
	}
	return ctx.InstallCipher(m.Common().Issuer)
}

// AfterWrap switches the write side only after our ChangeCipherSpec record
// itself went out under the old protection.
func (changeCipherSpecHandler) AfterWrap(ctx *session.Context, m message.Message) error {
	if !ctx.IsOurs(m.Common().Issuer) {
		return nil
	}
	return ctx.InstallCipher(m.Common().Issuer)
}

type alertHandler struct{ noAfterWrap }

func (alertHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	if len(data)-offset < 2 {
		return nil, offset, &ParseError{Type: message.TypeAlert, Offset: offset, Err: errTruncated}
	}
	m := message.New(message.TypeAlert, ctx.TalkingEnd).(*message.Alert)
	m.Level.SetDefault(data[offset])
	m.Description.SetDefault(data[offset+1])
	return parsed(m, data, offset, offset+2)
}

func (alertHandler) Prepare(_ *session.Context, m message.Message) error {
	a := m.(*message.Alert)
	a.Level.SetDefault(message.AlertLevelWarning)
	a.Description.SetDefault(message.AlertCloseNotify)
	return nil
}

func (alertHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	a := m.(*message.Alert)
	return []byte{a.Level.Get(), a.Description.Get()}, nil
}

func (alertHandler) AdjustContext(ctx *session.Context, m message.Message) error {
	a := m.(*message.Alert)
	if ctx.IsOurs(a.Issuer) {
		return nil
	}
	ctx.ReceivedAlerts = append(ctx.ReceivedAlerts, a)
	if a.Level.Get() == message.AlertLevelFatal {
		ctx.ReceivedFatalAlert = true
	}
	ctx.Logger.Info("Received alert", zap.String("alert", a.String()))
	return nil
}

// applicationDataHandler takes the whole remaining run as one message.
type applicationDataHandler struct{ noAfterWrap }

func (applicationDataHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	m := message.New(message.TypeApplicationData, ctx.TalkingEnd).(*message.ApplicationData)
	m.Data.SetDefault(append([]byte(nil), data[offset:]...))
	return parsed(m, data, offset, len(data))
}

func (applicationDataHandler) Prepare(*session.Context, message.Message) error { return nil }

func (applicationDataHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	return append([]byte(nil), m.(*message.ApplicationData).Data.Get()...), nil
}

func (applicationDataHandler) AdjustContext(*session.Context, message.Message) error { return nil }

const heartbeatPaddingLength = 16

type heartbeatHandler struct{ noAfterWrap }

// Parse trusts payload_length only as far as the record goes; the rest is
// padding.
func (heartbeatHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	s := cryptobyte.String(data[offset:])
	var typ uint8
	var length uint16
	if !s.ReadUint8(&typ) || !s.ReadUint16(&length) {
		return nil, offset, &ParseError{Type: message.TypeHeartbeat, Offset: offset, Err: errTruncated}
	}
	n := min(int(length), len(s))
	m := message.New(message.TypeHeartbeat, ctx.TalkingEnd).(*message.Heartbeat)
	m.HeartbeatType.SetDefault(typ)
	m.PayloadLength.SetDefault(length)
	m.Payload.SetDefault(append([]byte(nil), s[:n]...))
	m.Padding.SetDefault(append([]byte(nil), s[n:]...))
	return parsed(m, data, offset, len(data))
}

func (heartbeatHandler) Prepare(_ *session.Context, m message.Message) error {
	hb := m.(*message.Heartbeat)
	hb.HeartbeatType.SetDefault(message.HeartbeatRequest)
	hb.Payload.SetDefault(randomBytes(16))
	hb.PayloadLength.SetDefault(uint16(len(hb.Payload.Get())))
	hb.Padding.SetDefault(randomBytes(heartbeatPaddingLength))
	return nil
}

func (heartbeatHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	hb := m.(*message.Heartbeat)
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(hb.HeartbeatType.Get())
	b.AddUint16(hb.PayloadLength.Get())
	b.AddBytes(hb.Payload.Get())
	b.AddBytes(hb.Padding.Get())
	return b.Bytes()
}

func (heartbeatHandler) AdjustContext(ctx *session.Context, m message.Message) error {
	hb := m.(*message.Heartbeat)
	if ctx.IsOurs(hb.Issuer) {
		return nil
	}
	ctx.HeartbeatsReceived++
	if hb.HeartbeatType.Get() == message.HeartbeatResponse && int(hb.PayloadLength.Get()) > len(hb.Payload.Get()) {
		return fmt.Errorf("heartbeat response claims %d payload bytes but carries %d",
			hb.PayloadLength.Get(), len(hb.Payload.Get()))
	}
	return nil
}

// unknownHandler keeps bytes no other handler accepts.
type unknownHandler struct{ noAfterWrap }

func (unknownHandler) Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error) {
	m := message.New(message.TypeUnknown, ctx.TalkingEnd).(*message.Unknown)
	m.Data = append([]byte(nil), data[offset:]...)
	m.Reason = "unrecognised message"
	return parsed(m, data, offset, len(data))
}

func (unknownHandler) Prepare(*session.Context, message.Message) error { return nil }

func (unknownHandler) Serialize(_ *session.Context, m message.Message) ([]byte, error) {
	return append([]byte(nil), m.(*message.Unknown).Data...), nil
}

func (unknownHandler) AdjustContext(*session.Context, message.Message) error { return nil }

// NewUnknown wraps bytes that failed to parse so the trace records where the
// peer diverged.
func NewUnknown(ctx *session.Context, ct record.ContentType, data []byte, reason string) *message.Unknown {
	m := message.New(message.TypeUnknown, ctx.OurEnd().Peer()).(*message.Unknown)
	m.ContentType = ct
	m.Data = append([]byte(nil), data...)
	m.Raw = m.Data
	m.Reason = reason
	return m
}

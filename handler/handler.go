// Package handler encodes, decodes and applies protocol messages. Every
// message.Type has exactly one Handler; the executor only ever talks to the
// Handler interface and the PrepareMessage/ParseMessage flows.
package handler

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/session"
)

var (
	// ErrParse marks bytes that do not decode as the expected message.
	ErrParse = errors.New("parse error")
	// ErrCrypto marks unusable key material or a failing primitive.
	ErrCrypto = errors.New("cryptographic failure")
)

// ParseError describes a message that could not be decoded at Offset.
type ParseError struct {
	Type   message.Type
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s at offset %d: %v", e.Type, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// Handler implements one message variant.
type Handler interface {
	// Parse decodes one message starting at offset and returns the offset
	// after it. The message is attributed to ctx.TalkingEnd.
	Parse(ctx *session.Context, data []byte, offset int) (message.Message, int, error)
	// Prepare fills default field values, leaving overrides untouched.
	Prepare(ctx *session.Context, m message.Message) error
	// Serialize encodes m using overrides where present.
	Serialize(ctx *session.Context, m message.Message) ([]byte, error)
	// AdjustContext applies m to the session state.
	AdjustContext(ctx *session.Context, m message.Message) error
	// AfterWrap runs once an outgoing message has been framed into records.
	AfterWrap(ctx *session.Context, m message.Message) error
}

// noAfterWrap is embedded by handlers with nothing to do after wrapping.
type noAfterWrap struct{}

func (noAfterWrap) AfterWrap(*session.Context, message.Message) error { return nil }

var handlers map[message.Type]Handler

func init() {
	handlers = map[message.Type]Handler{
		message.TypeClientHello:            newHandshakeHandler(message.TypeClientHello, clientHelloBody{}),
		message.TypeServerHello:            newHandshakeHandler(message.TypeServerHello, serverHelloBody{}),
		message.TypeCertificate:            newHandshakeHandler(message.TypeCertificate, certificateBody{}),
		message.TypeServerKeyExchangeDHE:   newHandshakeHandler(message.TypeServerKeyExchangeDHE, dheServerKeyExchangeBody{}),
		message.TypeServerKeyExchangeECDHE: newHandshakeHandler(message.TypeServerKeyExchangeECDHE, ecdheServerKeyExchangeBody{}),
		message.TypeCertificateRequest:     newHandshakeHandler(message.TypeCertificateRequest, certificateRequestBody{}),
		message.TypeServerHelloDone:        newHandshakeHandler(message.TypeServerHelloDone, emptyBody{}),
		message.TypeClientKeyExchangeRSA:   newHandshakeHandler(message.TypeClientKeyExchangeRSA, rsaClientKeyExchangeBody{}),
		message.TypeClientKeyExchangeDH:    newHandshakeHandler(message.TypeClientKeyExchangeDH, dhClientKeyExchangeBody{}),
		message.TypeClientKeyExchangeECDH:  newHandshakeHandler(message.TypeClientKeyExchangeECDH, ecdhClientKeyExchangeBody{}),
		message.TypeCertificateVerify:      newHandshakeHandler(message.TypeCertificateVerify, certificateVerifyBody{}),
		message.TypeFinished:               newHandshakeHandler(message.TypeFinished, finishedBody{}),
		message.TypeHelloRequest:           newHandshakeHandler(message.TypeHelloRequest, emptyBody{}),
		message.TypeHelloVerifyRequest:     newHandshakeHandler(message.TypeHelloVerifyRequest, helloVerifyRequestBody{}),
		message.TypeSSL2ClientHello:        ssl2ClientHelloHandler{},
		message.TypeSSL2ServerHello:        ssl2ServerHelloHandler{},
		message.TypeChangeCipherSpec:       changeCipherSpecHandler{},
		message.TypeAlert:                  alertHandler{},
		message.TypeApplicationData:        applicationDataHandler{},
		message.TypeHeartbeat:              heartbeatHandler{},
		message.TypeUnknown:                unknownHandler{},
	}
}

// For returns the handler of t.
func For(t message.Type) Handler {
	if h, ok := handlers[t]; ok {
		return h
	}
	return handlers[message.TypeUnknown]
}

// ForRecord selects the handler for the next message in a run of records of
// content type ct. Handshake messages are told apart by their type byte and,
// for key exchanges, by the negotiated suite.
func ForRecord(ctx *session.Context, ct record.ContentType, data []byte, offset int) Handler {
	switch ct {
	case record.ChangeCipherSpec:
		return For(message.TypeChangeCipherSpec)
	case record.Alert:
		return For(message.TypeAlert)
	case record.ApplicationData:
		return For(message.TypeApplicationData)
	case record.Heartbeat:
		return For(message.TypeHeartbeat)
	case record.Handshake:
	default:
		return For(message.TypeUnknown)
	}

	if offset >= len(data) {
		return For(message.TypeUnknown)
	}
	if ctx.RecordLayer.Version() == record.SSL2 {
		switch data[offset] {
		case message.SSL2MsgClientHello:
			return For(message.TypeSSL2ClientHello)
		case message.SSL2MsgServerHello:
			return For(message.TypeSSL2ServerHello)
		}
		return For(message.TypeUnknown)
	}

	kex := ctx.KeyExchange()
	switch data[offset] {
	case message.HandshakeHelloRequest:
		return For(message.TypeHelloRequest)
	case message.HandshakeClientHello:
		return For(message.TypeClientHello)
	case message.HandshakeServerHello:
		return For(message.TypeServerHello)
	case message.HandshakeHelloVerifyRequest:
		return For(message.TypeHelloVerifyRequest)
	case message.HandshakeCertificate:
		return For(message.TypeCertificate)
	case message.HandshakeServerKeyExchange:
		switch {
		case kex.IsECDH():
			return For(message.TypeServerKeyExchangeECDHE)
		case kex.IsDH():
			return For(message.TypeServerKeyExchangeDHE)
		}
	case message.HandshakeCertificateRequest:
		return For(message.TypeCertificateRequest)
	case message.HandshakeServerHelloDone:
		return For(message.TypeServerHelloDone)
	case message.HandshakeCertificateVerify:
		return For(message.TypeCertificateVerify)
	case message.HandshakeClientKeyExchange:
		switch {
		case kex.IsECDH():
			return For(message.TypeClientKeyExchangeECDH)
		case kex.IsDH():
			return For(message.TypeClientKeyExchangeDH)
		}
		return For(message.TypeClientKeyExchangeRSA)
	case message.HandshakeFinished:
		return For(message.TypeFinished)
	}
	return For(message.TypeUnknown)
}

// ContentTypeOf is the record content type m is sent in.
func ContentTypeOf(m message.Message) record.ContentType {
	if u, ok := m.(*message.Unknown); ok && u.ContentType != 0 {
		return u.ContentType
	}
	return m.Type().ContentType()
}

// PrepareMessage runs prepare, serialize, digest and a best-effort context
// adjustment for an outgoing message and returns its bytes. Only prepare and
// serialize failures are returned; adjustment failures go to Diagnostics
// unless the configuration asks for strict adjustment.
func PrepareMessage(ctx *session.Context, m message.Message) ([]byte, error) {
	h := For(m.Type())
	b := m.Common()
	ctx.TalkingEnd = b.Issuer

	if err := h.Prepare(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to prepare %s: %w", m.Type(), err)
	}
	raw, err := h.Serialize(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", m.Type(), err)
	}
	b.Raw = raw
	if b.IncludeInDigest && m.Type().IsHandshake() {
		ctx.Digest.Append(raw)
	}
	if err := adjust(ctx, m, h.AdjustContext); err != nil {
		return nil, err
	}
	ctx.Logger.Debug("Prepared message",
		zap.String("message_type", m.Type().String()),
		zap.Int("length", len(raw)),
		zap.Bool("modified", message.Modified(m)))
	return raw, nil
}

// ParseMessage decodes the next peer message of a content-type run starting
// at offset, digests it and applies it to the context.
func ParseMessage(ctx *session.Context, ct record.ContentType, data []byte, offset int) (message.Message, int, error) {
	ctx.TalkingEnd = ctx.OurEnd().Peer()
	h := ForRecord(ctx, ct, data, offset)

	m, next, err := h.Parse(ctx, data, offset)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, offset, err
		}
		return nil, offset, &ParseError{Type: typeOf(h), Offset: offset, Err: err}
	}
	if u, ok := m.(*message.Unknown); ok {
		u.ContentType = ct
	}
	b := m.Common()
	if b.IncludeInDigest && m.Type().IsHandshake() {
		ctx.Digest.Append(b.Raw)
	}
	if err := adjust(ctx, m, h.AdjustContext); err != nil {
		return nil, offset, err
	}
	ctx.Logger.Debug("Parsed message",
		zap.String("message_type", m.Type().String()),
		zap.Int("length", len(b.Raw)))
	return m, next, nil
}

// AfterWrap runs the post-framing hook of an outgoing message.
func AfterWrap(ctx *session.Context, m message.Message) error {
	return adjust(ctx, m, For(m.Type()).AfterWrap)
}

func adjust(ctx *session.Context, m message.Message, fn func(*session.Context, message.Message) error) error {
	err := fn(ctx, m)
	if err == nil {
		return nil
	}
	if ctx.Config.StrictAdjust {
		return fmt.Errorf("failed to adjust context for %s: %w", m.Type(), err)
	}
	ctx.Diagnostics.Record(m, err)
	return nil
}

func typeOf(h Handler) message.Type {
	for t, candidate := range handlers {
		if candidate == h {
			return t
		}
	}
	return message.TypeUnknown
}

package handler

import (
	"fmt"
	"net"

	"golang.org/x/crypto/cryptobyte"

	"tlsprobe/message"
	"tlsprobe/session"
)

// extensionCodec implements one hello extension. issuer is the sender of the
// hello the extension belongs to.
type extensionCodec interface {
	parse(e message.Extension, s cryptobyte.String) error
	prepare(ctx *session.Context, e message.Extension, issuer message.Issuer)
	serialize(b *cryptobyte.Builder, e message.Extension)
	adjust(ctx *session.Context, e message.Extension, issuer message.Issuer) error
}

var extensionCodecs = map[message.ExtensionType]extensionCodec{
	message.ExtServerName:           serverNameCodec{},
	message.ExtSupportedGroups:      supportedGroupsCodec{},
	message.ExtECPointFormats:       ecPointFormatsCodec{},
	message.ExtSignatureAlgorithms:  signatureAlgorithmsCodec{},
	message.ExtHeartbeat:            heartbeatExtensionCodec{},
	message.ExtExtendedMasterSecret: extendedMasterSecretCodec{},
	message.ExtSessionTicket:        sessionTicketCodec{},
	message.ExtRenegotiationInfo:    renegotiationInfoCodec{},
}

func codecFor(e message.Extension) extensionCodec {
	if _, ok := e.(*message.UnknownExtension); ok {
		return unknownExtensionCodec{}
	}
	if c, ok := extensionCodecs[e.ExtensionType()]; ok {
		return c
	}
	return unknownExtensionCodec{}
}

// parseExtensions decodes the optional extension block that ends a hello.
func parseExtensions(s cryptobyte.String) ([]message.Extension, error) {
	if s.Empty() {
		return nil, nil
	}
	var block cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&block) {
		return nil, fmt.Errorf("malformed extension block")
	}
	if !s.Empty() {
		return nil, errTrailing
	}
	var exts []message.Extension
	for !block.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !block.ReadUint16(&typ) || !block.ReadUint16LengthPrefixed(&data) {
			return nil, fmt.Errorf("malformed extension")
		}
		e := message.NewExtension(message.ExtensionType(typ))
		if err := codecFor(e).parse(e, data); err != nil {
			return nil, fmt.Errorf("extension %s: %w", e.ExtensionType(), err)
		}
		exts = append(exts, e)
	}
	return exts, nil
}

// serializeExtensions encodes exts as a length-prefixed block. An empty list
// yields no block at all.
func serializeExtensions(exts []message.Extension) ([]byte, error) {
	if len(exts) == 0 {
		return nil, nil
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, e := range exts {
			b.AddUint16(uint16(e.ExtensionType()))
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				codecFor(e).serialize(b, e)
			})
		}
	})
	return b.Bytes()
}

func prepareExtensions(ctx *session.Context, exts []message.Extension, issuer message.Issuer) {
	for _, e := range exts {
		codecFor(e).prepare(ctx, e, issuer)
	}
}

// adjustExtensions applies every extension and returns the first failure.
func adjustExtensions(ctx *session.Context, exts []message.Extension, issuer message.Issuer) error {
	var first error
	for _, e := range exts {
		if err := codecFor(e).adjust(ctx, e, issuer); err != nil && first == nil {
			first = fmt.Errorf("extension %s: %w", e.ExtensionType(), err)
		}
	}
	return first
}

// defaultClientExtensions builds the configured ClientHello extensions. SNI is
// left out when there is no host name to send.
func defaultClientExtensions(ctx *session.Context) []message.Extension {
	exts := make([]message.Extension, 0, len(ctx.Config.Extensions))
	for _, t := range ctx.Config.Extensions {
		if t == message.ExtServerName && (ctx.ServerName == "" || net.ParseIP(ctx.ServerName) != nil) {
			continue
		}
		exts = append(exts, message.NewExtension(t))
	}
	return exts
}

// defaultServerExtensions answers what the client offered.
func defaultServerExtensions(ctx *session.Context) []message.Extension {
	var exts []message.Extension
	if ctx.ClientOfferedEMS {
		exts = append(exts, &message.ExtendedMasterSecretExtension{})
	}
	if ctx.SecureRenegotiation {
		exts = append(exts, &message.RenegotiationInfoExtension{})
	}
	return exts
}

type serverNameCodec struct{}

func (serverNameCodec) parse(e message.Extension, s cryptobyte.String) error {
	ext := e.(*message.ServerNameExtension)
	// A server acknowledges SNI with an empty body.
	if s.Empty() {
		return nil
	}
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return fmt.Errorf("malformed server_name")
	}
	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return fmt.Errorf("malformed server_name entry")
		}
		if nameType == 0 {
			ext.HostName.SetDefault(string(name))
		}
	}
	return nil
}

func (serverNameCodec) prepare(ctx *session.Context, e message.Extension, issuer message.Issuer) {
	if issuer == message.Client {
		e.(*message.ServerNameExtension).HostName.SetDefault(ctx.ServerName)
	}
}

func (serverNameCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	ext := e.(*message.ServerNameExtension)
	name := ext.HostName.Get()
	if name == "" && !ext.HostName.IsOverridden() {
		return
	}
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(name))
		})
	})
}

func (serverNameCodec) adjust(ctx *session.Context, e message.Extension, issuer message.Issuer) error {
	if issuer == message.Client {
		ctx.ServerName = e.(*message.ServerNameExtension).HostName.Get()
	}
	return nil
}

type supportedGroupsCodec struct{}

func (supportedGroupsCodec) parse(e message.Extension, s cryptobyte.String) error {
	var groups []uint16
	if !readUint16List(&s, &groups) || !s.Empty() {
		return fmt.Errorf("malformed supported_groups")
	}
	e.(*message.SupportedGroupsExtension).Groups.SetDefault(groups)
	return nil
}

func (supportedGroupsCodec) prepare(ctx *session.Context, e message.Extension, _ message.Issuer) {
	e.(*message.SupportedGroupsExtension).Groups.SetDefault(ctx.Config.NamedGroups)
}

func (supportedGroupsCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	addUint16List(b, e.(*message.SupportedGroupsExtension).Groups.Get())
}

func (supportedGroupsCodec) adjust(*session.Context, message.Extension, message.Issuer) error {
	return nil
}

type ecPointFormatsCodec struct{}

func (ecPointFormatsCodec) parse(e message.Extension, s cryptobyte.String) error {
	var formats []byte
	if !readUint8Bytes(&s, &formats) || !s.Empty() {
		return fmt.Errorf("malformed ec_point_formats")
	}
	e.(*message.ECPointFormatsExtension).Formats.SetDefault(formats)
	return nil
}

func (ecPointFormatsCodec) prepare(_ *session.Context, e message.Extension, _ message.Issuer) {
	e.(*message.ECPointFormatsExtension).Formats.SetDefault([]byte{message.PointFormatUncompressed})
}

func (ecPointFormatsCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.(*message.ECPointFormatsExtension).Formats.Get())
	})
}

func (ecPointFormatsCodec) adjust(*session.Context, message.Extension, message.Issuer) error {
	return nil
}

type signatureAlgorithmsCodec struct{}

func (signatureAlgorithmsCodec) parse(e message.Extension, s cryptobyte.String) error {
	var algs []uint16
	if !readUint16List(&s, &algs) || !s.Empty() {
		return fmt.Errorf("malformed signature_algorithms")
	}
	e.(*message.SignatureAlgorithmsExtension).Algorithms.SetDefault(algs)
	return nil
}

func (signatureAlgorithmsCodec) prepare(ctx *session.Context, e message.Extension, _ message.Issuer) {
	e.(*message.SignatureAlgorithmsExtension).Algorithms.SetDefault(ctx.Config.SignatureAlgorithms)
}

func (signatureAlgorithmsCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	addUint16List(b, e.(*message.SignatureAlgorithmsExtension).Algorithms.Get())
}

func (signatureAlgorithmsCodec) adjust(ctx *session.Context, e message.Extension, issuer message.Issuer) error {
	if !ctx.IsOurs(issuer) {
		ctx.PeerSignatureAlgorithms = e.(*message.SignatureAlgorithmsExtension).Algorithms.Get()
	}
	return nil
}

type heartbeatExtensionCodec struct{}

func (heartbeatExtensionCodec) parse(e message.Extension, s cryptobyte.String) error {
	var mode uint8
	if !s.ReadUint8(&mode) || !s.Empty() {
		return fmt.Errorf("malformed heartbeat extension")
	}
	e.(*message.HeartbeatExtension).Mode.SetDefault(mode)
	return nil
}

func (heartbeatExtensionCodec) prepare(ctx *session.Context, e message.Extension, _ message.Issuer) {
	e.(*message.HeartbeatExtension).Mode.SetDefault(ctx.Config.HeartbeatMode)
}

func (heartbeatExtensionCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	b.AddUint8(e.(*message.HeartbeatExtension).Mode.Get())
}

func (heartbeatExtensionCodec) adjust(ctx *session.Context, e message.Extension, issuer message.Issuer) error {
	if !ctx.IsOurs(issuer) {
		ctx.HeartbeatMode = e.(*message.HeartbeatExtension).Mode.Get()
	}
	return nil
}

type extendedMasterSecretCodec struct{}

func (extendedMasterSecretCodec) parse(_ message.Extension, s cryptobyte.String) error {
	if !s.Empty() {
		return fmt.Errorf("extended_master_secret must be empty")
	}
	return nil
}

func (extendedMasterSecretCodec) prepare(*session.Context, message.Extension, message.Issuer) {}

func (extendedMasterSecretCodec) serialize(*cryptobyte.Builder, message.Extension) {}

func (extendedMasterSecretCodec) adjust(ctx *session.Context, _ message.Extension, issuer message.Issuer) error {
	if issuer == message.Client {
		ctx.ClientOfferedEMS = true
		return nil
	}
	if !ctx.ClientOfferedEMS {
		return fmt.Errorf("server selected extended master secret the client did not offer")
	}
	ctx.ExtendedMasterSecret = true
	return nil
}

type sessionTicketCodec struct{}

func (sessionTicketCodec) parse(e message.Extension, s cryptobyte.String) error {
	e.(*message.SessionTicketExtension).Ticket.SetDefault(append([]byte(nil), s...))
	return nil
}

func (sessionTicketCodec) prepare(ctx *session.Context, e message.Extension, issuer message.Issuer) {
	if issuer == message.Client {
		e.(*message.SessionTicketExtension).Ticket.SetDefault(ctx.SessionTicket)
	}
}

func (sessionTicketCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	b.AddBytes(e.(*message.SessionTicketExtension).Ticket.Get())
}

func (sessionTicketCodec) adjust(ctx *session.Context, e message.Extension, issuer message.Issuer) error {
	if issuer == message.Client {
		ctx.SessionTicket = e.(*message.SessionTicketExtension).Ticket.Get()
	}
	return nil
}

type renegotiationInfoCodec struct{}

func (renegotiationInfoCodec) parse(e message.Extension, s cryptobyte.String) error {
	var info []byte
	if !readUint8Bytes(&s, &info) || !s.Empty() {
		return fmt.Errorf("malformed renegotiation_info")
	}
	e.(*message.RenegotiationInfoExtension).Info.SetDefault(info)
	return nil
}

// prepare fills renegotiated_connection per RFC 5746: the client's
// verify_data, followed by the server's in a ServerHello.
func (renegotiationInfoCodec) prepare(ctx *session.Context, e message.Extension, issuer message.Issuer) {
	info := append([]byte(nil), ctx.ClientVerifyData...)
	if issuer == message.Server {
		info = append(info, ctx.ServerVerifyData...)
	}
	e.(*message.RenegotiationInfoExtension).Info.SetDefault(info)
}

func (renegotiationInfoCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.(*message.RenegotiationInfoExtension).Info.Get())
	})
}

func (renegotiationInfoCodec) adjust(ctx *session.Context, _ message.Extension, _ message.Issuer) error {
	ctx.SecureRenegotiation = true
	return nil
}

type unknownExtensionCodec struct{}

func (unknownExtensionCodec) parse(e message.Extension, s cryptobyte.String) error {
	e.(*message.UnknownExtension).Data.SetDefault(append([]byte(nil), s...))
	return nil
}

func (unknownExtensionCodec) prepare(*session.Context, message.Extension, message.Issuer) {}

func (unknownExtensionCodec) serialize(b *cryptobyte.Builder, e message.Extension) {
	b.AddBytes(e.(*message.UnknownExtension).Data.Get())
}

func (unknownExtensionCodec) adjust(*session.Context, message.Extension, message.Issuer) error {
	return nil
}

package message

import (
	"fmt"
	"strings"
)

// ExtensionType is the IANA extension code point.
type ExtensionType uint16

const (
	ExtServerName           ExtensionType = 0
	ExtSupportedGroups      ExtensionType = 10
	ExtECPointFormats       ExtensionType = 11
	ExtSignatureAlgorithms  ExtensionType = 13
	ExtHeartbeat            ExtensionType = 15
	ExtExtendedMasterSecret ExtensionType = 23
	ExtSessionTicket        ExtensionType = 35
	ExtRenegotiationInfo    ExtensionType = 0xff01
)

var extensionNames = map[ExtensionType]string{
	ExtServerName:           "server_name",
	ExtSupportedGroups:      "supported_groups",
	ExtECPointFormats:       "ec_point_formats",
	ExtSignatureAlgorithms:  "signature_algorithms",
	ExtHeartbeat:            "heartbeat",
	ExtExtendedMasterSecret: "extended_master_secret",
	ExtSessionTicket:        "session_ticket",
	ExtRenegotiationInfo:    "renegotiation_info",
}

func (e ExtensionType) String() string {
	if name, ok := extensionNames[e]; ok {
		return name
	}
	return fmt.Sprintf("extension_%d", uint16(e))
}

// ParseExtensionType is the inverse of String.
func ParseExtensionType(s string) (ExtensionType, error) {
	for t, name := range extensionNames {
		if name == strings.ToLower(s) {
			return t, nil
		}
	}
	var n uint16
	if _, err := fmt.Sscanf(s, "extension_%d", &n); err == nil {
		return ExtensionType(n), nil
	}
	return 0, fmt.Errorf("unknown extension %q", s)
}

// Extension is one hello extension. Like messages, extensions are data;
// handler encodes them.
type Extension interface {
	ExtensionType() ExtensionType
	Fields() []Field
}

// NewExtension creates an empty extension of type t.
func NewExtension(t ExtensionType) Extension {
	switch t {
	case ExtServerName:
		return &ServerNameExtension{}
	case ExtSupportedGroups:
		return &SupportedGroupsExtension{}
	case ExtECPointFormats:
		return &ECPointFormatsExtension{}
	case ExtSignatureAlgorithms:
		return &SignatureAlgorithmsExtension{}
	case ExtHeartbeat:
		return &HeartbeatExtension{}
	case ExtExtendedMasterSecret:
		return &ExtendedMasterSecretExtension{}
	case ExtSessionTicket:
		return &SessionTicketExtension{}
	case ExtRenegotiationInfo:
		return &RenegotiationInfoExtension{}
	}
	return &UnknownExtension{Code: t}
}

// FindExtension returns the first extension of type t in exts.
func FindExtension(exts []Extension, t ExtensionType) Extension {
	for _, e := range exts {
		if e.ExtensionType() == t {
			return e
		}
	}
	return nil
}

type ServerNameExtension struct {
	HostName Value[string]
}

func (e *ServerNameExtension) ExtensionType() ExtensionType { return ExtServerName }
func (e *ServerNameExtension) Fields() []Field {
	return []Field{{"hostName", &e.HostName}}
}

type SupportedGroupsExtension struct {
	Groups Value[[]uint16]
}

func (e *SupportedGroupsExtension) ExtensionType() ExtensionType { return ExtSupportedGroups }
func (e *SupportedGroupsExtension) Fields() []Field {
	return []Field{{"groups", &e.Groups}}
}

type ECPointFormatsExtension struct {
	Formats Value[[]byte]
}

func (e *ECPointFormatsExtension) ExtensionType() ExtensionType { return ExtECPointFormats }
func (e *ECPointFormatsExtension) Fields() []Field {
	return []Field{{"formats", &e.Formats}}
}

type SignatureAlgorithmsExtension struct {
	Algorithms Value[[]uint16]
}

func (e *SignatureAlgorithmsExtension) ExtensionType() ExtensionType { return ExtSignatureAlgorithms }
func (e *SignatureAlgorithmsExtension) Fields() []Field {
	return []Field{{"algorithms", &e.Algorithms}}
}

// Heartbeat modes (RFC 6520).
const (
	HeartbeatPeerAllowedToSend    uint8 = 1
	HeartbeatPeerNotAllowedToSend uint8 = 2
)

type HeartbeatExtension struct {
	Mode Value[uint8]
}

func (e *HeartbeatExtension) ExtensionType() ExtensionType { return ExtHeartbeat }
func (e *HeartbeatExtension) Fields() []Field {
	return []Field{{"mode", &e.Mode}}
}

type ExtendedMasterSecretExtension struct{}

func (e *ExtendedMasterSecretExtension) ExtensionType() ExtensionType {
	return ExtExtendedMasterSecret
}
func (e *ExtendedMasterSecretExtension) Fields() []Field { return nil }

type SessionTicketExtension struct {
	Ticket Value[[]byte]
}

func (e *SessionTicketExtension) ExtensionType() ExtensionType { return ExtSessionTicket }
func (e *SessionTicketExtension) Fields() []Field {
	return []Field{{"ticket", &e.Ticket}}
}

type RenegotiationInfoExtension struct {
	Info Value[[]byte]
}

func (e *RenegotiationInfoExtension) ExtensionType() ExtensionType { return ExtRenegotiationInfo }
func (e *RenegotiationInfoExtension) Fields() []Field {
	return []Field{{"info", &e.Info}}
}

// UnknownExtension keeps unrecognised extensions verbatim.
type UnknownExtension struct {
	Code ExtensionType
	Data Value[[]byte]
}

func (e *UnknownExtension) ExtensionType() ExtensionType { return e.Code }
func (e *UnknownExtension) Fields() []Field {
	return []Field{{"data", &e.Data}}
}

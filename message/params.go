package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Named groups (RFC 8422, RFC 7919).
const (
	GroupSecp256r1 uint16 = 23
	GroupSecp384r1 uint16 = 24
	GroupSecp521r1 uint16 = 25
	GroupX25519    uint16 = 29
	GroupFFDHE2048 uint16 = 256
)

var groupNames = map[uint16]string{
	GroupSecp256r1: "secp256r1",
	GroupSecp384r1: "secp384r1",
	GroupSecp521r1: "secp521r1",
	GroupX25519:    "x25519",
	GroupFFDHE2048: "ffdhe2048",
}

// GroupName returns the IANA name of a named group.
func GroupName(g uint16) string {
	if name, ok := groupNames[g]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", g)
}

// ParseGroup accepts a group name or a number.
func ParseGroup(s string) (uint16, error) {
	for g, name := range groupNames {
		if strings.EqualFold(name, s) {
			return g, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown named group %q", s)
	}
	return uint16(n), nil
}

// Signature schemes (RFC 8446 4.2.3 code points, valid for TLS 1.2 as
// hash/signature pairs).
const (
	SigRSAPKCS1SHA1   uint16 = 0x0201
	SigECDSASHA1      uint16 = 0x0203
	SigRSAPKCS1SHA256 uint16 = 0x0401
	SigECDSAP256      uint16 = 0x0403
	SigRSAPKCS1SHA384 uint16 = 0x0501
	SigECDSAP384      uint16 = 0x0503
	SigRSAPKCS1SHA512 uint16 = 0x0601
	SigRSAPSSSHA256   uint16 = 0x0804
	SigRSAPSSSHA384   uint16 = 0x0805
)

// DefaultSignatureAlgorithms is offered when nothing else is configured.
var DefaultSignatureAlgorithms = []uint16{
	SigRSAPSSSHA256, SigECDSAP256, SigRSAPKCS1SHA256,
	SigRSAPSSSHA384, SigECDSAP384, SigRSAPKCS1SHA384,
	SigRSAPKCS1SHA512, SigRSAPKCS1SHA1, SigECDSASHA1,
}

// Client certificate types (RFC 5246 7.4.4).
const (
	CertTypeRSASign   uint8 = 1
	CertTypeDSSSign   uint8 = 2
	CertTypeECDSASign uint8 = 64
)

// Compression methods.
const (
	CompressionNull    uint8 = 0
	CompressionDeflate uint8 = 1
)

// EC point formats.
const PointFormatUncompressed uint8 = 0

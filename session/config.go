package session

import (
	"crypto"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/shared"
)

// ErrConfig marks configuration errors. They are fatal before any connection
// is attempted.
var ErrConfig = errors.New("invalid configuration")

// Config is the resolved configuration of one probe.
type Config struct {
	Host    string
	Port    int
	Network string // "tcp", "udp" or "ws"
	// WebSocketURL is the relay endpoint when Network is "ws". The relay
	// forwards binary messages to the target as a byte stream.
	WebSocketURL string
	Timeout      time.Duration

	// HighestVersion is offered in hellos and used for records until the
	// ServerHello negotiates otherwise.
	HighestVersion      record.ProtocolVersion
	CipherSuites        []uint16
	CompressionMethods  []uint8
	NamedGroups         []uint16
	SignatureAlgorithms []uint16
	ServerName          string
	// Extensions lists what a ClientHello offers when the trace leaves its
	// extension list unset.
	Extensions    []message.ExtensionType
	HeartbeatMode uint8

	ConnectionEnd message.Issuer
	// StrictAdjust turns context-adjustment failures into errors.
	StrictAdjust      bool
	MaxFragmentLength int

	// Server-side material, used when preparing server-issued messages.
	Certificates [][]byte
	PrivateKey   crypto.Signer

	Probes      int
	Parallelism int
	TraceFile   string
}

// DefaultConfig returns a TLS 1.2 client configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           443,
		Network:        "tcp",
		Timeout:        5 * time.Second,
		HighestVersion: record.TLS12,
		CipherSuites: []uint16{
			record.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			record.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			record.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			record.TLS_DHE_RSA_WITH_AES_128_CBC_SHA,
			record.TLS_RSA_WITH_AES_128_CBC_SHA,
			record.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
		CompressionMethods:  []uint8{message.CompressionNull},
		NamedGroups:         []uint16{message.GroupX25519, message.GroupSecp256r1, message.GroupSecp384r1},
		SignatureAlgorithms: message.DefaultSignatureAlgorithms,
		Extensions: []message.ExtensionType{
			message.ExtServerName,
			message.ExtSupportedGroups,
			message.ExtECPointFormats,
			message.ExtSignatureAlgorithms,
			message.ExtExtendedMasterSecret,
			message.ExtRenegotiationInfo,
		},
		HeartbeatMode:     message.HeartbeatPeerAllowedToSend,
		ConnectionEnd:     message.Client,
		MaxFragmentLength: record.MaxPlaintextLength,
		Probes:            1,
		Parallelism:       1,
	}
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports the first configuration error, wrapped in ErrConfig.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: host is required", ErrConfig)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrConfig, c.Port)
	case c.Network != "tcp" && c.Network != "udp" && c.Network != "ws":
		return fmt.Errorf("%w: unsupported transport %q", ErrConfig, c.Network)
	case c.Network == "ws" && c.WebSocketURL == "":
		return fmt.Errorf("%w: websocket transport needs a relay URL", ErrConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrConfig)
	case c.HighestVersion == record.VersionUnset:
		return fmt.Errorf("%w: protocol version is required", ErrConfig)
	case c.HighestVersion.IsDTLS() != (c.Network == "udp"):
		return fmt.Errorf("%w: %s cannot run over %s", ErrConfig, c.HighestVersion, c.Network)
	case len(c.CipherSuites) == 0:
		return fmt.Errorf("%w: at least one cipher suite is required", ErrConfig)
	case c.Probes < 1:
		return fmt.Errorf("%w: probes must be at least 1", ErrConfig)
	case c.Parallelism < 1:
		return fmt.Errorf("%w: parallelism must be at least 1", ErrConfig)
	}
	return nil
}

// LoadConfigFromEnv reads an optional .env file and the environment on top of
// DefaultConfig.
func LoadConfigFromEnv() (*Config, error) {
	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.Host = shared.GetEnvOrDefault("TARGET_HOST", cfg.Host)
	cfg.Port = shared.GetEnvIntOrDefault("TARGET_PORT", cfg.Port)
	cfg.Network = strings.ToLower(shared.GetEnvOrDefault("TRANSPORT", cfg.Network))
	cfg.Timeout = shared.GetEnvDurationOrDefault("TIMEOUT", cfg.Timeout)
	cfg.ServerName = shared.GetEnvOrDefault("SERVER_NAME", cfg.Host)
	cfg.StrictAdjust = shared.GetEnvBoolOrDefault("STRICT_ADJUST", cfg.StrictAdjust)
	cfg.Probes = shared.GetEnvIntOrDefault("PROBES", cfg.Probes)
	cfg.Parallelism = shared.GetEnvIntOrDefault("PARALLELISM", cfg.Parallelism)
	cfg.TraceFile = shared.GetEnvOrDefault("TRACE_FILE", "")
	cfg.WebSocketURL = shared.GetEnvOrDefault("WEBSOCKET_URL", "")

	if v := shared.GetEnvOrDefault("PROTOCOL_VERSION", ""); v != "" {
		version, err := record.ParseVersion(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		cfg.HighestVersion = version
	}
	if cfg.HighestVersion.IsDTLS() && shared.GetEnvOrDefault("TRANSPORT", "") == "" {
		cfg.Network = "udp"
	}

	if names := shared.GetEnvListOrDefault("CIPHER_SUITES", nil); names != nil {
		suites, err := ParseCipherSuites(names)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}
	if names := shared.GetEnvListOrDefault("NAMED_GROUPS", nil); names != nil {
		cfg.NamedGroups = cfg.NamedGroups[:0:0]
		for _, name := range names {
			g, err := message.ParseGroup(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
			cfg.NamedGroups = append(cfg.NamedGroups, g)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseCipherSuites accepts IANA names or hex ids ("0x002f").
func ParseCipherSuites(names []string) ([]uint16, error) {
	var out []uint16
	for _, name := range names {
		if s, ok := record.SuiteByName(name); ok {
			out = append(out, s.ID)
			continue
		}
		n, err := strconv.ParseUint(name, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown cipher suite %q", ErrConfig, name)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

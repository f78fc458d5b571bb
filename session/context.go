// Package session holds the mutable state of one connection attempt: the
// negotiated parameters and secrets, the running handshake digest, the record
// layer and the workflow trace being executed.
//
// A Context is owned by exactly one probe and must not be shared between
// goroutines.
package session

import (
	"crypto"
	"crypto/ecdh"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tlsprobe/certs"
	"tlsprobe/message"
	"tlsprobe/record"
	"tlsprobe/trace"
)

// Context is the per-connection state. Handlers mutate it in AdjustContext.
type Context struct {
	Config      *Config
	Logger      *zap.Logger
	Diagnostics *Diagnostics
	ProbeID     string

	Trace *trace.Trace
	// PreconfiguredOrder is the trace order captured before execution.
	PreconfiguredOrder []trace.Entry

	RecordLayer *record.Layer
	Digest      *Digest

	// TalkingEnd is the issuer of the message currently being processed.
	TalkingEnd message.Issuer

	// Negotiated parameters. Version stays VersionUnset until ServerHello.
	Version           record.ProtocolVersion
	CipherSuite       uint16
	Suite             *record.CipherSuite
	CompressionMethod uint8
	SessionID         []byte
	ClientRandom      []byte
	ServerRandom      []byte
	// ClientHelloVersion is the version the ClientHello offered. RSA
	// premaster secrets start with it.
	ClientHelloVersion record.ProtocolVersion

	PremasterSecret []byte
	MasterSecret    []byte

	ClientOfferedEMS     bool
	ExtendedMasterSecret bool
	SecureRenegotiation  bool
	ClientVerifyData     []byte
	ServerVerifyData     []byte
	ServerName           string
	HeartbeatMode        uint8
	SessionTicket        []byte

	PeerCertificates *certs.Chain
	PeerPublicKey    crypto.PublicKey

	// Finite-field Diffie-Hellman parameters and our ephemeral key.
	DHP            *big.Int
	DHG            *big.Int
	DHServerPublic []byte
	DHClientPublic []byte
	DHPrivate      *big.Int

	// Elliptic-curve parameters and our ephemeral key.
	ECGroup        uint16
	ECServerPublic []byte
	ECClientPublic []byte
	ECPrivate      *ecdh.PrivateKey

	CertificateRequested      bool
	ClientCertificateTypes    []uint8
	PeerSignatureAlgorithms   []uint16
	CertificateAuthorityNames [][]byte

	// PeerFinishedVerified is nil until the peer's Finished was checked.
	PeerFinishedVerified *bool

	ReceivedAlerts     []*message.Alert
	ReceivedFatalAlert bool
	HeartbeatsReceived int

	DTLSCookie      []byte
	WriteMessageSeq uint16
	ReadMessageSeq  uint16

	ConnectionClosed bool
}

// NewContext creates the context for executing tr. The trace order is
// snapshotted here for later analysis.
func NewContext(cfg *Config, tr *trace.Trace, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("probe_id", id))

	layer := record.NewLayer(cfg.HighestVersion)
	layer.SetMaxFragmentLength(cfg.MaxFragmentLength)

	return &Context{
		Config:             cfg,
		Logger:             logger,
		Diagnostics:        NewDiagnostics(logger),
		ProbeID:            id,
		Trace:              tr,
		PreconfiguredOrder: tr.Snapshot(),
		RecordLayer:        layer,
		Digest:             NewDigest(cfg.HighestVersion),
		ServerName:         cfg.ServerName,
		HeartbeatMode:      cfg.HeartbeatMode,
	}
}

// OurEnd is the connection end this engine plays.
func (c *Context) OurEnd() message.Issuer { return c.Config.ConnectionEnd }

// IsOurs reports whether messages from issuer are sent by us.
func (c *Context) IsOurs(issuer message.Issuer) bool { return issuer == c.Config.ConnectionEnd }

// EffectiveVersion is the negotiated version, or the configured one before
// negotiation.
func (c *Context) EffectiveVersion() record.ProtocolVersion {
	if c.Version != record.VersionUnset {
		return c.Version
	}
	return c.Config.HighestVersion
}

// IsDTLS reports whether the connection runs a datagram version.
func (c *Context) IsDTLS() bool { return c.EffectiveVersion().IsDTLS() }

// KeyExchange returns the negotiated key exchange, or the one of the first
// configured suite before negotiation.
func (c *Context) KeyExchange() record.KeyExchange {
	if c.Suite != nil {
		return c.Suite.KeyExchange
	}
	for _, id := range c.Config.CipherSuites {
		if s, ok := record.SuiteByID(id); ok {
			return s.KeyExchange
		}
	}
	return record.KeyExchangeRSA
}

func (c *Context) keySchedule() *record.KeySchedule {
	ks := record.NewKeySchedule(c.EffectiveVersion(), c.Suite, c.ClientRandom, c.ServerRandom)
	if c.MasterSecret != nil {
		ks.SetMasterSecret(c.MasterSecret)
	}
	return ks
}

// DeriveMasterSecret computes the master secret from the premaster secret.
// With extended master secret the session hash covers the digest as it is
// now, which must include ClientKeyExchange.
func (c *Context) DeriveMasterSecret() error {
	if len(c.PremasterSecret) == 0 {
		return fmt.Errorf("no premaster secret")
	}
	if len(c.ClientRandom) == 0 || len(c.ServerRandom) == 0 {
		return fmt.Errorf("client and server random required")
	}
	ks := c.keySchedule()
	if c.ExtendedMasterSecret {
		c.MasterSecret = ks.DeriveMasterSecretExtended(c.PremasterSecret, c.Digest.Sum())
	} else {
		c.MasterSecret = ks.DeriveMasterSecret(c.PremasterSecret)
	}
	c.Logger.Debug("Derived master secret",
		zap.Bool("extended", c.ExtendedMasterSecret),
		zap.String("version", c.EffectiveVersion().String()))
	return nil
}

// Keys expands the master secret into the key block.
func (c *Context) Keys() (*record.Keys, error) {
	if c.Suite == nil {
		return nil, fmt.Errorf("cipher suite 0x%04x not negotiated or unsupported", c.CipherSuite)
	}
	return c.keySchedule().DeriveKeys()
}

// NewCipherFor builds the record protection for messages sent by sender.
func (c *Context) NewCipherFor(sender message.Issuer) (record.Cipher, error) {
	keys, err := c.Keys()
	if err != nil {
		return nil, err
	}
	if sender == message.Client {
		return record.NewCipher(c.EffectiveVersion(), c.Suite, keys.ClientMAC, keys.ClientKey, keys.ClientIV)
	}
	return record.NewCipher(c.EffectiveVersion(), c.Suite, keys.ServerMAC, keys.ServerKey, keys.ServerIV)
}

// InstallCipher activates fresh record protection for everything sender
// sends from now on.
func (c *Context) InstallCipher(sender message.Issuer) error {
	cipher, err := c.NewCipherFor(sender)
	if err != nil {
		return err
	}
	dir := record.Read
	if c.IsOurs(sender) {
		dir = record.Write
	}
	c.RecordLayer.SetCipher(dir, cipher)
	c.Logger.Debug("Installed record cipher",
		zap.String("direction", dir.String()),
		zap.String("suite", c.Suite.Name))
	return nil
}

// FinishedVerifyData computes verify_data of sender over the digest as it is now.
func (c *Context) FinishedVerifyData(sender message.Issuer) ([]byte, error) {
	if c.MasterSecret == nil {
		return nil, fmt.Errorf("master secret not derived")
	}
	return c.keySchedule().FinishedVerifyData(c.Digest.Raw(), sender == message.Client), nil
}

// Analyzer compares the preconfigured order with the executed trace.
func (c *Context) Analyzer() *trace.Analyzer {
	return trace.NewAnalyzer(c.OurEnd(), c.PreconfiguredOrder, c.Trace)
}

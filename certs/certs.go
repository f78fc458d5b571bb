// Package certs decodes the certificate chains peers present into the fields
// probes consume, and performs OCSP revocation checks against them.
package certs

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/ocsp"
)

// oidTLSFeature is the TLS Feature extension (RFC 7633).
var oidTLSFeature = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}

// statusRequest is the TLS extension number must-staple lists.
const statusRequest = 5

// Info is the structured view of one certificate.
type Info struct {
	Subject     string
	Issuer      string
	DNSNames    []string
	NotBefore   time.Time
	NotAfter    time.Time
	PublicKey   crypto.PublicKey
	OCSPServers []string
	MustStaple  bool
	Certificate *x509.Certificate
}

// Chain is a parsed certificate chain, leaf first.
type Chain struct {
	Infos []Info
}

var ErrEmptyChain = errors.New("certs: empty certificate chain")

// ParseChain decodes DER certificates in the order the peer sent them.
func ParseChain(der [][]byte) (*Chain, error) {
	if len(der) == 0 {
		return nil, ErrEmptyChain
	}
	chain := &Chain{Infos: make([]Info, 0, len(der))}
	for i, raw := range der {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		mustStaple, err := hasMustStaple(cert)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		chain.Infos = append(chain.Infos, Info{
			Subject:     cert.Subject.String(),
			Issuer:      cert.Issuer.String(),
			DNSNames:    cert.DNSNames,
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
			PublicKey:   cert.PublicKey,
			OCSPServers: cert.OCSPServer,
			MustStaple:  mustStaple,
			Certificate: cert,
		})
	}
	return chain, nil
}

// Leaf returns the end-entity certificate.
func (c *Chain) Leaf() *Info {
	if c == nil || len(c.Infos) == 0 {
		return nil
	}
	return &c.Infos[0]
}

// Issuer returns the certificate that issued the leaf, if the peer sent it.
func (c *Chain) Issuer() *Info {
	if c == nil || len(c.Infos) < 2 {
		return nil
	}
	return &c.Infos[1]
}

// hasMustStaple decodes the TLS Feature extension, a SEQUENCE OF INTEGER.
func hasMustStaple(cert *x509.Certificate) (bool, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidTLSFeature) {
			continue
		}
		s := cryptobyte.String(ext.Value)
		var features cryptobyte.String
		if !s.ReadASN1(&features, cbasn1.SEQUENCE) || !s.Empty() {
			return false, errors.New("malformed TLS feature extension")
		}
		for !features.Empty() {
			var feature int64
			if !features.ReadASN1Integer(&feature) {
				return false, errors.New("malformed TLS feature entry")
			}
			if feature == statusRequest {
				return true, nil
			}
		}
	}
	return false, nil
}

// OCSPRequest builds the DER OCSP request for leaf.
func OCSPRequest(leaf, issuer *x509.Certificate) ([]byte, error) {
	req, err := ocsp.CreateRequest(leaf, issuer, &ocsp.RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}
	return req, nil
}

// Revocation is the outcome of an OCSP check.
type Revocation struct {
	Server    string
	Status    int
	RevokedAt time.Time
	Reason    int
}

// Revoked reports a revoked status.
func (r *Revocation) Revoked() bool { return r.Status == ocsp.Revoked }

// CheckOCSP posts an OCSP request for leaf to its first responder.
func CheckOCSP(ctx context.Context, client *http.Client, leaf, issuer *x509.Certificate) (*Revocation, error) {
	if len(leaf.OCSPServer) == 0 {
		return nil, errors.New("no OCSP server specified for revocation check")
	}
	server := leaf.OCSPServer[0]

	body, err := OCSPRequest(leaf, issuer)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build OCSP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")

	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post OCSP request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP request returned %s", res.Status)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCSP response: %w", err)
	}
	parsed, err := ocsp.ParseResponseForCert(raw, leaf, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP response: %w", err)
	}
	return &Revocation{
		Server:    server,
		Status:    parsed.Status,
		RevokedAt: parsed.RevokedAt,
		Reason:    parsed.RevocationReason,
	}, nil
}

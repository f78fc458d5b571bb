package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	cert, _ := x509.ParseCertificate(der)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, serial int64, ocspURL string, mustStaple bool) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	if mustStaple {
		value, _ := asn1.Marshal([]int{statusRequest})
		template.ExtraExtensions = []pkix.Extension{{Id: oidTLSFeature, Value: value}}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("Failed to create leaf certificate: %v", err)
	}
	return der
}

func TestParseChain(t *testing.T) {
	ca := newTestCA(t)

	testCases := []struct {
		name       string
		mustStaple bool
		ocsp       string
	}{
		{"plain", false, ""},
		{"must staple", true, "http://ocsp.example.test"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			leaf := ca.issue(t, 2, tc.ocsp, tc.mustStaple)
			chain, err := ParseChain([][]byte{leaf, ca.cert.Raw})
			if err != nil {
				t.Fatalf("ParseChain failed: %v", err)
			}
			info := chain.Leaf()
			if info.Subject != "CN=localhost" || info.Issuer != "CN=Test CA" {
				t.Errorf("subject/issuer = %q / %q", info.Subject, info.Issuer)
			}
			if info.MustStaple != tc.mustStaple {
				t.Errorf("MustStaple = %v, want %v", info.MustStaple, tc.mustStaple)
			}
			if tc.ocsp != "" && (len(info.OCSPServers) != 1 || info.OCSPServers[0] != tc.ocsp) {
				t.Errorf("OCSPServers = %v", info.OCSPServers)
			}
			if _, ok := info.PublicKey.(*ecdsa.PublicKey); !ok {
				t.Errorf("PublicKey type = %T", info.PublicKey)
			}
			if chain.Issuer() == nil || chain.Issuer().Subject != "CN=Test CA" {
				t.Error("issuer certificate missing")
			}
		})
	}

	if _, err := ParseChain(nil); err != ErrEmptyChain {
		t.Errorf("expected ErrEmptyChain, got %v", err)
	}
	if _, err := ParseChain([][]byte{{0x30, 0x00}}); err == nil {
		t.Error("expected a parse error for garbage DER")
	}
}

func TestCheckOCSP(t *testing.T) {
	ca := newTestCA(t)
	revokedAt := time.Now().Add(-time.Minute).Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/ocsp-request" {
			http.Error(w, "bad content type", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status := ocsp.Good
		if req.SerialNumber.Int64() == 3 {
			status = ocsp.Revoked
		}
		resp, err := ocsp.CreateResponse(ca.cert, ca.cert, ocsp.Response{
			Status:           status,
			SerialNumber:     req.SerialNumber,
			ThisUpdate:       time.Now().Add(-time.Hour),
			NextUpdate:       time.Now().Add(time.Hour),
			RevokedAt:        revokedAt,
			RevocationReason: ocsp.KeyCompromise,
		}, ca.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(resp)
	}))
	defer server.Close()

	testCases := []struct {
		name    string
		serial  int64
		revoked bool
	}{
		{"good", 2, false},
		{"revoked", 3, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			leaf, _ := x509.ParseCertificate(ca.issue(t, tc.serial, server.URL, false))
			rev, err := CheckOCSP(context.Background(), server.Client(), leaf, ca.cert)
			if err != nil {
				t.Fatalf("CheckOCSP failed: %v", err)
			}
			if rev.Revoked() != tc.revoked {
				t.Errorf("Revoked = %v, want %v", rev.Revoked(), tc.revoked)
			}
			if tc.revoked && !rev.RevokedAt.Equal(revokedAt) {
				t.Errorf("RevokedAt = %v, want %v", rev.RevokedAt, revokedAt)
			}
		})
	}

	leaf, _ := x509.ParseCertificate(ca.issue(t, 4, "", false))
	if _, err := CheckOCSP(context.Background(), nil, leaf, ca.cert); err == nil {
		t.Error("expected an error without an OCSP server")
	}
}

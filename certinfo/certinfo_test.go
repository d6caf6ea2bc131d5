package certinfo

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/docsuite/esign/signerr"
)

// generateTestCert builds a self-signed certificate with known subject fields.
func generateTestCert(t *testing.T, subject pkix.Name) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return cert, key
}

func TestParseRoundTrip(t *testing.T) {
	cert, _ := generateTestCert(t, pkix.Name{
		CommonName:   "Demo User",
		Organization: []string{"Demo Org"},
		Country:      []string{"BE"},
		SerialNumber: "85010112345",
	})

	info, err := Parse(cert.Raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if info.CommonName != "Demo User" {
		t.Errorf("CommonName = %q, want %q", info.CommonName, "Demo User")
	}
	if info.Organization != "Demo Org" {
		t.Errorf("Organization = %q, want %q", info.Organization, "Demo Org")
	}
	if info.Country != "BE" {
		t.Errorf("Country = %q, want %q", info.Country, "BE")
	}
	if info.NationalNumber != "85010112345" {
		t.Errorf("NationalNumber = %q, want %q", info.NationalNumber, "85010112345")
	}
	if info.IssuerCommonName != "Demo User" {
		t.Errorf("IssuerCommonName = %q, want %q (self-signed)", info.IssuerCommonName, "Demo User")
	}
	if info.SerialNumber != "42" {
		t.Errorf("SerialNumber = %q, want %q", info.SerialNumber, "42")
	}
	if len(info.Fingerprint) != 64 {
		t.Errorf("Fingerprint length = %d, want 64 hex chars", len(info.Fingerprint))
	}
	if info.ValidTo.Before(info.ValidFrom) {
		t.Error("ValidTo precedes ValidFrom")
	}
}

func TestParsePEM(t *testing.T) {
	cert, _ := generateTestCert(t, pkix.Name{CommonName: "PEM User"})
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	info, err := Parse(pemBytes)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if info.CommonName != "PEM User" {
		t.Errorf("CommonName = %q, want %q", info.CommonName, "PEM User")
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		der  []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not a certificate")},
		{"truncated", []byte{0x30, 0x82, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.der)
			if err == nil {
				t.Fatal("Parse should fail")
			}
			if signerr.KindOf(err) != signerr.KindCertificateParse {
				t.Errorf("kind = %q, want %q", signerr.KindOf(err), signerr.KindCertificateParse)
			}
		})
	}
}

func TestParsePKCS12(t *testing.T) {
	cert, key := generateTestCert(t, pkix.Name{
		CommonName:   "Demo User",
		Organization: []string{"Demo Org"},
	})

	archive, err := pkcs12.Modern.Encode(key, cert, nil, "demo")
	if err != nil {
		t.Fatalf("Failed to encode PKCS#12: %v", err)
	}

	identity, err := ParsePKCS12(archive, "demo")
	if err != nil {
		t.Fatalf("ParsePKCS12 failed: %v", err)
	}

	if identity.Certificate == nil || identity.PrivateKey == nil {
		t.Fatal("identity missing certificate or key")
	}
	if identity.Info.CommonName != "Demo User" {
		t.Errorf("CommonName = %q, want %q", identity.Info.CommonName, "Demo User")
	}
}

func TestParsePKCS12WrongPassword(t *testing.T) {
	cert, key := generateTestCert(t, pkix.Name{CommonName: "Demo User"})

	archive, err := pkcs12.Modern.Encode(key, cert, nil, "demo")
	if err != nil {
		t.Fatalf("Failed to encode PKCS#12: %v", err)
	}

	_, err = ParsePKCS12(archive, "wrong")
	if err == nil {
		t.Fatal("ParsePKCS12 should fail with wrong password")
	}
	if signerr.KindOf(err) != signerr.KindCertificateParse {
		t.Errorf("kind = %q, want %q", signerr.KindOf(err), signerr.KindCertificateParse)
	}
}

func TestParsePKCS12Empty(t *testing.T) {
	_, err := ParsePKCS12(nil, "demo")
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		info CertificateInfo
		want string
	}{
		{"common name", CertificateInfo{CommonName: "Jane Doe", Organization: "Org"}, "Jane Doe"},
		{"organization fallback", CertificateInfo{Organization: "Org"}, "Org"},
		{"serial fallback", CertificateInfo{SerialNumber: "7"}, "serial 7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

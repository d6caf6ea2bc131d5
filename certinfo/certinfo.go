// Package certinfo extracts signer identity from X.509 certificates and
// PKCS#12 archives. It is a narrow, pure module: bytes (plus password) in,
// structs out. Parsing failures are reported as signerr.KindCertificateParse
// so callers can fall back to caller-supplied metadata where identity is
// non-fatal.
package certinfo

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/docsuite/esign/signerr"
)

// Common errors
var (
	ErrNoCertFound = errors.New("no certificate found in data")
	ErrEmptyInput  = errors.New("empty certificate data")
	ErrNotASigner  = errors.New("private key does not support signing")
)

// Subject attribute OIDs looked up by Parse. The serialNumber attribute is
// where eID-style certificates carry the holder's national number.
var (
	oidSerialNumber = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

// CertificateInfo is the identity record derived from a certificate.
// It is read-only once produced.
type CertificateInfo struct {
	CommonName       string    `json:"commonName"`
	Organization     string    `json:"organization,omitempty"`
	Country          string    `json:"country,omitempty"`
	SerialNumber     string    `json:"serialNumber"`
	NationalNumber   string    `json:"nationalNumber,omitempty"`
	Email            string    `json:"email,omitempty"`
	IssuerCommonName string    `json:"issuerCommonName"`
	ValidFrom        time.Time `json:"validFrom"`
	ValidTo          time.Time `json:"validTo"`

	// Fingerprint is the hex SHA-256 of the DER encoding, for display and
	// audit only, never for trust decisions.
	Fingerprint string `json:"fingerprint"`
}

// Parse parses a DER-encoded certificate into a CertificateInfo.
// PEM input is accepted as well; the first CERTIFICATE block is used.
func Parse(der []byte) (*CertificateInfo, error) {
	if len(der) == 0 {
		return nil, signerr.Wrap(signerr.KindCertificateParse, ErrEmptyInput, "parsing certificate")
	}

	if isPEM(der) {
		block, _ := pem.Decode(der)
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, signerr.Wrap(signerr.KindCertificateParse, ErrNoCertFound, "decoding PEM certificate")
		}
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindCertificateParse, err, "parsing DER certificate")
	}
	return FromCertificate(cert), nil
}

// FromCertificate derives a CertificateInfo from an already parsed certificate.
func FromCertificate(cert *x509.Certificate) *CertificateInfo {
	sum := sha256.Sum256(cert.Raw)

	info := &CertificateInfo{
		CommonName:       cert.Subject.CommonName,
		SerialNumber:     cert.SerialNumber.String(),
		IssuerCommonName: cert.Issuer.CommonName,
		ValidFrom:        cert.NotBefore,
		ValidTo:          cert.NotAfter,
		Fingerprint:      hex.EncodeToString(sum[:]),
	}
	if len(cert.Subject.Organization) > 0 {
		info.Organization = cert.Subject.Organization[0]
	}
	if len(cert.Subject.Country) > 0 {
		info.Country = cert.Subject.Country[0]
	}
	if len(cert.EmailAddresses) > 0 {
		info.Email = cert.EmailAddresses[0]
	}

	for _, name := range cert.Subject.Names {
		val, ok := name.Value.(string)
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch {
		case name.Type.Equal(oidSerialNumber):
			info.NationalNumber = val
		case name.Type.Equal(oidEmailAddress) && info.Email == "":
			info.Email = val
		}
	}

	return info
}

// Identity is a certificate and private key loaded from a PKCS#12 archive,
// together with the issuing chain found alongside it.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	CAChain     []*x509.Certificate
	Info        *CertificateInfo
}

// ParsePKCS12 decodes a PKCS#12 archive and locates the leaf certificate.
// A wrong password and a malformed archive are both reported as
// signerr.KindCertificateParse; the two are indistinguishable by design of
// the PKCS#12 MAC.
func ParsePKCS12(data []byte, password string) (*Identity, error) {
	if len(data) == 0 {
		return nil, signerr.Wrap(signerr.KindCertificateParse, ErrEmptyInput, "decoding PKCS#12 archive")
	}

	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindCertificateParse, err, "decoding PKCS#12 archive")
	}
	if cert == nil {
		return nil, signerr.Wrap(signerr.KindCertificateParse, ErrNoCertFound, "decoding PKCS#12 archive")
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, signerr.Wrap(signerr.KindCertificateParse, ErrNotASigner, "decoding PKCS#12 archive")
	}

	return &Identity{
		Certificate: cert,
		PrivateKey:  signer,
		CAChain:     chain,
		Info:        FromCertificate(cert),
	}, nil
}

// Fingerprint returns the hex SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// DisplayName returns the best human-readable name for the holder.
func (c *CertificateInfo) DisplayName() string {
	if c.CommonName != "" {
		return c.CommonName
	}
	if c.Organization != "" {
		return c.Organization
	}
	return fmt.Sprintf("serial %s", c.SerialNumber)
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

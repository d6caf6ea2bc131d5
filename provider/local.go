package provider

import (
	"context"
	"time"

	"github.com/docsuite/esign/certinfo"
	"github.com/docsuite/esign/signerr"
)

// LocalCertificate signs with an uploaded PKCS#12 archive. The archive is
// decoded for identity only: no cryptographic signature over the document is
// produced, the caller receives a visual stamp and the parsed certificate.
// Decoding happens in-process, so the provider is always available.
type LocalCertificate struct{}

func NewLocalCertificate() *LocalCertificate {
	return &LocalCertificate{}
}

func (p *LocalCertificate) Method() Method { return MethodCertificate }

func (p *LocalCertificate) Available(ctx context.Context) bool { return true }

func (p *LocalCertificate) Begin(ctx context.Context, req *Request) (*Outcome, error) {
	if len(req.Certificate) == 0 {
		return nil, signerr.New(signerr.KindValidation, "certificate method requires a PKCS#12 archive")
	}

	identity, err := certinfo.ParsePKCS12(req.Certificate, req.Password)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Status: StatusSigned,
		Result: &Result{
			Certificate: identity.Certificate.Raw,
			Signer:      signerFromCertificate(identity.Info),
			SignedAt:    time.Now(),
		},
	}, nil
}

// Poll is a no-op: the certificate method completes in Begin.
func (p *LocalCertificate) Poll(ctx context.Context, h *Handle) (*Outcome, error) {
	return &Outcome{Status: StatusSigned}, nil
}

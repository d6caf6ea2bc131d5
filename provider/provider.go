// Package provider implements the signing strategies supported by the
// service: a locally supplied PKCS#12 certificate, an eID smart card behind
// local middleware, and two OAuth2-based remote signing services. All four
// satisfy the same Begin/Poll contract so callers never branch on whether a
// provider answers now or eventually.
package provider

import (
	"context"
	"time"

	"github.com/docsuite/esign/certinfo"
)

// Method identifies a signing strategy.
type Method string

const (
	MethodCertificate Method = "certificate"
	MethodCard        Method = "card"
	MethodItsme       Method = "itsme"
	MethodCSAM        Method = "csam"
)

// Status of an in-flight or finished signature request. Intermediate
// statuses only occur for polling providers.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusWaitingUser Status = "WAITING_USER_ACTION"
	StatusSigned      Status = "SIGNED"
	StatusRejected    Status = "REJECTED"
	StatusExpired     Status = "EXPIRED"
	StatusError       Status = "ERROR"
)

// Terminal reports whether no further polling can change the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusRejected, StatusExpired, StatusError:
		return true
	}
	return false
}

// Request carries everything a provider needs for one signing attempt. It is
// created per call and never persisted.
type Request struct {
	Document []byte

	// Certificate is the PKCS#12 archive for the certificate method.
	Certificate []byte
	Password    string

	// PIN authorizes the card method.
	PIN string

	// AuthCode is the OAuth2 authorization code for remote methods.
	AuthCode string

	SignerName  string
	Reason      string
	Location    string
	ContactInfo string
}

// SignerInfo is the identity attached to a signature.
type SignerInfo struct {
	CommonName     string `json:"commonName"`
	Organization   string `json:"organization,omitempty"`
	NationalNumber string `json:"nationalNumber,omitempty"`
	Email          string `json:"email,omitempty"`
}

// Result is the terminal product of a successful signing attempt. It is
// consumed immediately by the caller and discarded.
type Result struct {
	// Signature is the raw signature over the document digest. Empty for
	// the certificate method, which renders a visual stamp only.
	Signature []byte

	// Certificate is the signer's certificate in DER form.
	Certificate []byte

	Signer            SignerInfo
	ProviderRequestID string
	SignedAt          time.Time
}

// Handle identifies an in-flight remote signature request between Begin and
// a terminal Poll.
type Handle struct {
	RequestID   string
	AccessToken string
	ExpiresAt   time.Time
	Signer      SignerInfo
}

// Outcome is what Begin and Poll return on the non-error path. Exactly one
// of Result and Handle is set: Result when Status is SIGNED, Handle when the
// request is still pending.
type Outcome struct {
	Status Status
	Result *Result
	Handle *Handle
}

// Provider is the uniform signing contract. Synchronous providers return a
// terminal Outcome from Begin; polling providers return a Handle that the
// caller feeds back into Poll until a terminal status. Failures are returned
// as errors carrying a taxonomy kind, never encoded in the Outcome.
type Provider interface {
	Method() Method

	// Available is a side-effect-free configuration or reachability check.
	Available(ctx context.Context) bool

	Begin(ctx context.Context, req *Request) (*Outcome, error)
	Poll(ctx context.Context, h *Handle) (*Outcome, error)
}

// PollPolicy bounds the poll loop for a pending Outcome.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Poller is implemented by providers whose Begin can return a pending
// Outcome.
type Poller interface {
	PollPolicy() PollPolicy
}

// DefaultPollPolicy applies when a provider does not implement Poller.
var DefaultPollPolicy = PollPolicy{Interval: 5 * time.Second, MaxAttempts: 60}

func signerFromCertificate(info *certinfo.CertificateInfo) SignerInfo {
	if info == nil {
		return SignerInfo{}
	}
	return SignerInfo{
		CommonName:     info.CommonName,
		Organization:   info.Organization,
		NationalNumber: info.NationalNumber,
		Email:          info.Email,
	}
}

// Package signing drives a signing request end to end: validate, select a
// provider, run it to a terminal outcome, resolve the signer identity from
// the returned certificate and stamp the document. Long-running polling
// flows run as background jobs so no HTTP connection is held open for the
// duration.
package signing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docsuite/esign/audit"
	"github.com/docsuite/esign/certinfo"
	"github.com/docsuite/esign/provider"
	"github.com/docsuite/esign/signerr"
	"github.com/docsuite/esign/stamp"
)

// Request is one signing submission. Created per call, never persisted.
type Request struct {
	Method   provider.Method
	Document []byte

	Certificate []byte
	Password    string
	PIN         string
	AuthCode    string

	SignerName  string
	Reason      string
	Location    string
	ContactInfo string

	Placement *stamp.Placement

	// OnStatus, when set, observes every non-terminal status while the
	// request is being polled.
	OnStatus func(provider.Status)
}

// Signed is the final product of a successful request.
type Signed struct {
	PDF               []byte
	Signer            provider.SignerInfo
	Certificate       *certinfo.CertificateInfo
	ProviderRequestID string
	SignedAt          time.Time
}

// MethodInfo describes one signing method for discovery.
type MethodInfo struct {
	ID               provider.Method `json:"id"`
	Name             string          `json:"name"`
	Available        bool            `json:"available"`
	RequiresPassword bool            `json:"requiresPassword"`
	RequiresPIN      bool            `json:"requiresPin"`
	RequiresOAuth    bool            `json:"requiresOAuth"`
}

var methodNames = map[provider.Method]string{
	provider.MethodCertificate: "Certificate file",
	provider.MethodCard:        "eID card",
	provider.MethodItsme:       "itsme",
	provider.MethodCSAM:        "CSAM remote signing",
}

// methodOrder fixes the discovery listing order.
var methodOrder = []provider.Method{
	provider.MethodCertificate,
	provider.MethodCard,
	provider.MethodItsme,
	provider.MethodCSAM,
}

// Orchestrator owns the registered providers and the signing pipeline.
type Orchestrator struct {
	providers map[provider.Method]provider.Provider
	publisher audit.Publisher
	logger    *slog.Logger
}

func NewOrchestrator(logger *slog.Logger, publisher audit.Publisher, providers ...provider.Provider) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = audit.NewNoopPublisher()
	}
	byMethod := make(map[provider.Method]provider.Provider, len(providers))
	for _, p := range providers {
		byMethod[p.Method()] = p
	}
	return &Orchestrator{providers: byMethod, publisher: publisher, logger: logger}
}

// Provider returns the registered provider for a method.
func (o *Orchestrator) Provider(m provider.Method) (provider.Provider, bool) {
	p, ok := o.providers[m]
	return p, ok
}

// Methods lists all registered methods with a live availability flag.
func (o *Orchestrator) Methods(ctx context.Context) []MethodInfo {
	out := make([]MethodInfo, 0, len(o.providers))
	for _, m := range methodOrder {
		p, ok := o.providers[m]
		if !ok {
			continue
		}
		out = append(out, MethodInfo{
			ID:               m,
			Name:             methodNames[m],
			Available:        p.Available(ctx),
			RequiresPassword: m == provider.MethodCertificate,
			RequiresPIN:      m == provider.MethodCard,
			RequiresOAuth:    m == provider.MethodItsme || m == provider.MethodCSAM,
		})
	}
	return out
}

// Validate checks that the method's required inputs are present. It runs
// before any provider call so a bad request never touches the network or the
// card middleware.
func (o *Orchestrator) Validate(req *Request) error {
	if len(req.Document) == 0 {
		return signerr.New(signerr.KindValidation, "a PDF document is required")
	}
	if _, ok := o.providers[req.Method]; !ok {
		return signerr.New(signerr.KindValidation, "unknown signing method %q", req.Method)
	}
	switch req.Method {
	case provider.MethodCertificate:
		if len(req.Certificate) == 0 {
			return signerr.New(signerr.KindValidation, "the certificate method requires a certificate file")
		}
	case provider.MethodCard:
		if req.PIN == "" {
			return signerr.New(signerr.KindValidation, "the card method requires a PIN")
		}
	case provider.MethodItsme, provider.MethodCSAM:
		if req.AuthCode == "" {
			return signerr.New(signerr.KindValidation, "method %q requires an authorization code", req.Method)
		}
	}
	return nil
}

// Sign runs the request to completion. For polling providers this blocks for
// up to the provider's poll budget; callers that cannot block run it through
// the job registry instead.
func (o *Orchestrator) Sign(ctx context.Context, req *Request) (*Signed, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}

	p := o.providers[req.Method]
	out, err := p.Begin(ctx, o.providerRequest(req))
	if err != nil {
		return nil, o.fail(ctx, req, "", err)
	}

	out, err = o.awaitTerminal(ctx, p, out, req.OnStatus)
	if err != nil {
		return nil, o.fail(ctx, req, requestID(out), err)
	}

	if out.Status != provider.StatusSigned || out.Result == nil {
		err := signerr.New(signerr.KindInternal, "provider finished with status %s but no result", out.Status)
		return nil, o.fail(ctx, req, requestID(out), err)
	}

	signed, err := o.finish(req, out.Result)
	if err != nil {
		return nil, o.fail(ctx, req, out.Result.ProviderRequestID, err)
	}

	o.publish(ctx, audit.Event{
		RequestID:  signed.ProviderRequestID,
		Method:     string(req.Method),
		Outcome:    "signed",
		SignerCN:   signed.Signer.CommonName,
		OccurredAt: signed.SignedAt,
	})
	return signed, nil
}

// awaitTerminal polls a pending outcome until a terminal status, the
// provider's attempt budget runs out, or the context is cancelled. A
// provider is polled at most MaxAttempts times per request.
func (o *Orchestrator) awaitTerminal(ctx context.Context, p provider.Provider, out *provider.Outcome, onStatus func(provider.Status)) (*provider.Outcome, error) {
	if out.Status.Terminal() {
		return out, nil
	}

	policy := provider.DefaultPollPolicy
	if pp, ok := p.(provider.Poller); ok {
		policy = pp.PollPolicy()
	}

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if onStatus != nil {
			onStatus(out.Status)
		}

		select {
		case <-ctx.Done():
			o.cancelRemote(p, out.Handle)
			return nil, signerr.Wrap(signerr.KindTimeout, ctx.Err(), "signing abandoned before completion")
		case <-time.After(policy.Interval):
		}

		next, err := p.Poll(ctx, out.Handle)
		if err != nil {
			return nil, err
		}
		out = next
		if out.Status.Terminal() {
			return out, nil
		}
	}

	o.cancelRemote(p, out.Handle)
	return nil, signerr.New(signerr.KindTimeout, "signature request not completed after %d polls", policy.MaxAttempts)
}

// cancelRemote tells the provider to drop an abandoned remote request, when
// it supports that.
func (o *Orchestrator) cancelRemote(p provider.Provider, h *provider.Handle) {
	type canceler interface {
		Cancel(ctx context.Context, h *provider.Handle) error
	}
	if h == nil {
		return
	}
	if c, ok := p.(canceler); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Cancel(ctx, h); err != nil {
			o.logger.Warn("failed to cancel remote signature request",
				"requestId", h.RequestID, "error", err)
		}
	}
}

// finish resolves the signer identity and stamps the document. The
// certificate is authoritative for identity; caller metadata is the fallback
// when it cannot be parsed, and a request that yields no identity at all is
// rejected rather than producing an unattributed signature.
func (o *Orchestrator) finish(req *Request, result *provider.Result) (*Signed, error) {
	signer := result.Signer
	var info *certinfo.CertificateInfo

	if len(result.Certificate) > 0 {
		parsed, err := certinfo.Parse(result.Certificate)
		if err == nil {
			info = parsed
			if parsed.CommonName != "" {
				signer.CommonName = parsed.CommonName
			}
			if parsed.Organization != "" {
				signer.Organization = parsed.Organization
			}
			if parsed.NationalNumber != "" {
				signer.NationalNumber = parsed.NationalNumber
			}
			if parsed.Email != "" {
				signer.Email = parsed.Email
			}
		} else {
			o.logger.Warn("certificate parse failed, falling back to caller metadata",
				"method", req.Method, "error", err)
		}
	}

	if signer.CommonName == "" {
		signer.CommonName = req.SignerName
	}
	if signer.CommonName == "" {
		return nil, signerr.New(signerr.KindCertificateParse, "cannot determine signer identity: certificate unreadable and no signer name supplied")
	}

	signedAt := result.SignedAt
	if signedAt.IsZero() {
		signedAt = time.Now()
	}

	stamped, err := stamp.Apply(req.Document, &stamp.Stamp{
		SignerName:   signer.CommonName,
		Organization: signer.Organization,
		Reason:       req.Reason,
		Location:     req.Location,
		ContactInfo:  req.ContactInfo,
		SignedAt:     signedAt,
		Placement:    req.Placement,
	})
	if err != nil {
		return nil, mapStampError(err)
	}

	return &Signed{
		PDF:               stamped,
		Signer:            signer,
		Certificate:       info,
		ProviderRequestID: result.ProviderRequestID,
		SignedAt:          signedAt,
	}, nil
}

// fail publishes the failure event and returns the error unchanged. Raw
// provider errors without a taxonomy kind are wrapped so nothing internal
// reaches the response body.
func (o *Orchestrator) fail(ctx context.Context, req *Request, providerRequestID string, err error) error {
	kind := signerr.KindOf(err)
	o.publish(ctx, audit.Event{
		RequestID:  providerRequestID,
		Method:     string(req.Method),
		Outcome:    "failed",
		Error:      string(kind),
		OccurredAt: time.Now().UTC(),
	})

	var serr *signerr.Error
	if errors.As(err, &serr) {
		return err
	}
	o.logger.Error("provider failed without taxonomy kind", "method", req.Method, "error", err)
	return signerr.Wrap(signerr.KindInternal, err, "signing failed")
}

func (o *Orchestrator) publish(ctx context.Context, ev audit.Event) {
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish audit event", "method", ev.Method, "error", err)
	}
}

func (o *Orchestrator) providerRequest(req *Request) *provider.Request {
	return &provider.Request{
		Document:    req.Document,
		Certificate: req.Certificate,
		Password:    req.Password,
		PIN:         req.PIN,
		AuthCode:    req.AuthCode,
		SignerName:  req.SignerName,
		Reason:      req.Reason,
		Location:    req.Location,
		ContactInfo: req.ContactInfo,
	}
}

func requestID(out *provider.Outcome) string {
	if out == nil {
		return ""
	}
	if out.Result != nil {
		return out.Result.ProviderRequestID
	}
	if out.Handle != nil {
		return out.Handle.RequestID
	}
	return ""
}

func mapStampError(err error) error {
	switch {
	case errors.Is(err, stamp.ErrEmptyDocument),
		errors.Is(err, stamp.ErrNotPDF),
		errors.Is(err, stamp.ErrNoPages),
		errors.Is(err, stamp.ErrPageOutOfRange):
		return signerr.Wrap(signerr.KindValidation, err, "cannot stamp document")
	default:
		return signerr.Wrap(signerr.KindInternal, err, "stamping failed")
	}
}

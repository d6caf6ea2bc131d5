package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/docsuite/esign/certinfo"
	"github.com/docsuite/esign/signerr"
)

// cardLocks serializes card access per middleware endpoint. A reader can
// only run one PIN session at a time; interleaved requests would trigger
// overlapping PIN prompts and spurious lockouts.
var cardLocks sync.Map

func cardLock(endpoint string) *sync.Mutex {
	mu, _ := cardLocks.LoadOrStore(endpoint, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Card signs through local eID middleware reachable over HTTP. The
// middleware exposes the inserted card's holder info and signature
// certificate, and signs a document digest after PIN verification.
type Card struct {
	Endpoint string
	Client   *http.Client
}

func NewCard(endpoint string) *Card {
	return &Card{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Card) Method() Method { return MethodCard }

// Available probes the middleware health endpoint.
func (p *Card) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", p.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CardHolder is what the middleware reports about the inserted card.
type CardHolder struct {
	Name           string `json:"name"`
	NationalNumber string `json:"nationalNumber"`
	CardNumber     string `json:"cardNumber"`
	ValidUntil     string `json:"validUntil"`
}

// ReadHolder fetches the card holder record without touching the PIN.
func (p *Card) ReadHolder(ctx context.Context) (*CardHolder, error) {
	var holder CardHolder
	if err := p.get(ctx, "/card", &holder); err != nil {
		return nil, err
	}
	return &holder, nil
}

// ReadCertificate fetches the card's signature certificate in DER form.
func (p *Card) ReadCertificate(ctx context.Context) ([]byte, error) {
	var payload struct {
		Certificate string `json:"certificate"`
	}
	if err := p.get(ctx, "/card/certificate", &payload); err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindCertificateParse, err, "middleware returned an unreadable certificate")
	}
	return der, nil
}

func (p *Card) Begin(ctx context.Context, req *Request) (*Outcome, error) {
	if req.PIN == "" {
		return nil, signerr.New(signerr.KindValidation, "card method requires a PIN")
	}
	if len(req.Document) == 0 {
		return nil, signerr.New(signerr.KindValidation, "card method requires a document")
	}

	mu := cardLock(p.Endpoint)
	mu.Lock()
	defer mu.Unlock()

	if !p.Available(ctx) {
		return nil, signerr.New(signerr.KindProviderUnavailable, "eID middleware unreachable at %s", p.Endpoint)
	}

	holder, err := p.ReadHolder(ctx)
	if err != nil {
		return nil, err
	}

	certDER, err := p.ReadCertificate(ctx)
	if err != nil {
		return nil, err
	}

	// The holder record backs up the certificate subject when the card
	// certificate does not parse; the orchestrator falls back again to
	// caller metadata if needed.
	si := SignerInfo{CommonName: holder.Name, NationalNumber: holder.NationalNumber}
	if info, parseErr := certinfo.Parse(certDER); parseErr == nil {
		si = signerFromCertificate(info)
		if si.NationalNumber == "" {
			si.NationalNumber = holder.NationalNumber
		}
	}

	digest := sha256.Sum256(req.Document)
	signature, err := p.sign(ctx, digest[:], req.PIN)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Status: StatusSigned,
		Result: &Result{
			Signature:   signature,
			Certificate: certDER,
			Signer:      si,
			SignedAt:    time.Now(),
		},
	}, nil
}

// Poll is a no-op: the card method completes in Begin.
func (p *Card) Poll(ctx context.Context, h *Handle) (*Outcome, error) {
	return &Outcome{Status: StatusSigned}, nil
}

// sign submits the digest and PIN to the middleware. The middleware answers
// 401 for a wrong PIN (retryable by the user) and 423 once the card is
// blocked.
func (p *Card) sign(ctx context.Context, digest []byte, pin string) ([]byte, error) {
	body, err := json.Marshal(map[string]interface{}{
		"digest":          base64.StdEncoding.EncodeToString(digest),
		"digestAlgorithm": "SHA-256",
		"pin":             pin,
	})
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to marshal sign request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.Endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to create sign request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "eID middleware request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, signerr.New(signerr.KindAuthentication, "incorrect PIN")
	case http.StatusLocked:
		return nil, signerr.New(signerr.KindCardBlocked, "card is blocked; contact the issuing authority to unblock it")
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, signerr.New(signerr.KindProviderUnavailable, "eID middleware returned status %d: %s", resp.StatusCode, string(msg))
	}

	var payload struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode middleware response")
	}
	signature, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "middleware returned an unreadable signature")
	}
	return signature, nil
}

func (p *Card) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.Endpoint+path, nil)
	if err != nil {
		return signerr.Wrap(signerr.KindInternal, err, "failed to create request")
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return signerr.Wrap(signerr.KindProviderUnavailable, err, "eID middleware request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return signerr.New(signerr.KindProviderUnavailable, "eID middleware returned status %d for %s: %s", resp.StatusCode, path, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode middleware response for %s", path)
	}
	return nil
}

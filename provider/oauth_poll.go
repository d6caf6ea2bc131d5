package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docsuite/esign/signerr"
)

// Polling defaults: 5 seconds between status checks, 60 attempts, a
// five-minute ceiling per request.
const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 60
)

// PollingOAuth talks to a CSAM-style remote signing service. Begin exchanges
// the authorization code, decodes the signer identity from the access token
// claims and creates a remote signature request; the user then approves on
// their own device while the caller polls. Poll performs exactly one remote
// status check per call and never re-creates the request.
type PollingOAuth struct {
	Config  OAuthConfig
	BaseURL string
	Client  *http.Client

	// Interval and MaxAttempts bound the caller's poll loop; zero values
	// select the defaults.
	Interval    time.Duration
	MaxAttempts int
}

func NewPollingOAuth(cfg OAuthConfig, baseURL string) *PollingOAuth {
	return &PollingOAuth{
		Config:  cfg,
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PollingOAuth) Method() Method { return MethodCSAM }

// OAuth exposes the client configuration for the authorize redirect flow.
func (p *PollingOAuth) OAuth() *OAuthConfig { return &p.Config }

func (p *PollingOAuth) Available(ctx context.Context) bool {
	return p.Config.Configured()
}

func (p *PollingOAuth) PollPolicy() PollPolicy {
	policy := PollPolicy{Interval: p.Interval, MaxAttempts: p.MaxAttempts}
	if policy.Interval <= 0 {
		policy.Interval = defaultPollInterval
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultMaxAttempts
	}
	return policy
}

func (p *PollingOAuth) Begin(ctx context.Context, req *Request) (*Outcome, error) {
	if req.AuthCode == "" {
		return nil, signerr.New(signerr.KindValidation, "csam method requires an authorization code")
	}
	if len(req.Document) == 0 {
		return nil, signerr.New(signerr.KindValidation, "csam method requires a document")
	}
	if !p.Config.Configured() {
		return nil, signerr.New(signerr.KindConfiguration, "csam client credentials are not configured")
	}

	tok, err := exchangeCode(ctx, p.Client, &p.Config, req.AuthCode)
	if err != nil {
		return nil, err
	}

	claims, err := decodeJWTClaims(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	signer := SignerInfo{
		CommonName:     claimString(claims, "name"),
		NationalNumber: claimString(claims, "nationalNumber", "sub"),
		Email:          claimString(claims, "email"),
	}

	digest := sha256.Sum256(req.Document)
	created, err := p.createRequest(ctx, tok.AccessToken, digest[:], req)
	if err != nil {
		return nil, err
	}

	handle := &Handle{
		RequestID:   created.RequestID,
		AccessToken: tok.AccessToken,
		ExpiresAt:   created.ExpiresAt,
		Signer:      signer,
	}

	status := mapRemoteStatus(created.Status)
	if status == StatusSigned {
		// Pre-approved requests can come back signed immediately.
		result, err := p.fetchArtifact(ctx, handle)
		if err != nil {
			return nil, err
		}
		return &Outcome{Status: StatusSigned, Result: result}, nil
	}
	if status.Terminal() {
		// Any other terminal status on creation never reached the user.
		return nil, terminalError(status, "signature request was %s on creation", created.Status)
	}
	return &Outcome{Status: status, Handle: handle}, nil
}

// Poll checks the remote request status once. Pending statuses return the
// handle for the next round; SIGNED fetches the artifact; every other
// terminal status is returned as an error and ends the request.
func (p *PollingOAuth) Poll(ctx context.Context, h *Handle) (*Outcome, error) {
	if h == nil || h.RequestID == "" {
		return nil, signerr.New(signerr.KindInternal, "poll called without a request handle")
	}

	var payload struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := p.get(ctx, h, fmt.Sprintf("/signatures/%s", h.RequestID), &payload); err != nil {
		return nil, err
	}

	status := mapRemoteStatus(payload.Status)
	switch status {
	case StatusPending, StatusWaitingUser:
		return &Outcome{Status: status, Handle: h}, nil
	case StatusSigned:
		result, err := p.fetchArtifact(ctx, h)
		if err != nil {
			return nil, err
		}
		return &Outcome{Status: StatusSigned, Result: result}, nil
	case StatusError:
		if payload.Message != "" {
			return nil, signerr.New(signerr.KindInternal, "remote signing failed: %s", payload.Message)
		}
		return nil, signerr.New(signerr.KindInternal, "remote signing failed")
	default:
		return nil, terminalError(status, "signature request %s", payload.Status)
	}
}

// Cancel tells the remote service to drop an unfinished request. Best
// effort: the remote request expires on its own either way.
func (p *PollingOAuth) Cancel(ctx context.Context, h *Handle) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", p.BaseURL+"/signatures/"+h.RequestID, nil)
	if err != nil {
		return signerr.Wrap(signerr.KindInternal, err, "failed to create cancel request")
	}
	req.Header.Set("Authorization", "Bearer "+h.AccessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return signerr.Wrap(signerr.KindProviderUnavailable, err, "cancel request failed")
	}
	resp.Body.Close()
	return nil
}

type createdRequest struct {
	RequestID string
	Status    string
	ExpiresAt time.Time
}

func (p *PollingOAuth) createRequest(ctx context.Context, accessToken string, digest []byte, sreq *Request) (*createdRequest, error) {
	body, err := json.Marshal(map[string]interface{}{
		"digest":          base64.StdEncoding.EncodeToString(digest),
		"digestAlgorithm": "SHA-256",
		"reason":          sreq.Reason,
		"location":        sreq.Location,
		"contact":         sreq.ContactInfo,
	})
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to marshal create request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.BaseURL+"/signatures", bytes.NewReader(body))
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "signing service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, signerr.New(signerr.KindAuthentication, "signing service rejected the access token")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, signerr.New(signerr.KindProviderUnavailable, "signing service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var payload struct {
		RequestID string `json:"requestId"`
		Status    string `json:"status"`
		ExpiresAt string `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode create response")
	}
	if payload.RequestID == "" {
		return nil, signerr.New(signerr.KindProviderUnavailable, "signing service returned no request id")
	}

	created := &createdRequest{RequestID: payload.RequestID, Status: payload.Status}
	if payload.ExpiresAt != "" {
		if at, err := time.Parse(time.RFC3339, payload.ExpiresAt); err == nil {
			created.ExpiresAt = at
		}
	}
	return created, nil
}

func (p *PollingOAuth) fetchArtifact(ctx context.Context, h *Handle) (*Result, error) {
	var payload struct {
		Signature   string `json:"signature"`
		Certificate string `json:"certificate"`
		SignedAt    string `json:"signedAt"`
	}
	if err := p.get(ctx, h, fmt.Sprintf("/signatures/%s/artifact", h.RequestID), &payload); err != nil {
		return nil, err
	}

	signature, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "signature is not valid base64")
	}
	certificate, err := base64.StdEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "certificate is not valid base64")
	}

	signedAt := time.Now()
	if payload.SignedAt != "" {
		if at, err := time.Parse(time.RFC3339, payload.SignedAt); err == nil {
			signedAt = at
		}
	}

	return &Result{
		Signature:         signature,
		Certificate:       certificate,
		Signer:            h.Signer,
		ProviderRequestID: h.RequestID,
		SignedAt:          signedAt,
	}, nil
}

func (p *PollingOAuth) get(ctx context.Context, h *Handle, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.BaseURL+path, nil)
	if err != nil {
		return signerr.Wrap(signerr.KindInternal, err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+h.AccessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return signerr.Wrap(signerr.KindProviderUnavailable, err, "signing service unreachable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return signerr.New(signerr.KindAuthentication, "signing service rejected the access token")
	case http.StatusNotFound:
		return signerr.New(signerr.KindExpired, "signature request %s no longer exists", h.RequestID)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return signerr.New(signerr.KindProviderUnavailable, "signing service returned status %d: %s", resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode response for %s", path)
	}
	return nil
}

func mapRemoteStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusWaitingUser, StatusSigned, StatusRejected, StatusExpired, StatusError:
		return Status(s)
	default:
		return StatusError
	}
}

func terminalError(status Status, format string, args ...interface{}) error {
	switch status {
	case StatusRejected:
		return signerr.New(signerr.KindUserRejected, "signer declined the signature request")
	case StatusExpired:
		return signerr.New(signerr.KindExpired, "signature request expired before completion")
	default:
		return signerr.New(signerr.KindInternal, format, args...)
	}
}

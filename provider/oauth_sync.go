package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/docsuite/esign/signerr"
)

// SyncOAuth talks to an itsme-style remote signing service: the caller has
// already completed the browser redirect, so Begin exchanges the code,
// fetches the signer identity and submits one synchronous signature call.
// The remote answers with signature, certificate and timestamp in the same
// response; there is nothing to poll.
type SyncOAuth struct {
	Config      OAuthConfig
	UserinfoURL string
	SignURL     string
	Client      *http.Client
}

func NewSyncOAuth(cfg OAuthConfig, userinfoURL, signURL string) *SyncOAuth {
	return &SyncOAuth{
		Config:      cfg,
		UserinfoURL: userinfoURL,
		SignURL:     signURL,
		Client:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *SyncOAuth) Method() Method { return MethodItsme }

// OAuth exposes the client configuration for the authorize redirect flow.
func (p *SyncOAuth) OAuth() *OAuthConfig { return &p.Config }

func (p *SyncOAuth) Available(ctx context.Context) bool {
	return p.Config.Configured()
}

func (p *SyncOAuth) Begin(ctx context.Context, req *Request) (*Outcome, error) {
	if req.AuthCode == "" {
		return nil, signerr.New(signerr.KindValidation, "itsme method requires an authorization code")
	}
	if len(req.Document) == 0 {
		return nil, signerr.New(signerr.KindValidation, "itsme method requires a document")
	}
	if !p.Config.Configured() {
		return nil, signerr.New(signerr.KindConfiguration, "itsme client credentials are not configured")
	}

	tok, err := exchangeCode(ctx, p.Client, &p.Config, req.AuthCode)
	if err != nil {
		return nil, err
	}

	signer, err := p.userinfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(req.Document)
	result, err := p.sign(ctx, tok.AccessToken, digest[:], req)
	if err != nil {
		return nil, err
	}
	result.Signer = signer

	return &Outcome{Status: StatusSigned, Result: result}, nil
}

// Poll is a no-op: the itsme flow completes in Begin.
func (p *SyncOAuth) Poll(ctx context.Context, h *Handle) (*Outcome, error) {
	return &Outcome{Status: StatusSigned}, nil
}

func (p *SyncOAuth) userinfo(ctx context.Context, accessToken string) (SignerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.UserinfoURL, nil)
	if err != nil {
		return SignerInfo{}, signerr.Wrap(signerr.KindInternal, err, "failed to create userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return SignerInfo{}, signerr.Wrap(signerr.KindProviderUnavailable, err, "userinfo endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return SignerInfo{}, signerr.New(signerr.KindAuthentication, "userinfo rejected the access token")
		}
		return SignerInfo{}, signerr.New(signerr.KindProviderUnavailable, "userinfo endpoint returned status %d", resp.StatusCode)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return SignerInfo{}, signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode userinfo response")
	}

	return SignerInfo{
		CommonName:     claimString(claims, "name"),
		NationalNumber: claimString(claims, "nationalNumber", "sub"),
		Email:          claimString(claims, "email"),
	}, nil
}

func (p *SyncOAuth) sign(ctx context.Context, accessToken string, digest []byte, sreq *Request) (*Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"digest":          base64.StdEncoding.EncodeToString(digest),
		"digestAlgorithm": "SHA-256",
		"reason":          sreq.Reason,
		"location":        sreq.Location,
	})
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to marshal sign request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.SignURL, bytes.NewReader(body))
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to create sign request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "signature endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, signerr.New(signerr.KindAuthentication, "signature request rejected: status %d: %s", resp.StatusCode, string(msg))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, signerr.New(signerr.KindProviderUnavailable, "signature endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		RequestID   string `json:"requestId"`
		Signature   string `json:"signature"`
		Certificate string `json:"certificate"`
		SignedAt    string `json:"signedAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode signature response")
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
		ProviderRequestID: payload.RequestID,
		SignedAt:          signedAt,
	}, nil
}

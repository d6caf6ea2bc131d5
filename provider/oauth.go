package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/docsuite/esign/signerr"
)

// OAuthConfig holds the client registration for a remote signing service
// using the authorization-code flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scope        string
}

// Configured reports whether client credentials are present. Unconfigured
// providers are listed as unavailable and authorize calls fail with a
// configuration error.
func (c *OAuthConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TokenURL != ""
}

// BuildAuthorizeURL returns the browser redirect target carrying the CSRF
// state nonce.
func (c *OAuthConfig) BuildAuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("state", state)
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}

	sep := "?"
	if strings.Contains(c.AuthorizeURL, "?") {
		sep = "&"
	}
	return c.AuthorizeURL + sep + q.Encode()
}

type oauthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	IDToken     string `json:"id_token"`
}

// exchangeCode swaps the authorization code for an access token. Client
// credentials travel in a Basic Authorization header, the code in a form
// body.
func exchangeCode(ctx context.Context, client *http.Client, cfg *OAuthConfig, code string) (*oauthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, signerr.Wrap(signerr.KindInternal, err, "failed to create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, signerr.New(signerr.KindAuthentication, "authorization code rejected: status %d: %s", resp.StatusCode, string(msg))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, signerr.New(signerr.KindProviderUnavailable, "token endpoint returned status %d", resp.StatusCode)
	}

	var tok oauthToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, signerr.Wrap(signerr.KindProviderUnavailable, err, "failed to decode token response")
	}
	if tok.AccessToken == "" {
		return nil, signerr.New(signerr.KindAuthentication, "token response carried no access token")
	}
	return &tok, nil
}

// decodeJWTClaims extracts the payload claims of a JWT without verifying
// its signature. The token arrives straight from the provider's TLS token
// endpoint in the same round-trip, so the transport is the trust anchor.
func decodeJWTClaims(token string) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, signerr.New(signerr.KindAuthentication, "access token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, signerr.Wrap(signerr.KindAuthentication, err, "failed to decode token claims")
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, signerr.Wrap(signerr.KindAuthentication, err, "failed to parse token claims")
	}
	return claims, nil
}

func claimString(claims map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

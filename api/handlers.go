package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/docsuite/esign/certinfo"
	"github.com/docsuite/esign/provider"
	"github.com/docsuite/esign/session"
	"github.com/docsuite/esign/signerr"
	"github.com/docsuite/esign/signing"
	"github.com/docsuite/esign/stamp"
)

// oauthProvider is implemented by providers that start with a browser
// redirect.
type oauthProvider interface {
	OAuth() *provider.OAuthConfig
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, string(signerr.KindValidation), "invalid multipart request: %v", err)
		return
	}

	document, err := formFile(r, "document")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(signerr.KindValidation), "reading document: %v", err)
		return
	}
	certificate, err := formFile(r, "certificate")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(signerr.KindValidation), "reading certificate: %v", err)
		return
	}

	placement, err := placementFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(signerr.KindValidation), "%v", err)
		return
	}

	req := &signing.Request{
		Method:      provider.Method(r.FormValue("method")),
		Document:    document,
		Certificate: certificate,
		Password:    r.FormValue("certificatePassword"),
		PIN:         r.FormValue("eidPin"),
		AuthCode:    r.FormValue("authCode"),
		SignerName:  r.FormValue("name"),
		Reason:      r.FormValue("reason"),
		Location:    r.FormValue("location"),
		ContactInfo: r.FormValue("contact"),
		Placement:   placement,
	}

	// Polling providers run in the background; the client follows up on
	// the request id. Everything else completes within this exchange.
	if p, ok := s.orch.Provider(req.Method); ok {
		if _, polls := p.(provider.Poller); polls {
			id, err := s.jobs.Start(req)
			if err != nil {
				writeSigningError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"requestId": id})
			return
		}
	}

	signed, err := s.orch.Sign(r.Context(), req)
	if err != nil {
		writeSigningError(w, err)
		return
	}
	writePDF(w, signed)
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown signing request")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRequestDocument(w http.ResponseWriter, r *http.Request) {
	signed, err := s.jobs.Document(r.PathValue("id"))
	switch {
	case errors.Is(err, signing.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown signing request")
	case errors.Is(err, signing.ErrJobNotFinished):
		writeError(w, http.StatusConflict, "not_finished", "the signing request has not finished yet")
	case err != nil:
		writeSigningError(w, err)
	default:
		writePDF(w, signed)
	}
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown signing request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"methods": s.orch.Methods(r.Context()),
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	method := provider.Method(r.PathValue("method"))
	p, ok := s.orch.Provider(method)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown signing method %q", method)
		return
	}
	op, ok := p.(oauthProvider)
	if !ok {
		writeError(w, http.StatusBadRequest, string(signerr.KindValidation), "method %q does not use an authorization flow", method)
		return
	}
	cfg := op.OAuth()
	if !cfg.Configured() {
		writeError(w, http.StatusServiceUnavailable, string(signerr.KindConfiguration), "method %q is not configured", method)
		return
	}

	sess := session.New(string(method), r.URL.Query().Get("redirect_uri"), documentHash(r), s.sessionTTL())
	if err := s.sessions.Put(r.Context(), sess); err != nil {
		s.logger.Error("failed to store oauth session", "method", method, "error", err)
		writeError(w, http.StatusInternalServerError, string(signerr.KindInternal), "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"authUrl": cfg.BuildAuthorizeURL(sess.State),
		"state":   sess.State,
	})
}

// handleCallback validates the state against the session store before
// anything else. An unknown, expired or reused state redirects straight back
// with error=invalid_state and no code is ever exchanged.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	state := r.URL.Query().Get("state")

	sess, err := s.sessions.Claim(r.Context(), state)
	if err != nil || sess.Method != method {
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			s.logger.Error("oauth session claim failed", "method", method, "error", err)
		}
		s.redirectClient(w, r, "", url.Values{"error": {"invalid_state"}})
		return
	}

	if remoteErr := r.URL.Query().Get("error"); remoteErr != "" {
		s.redirectClient(w, r, sess.RedirectURI, url.Values{"error": {remoteErr}})
		return
	}

	s.redirectClient(w, r, sess.RedirectURI, url.Values{
		"code":   {r.URL.Query().Get("code")},
		"method": {method},
	})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	p, ok := s.orch.Provider(provider.MethodCard)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "the card method is not enabled")
		return
	}
	card, ok := p.(*provider.Card)
	if !ok || !card.Available(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, string(signerr.KindProviderUnavailable), "card middleware is not reachable")
		return
	}

	holder, err := card.ReadHolder(r.Context())
	if err != nil {
		writeSigningError(w, err)
		return
	}

	resp := map[string]any{
		"available": true,
		"holder":    holder,
	}
	if der, err := card.ReadCertificate(r.Context()); err == nil {
		if info, err := certinfo.Parse(der); err == nil {
			resp["certificate"] = info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) sessionTTL() time.Duration {
	if s.config.SessionTTL > 0 {
		return s.config.SessionTTL
	}
	return session.DefaultTTL
}

// redirectClient sends the browser back to the requesting client. target
// falls back to the configured client redirect URL and must survive a bad
// value, so parse failures redirect to the default instead of failing.
func (s *Server) redirectClient(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	if target == "" {
		target = s.config.ClientRedirect
	}
	u, err := url.Parse(target)
	if err != nil {
		u, _ = url.Parse(s.config.ClientRedirect)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// documentHash binds an authorize request to a document when the client
// supplies its digest up front.
func documentHash(r *http.Request) string {
	if h := r.URL.Query().Get("document_hash"); h != "" {
		return h
	}
	return ""
}

func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// placementFromForm builds the stamp placement from the optional signature
// position fields. Absent fields keep their defaults.
func placementFromForm(r *http.Request) (*stamp.Placement, error) {
	fields := []string{"signaturePage", "signatureX", "signatureY", "signatureWidth", "signatureHeight"}
	present := false
	for _, f := range fields {
		if r.FormValue(f) != "" {
			present = true
			break
		}
	}
	if !present {
		return nil, nil
	}

	p := &stamp.Placement{
		PageIndex: -1,
		X:         -1,
		Y:         -1,
		Width:     stamp.DefaultWidth,
		Height:    stamp.DefaultHeight,
	}
	if v := r.FormValue("signaturePage"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid signaturePage %q", v)
		}
		p.PageIndex = n
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"signatureX", &p.X},
		{"signatureY", &p.Y},
		{"signatureWidth", &p.Width},
		{"signatureHeight", &p.Height},
	} {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", f.name, v)
		}
		*f.dst = n
	}
	return p, nil
}

func writePDF(w http.ResponseWriter, signed *signing.Signed) {
	sum := sha256.Sum256(signed.PDF)
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="signed.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(signed.PDF)))
	w.Header().Set("X-Document-SHA256", fmt.Sprintf("%x", sum))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(signed.PDF)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, code, format string, args ...any) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": fmt.Sprintf(format, args...),
	})
}

// writeSigningError maps a taxonomy error onto the HTTP response. Internal
// errors keep their detail out of the body.
func writeSigningError(w http.ResponseWriter, err error) {
	kind := signerr.KindOf(err)
	message := err.Error()
	if kind == signerr.KindInternal {
		message = "internal error"
	}
	writeError(w, signerr.HTTPStatus(kind), string(kind), "%s", message)
}

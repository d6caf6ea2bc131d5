// Package signerr defines the error taxonomy shared by the signing providers,
// the orchestrator and the HTTP layer. Every failure that can reach a caller is
// classified as one of the kinds below; anything unclassified is reported as
// KindInternal with the underlying cause logged server-side only.
package signerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a signing failure.
type Kind string

const (
	// KindValidation indicates a required field or file is missing for the
	// chosen method.
	KindValidation Kind = "validation_error"

	// KindConfiguration indicates the provider's credentials are not
	// configured server-side.
	KindConfiguration Kind = "configuration_error"

	// KindProviderUnavailable indicates the middleware or remote service is
	// unreachable.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindAuthentication indicates an invalid or expired authorization code,
	// or an invalid PIN.
	KindAuthentication Kind = "authentication_error"

	// KindCardBlocked indicates a terminal smart-card lockout.
	KindCardBlocked Kind = "card_blocked"

	// KindUserRejected indicates the remote signer declined the request.
	KindUserRejected Kind = "user_rejected"

	// KindExpired indicates the remote signature request expired before
	// completion.
	KindExpired Kind = "expired"

	// KindTimeout indicates polling exhausted its attempt budget.
	KindTimeout Kind = "timeout"

	// KindCertificateParse indicates malformed certificate bytes.
	KindCertificateParse Kind = "certificate_parse_error"

	// KindInternal is anything unclassified.
	KindInternal Kind = "internal_error"
)

// Error is a classified signing failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality, so errors.Is(err, signerr.New(kind, "")) and the
// more common KindOf comparisons both work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal if err is not a classified
// error. A nil err has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the HTTP status used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConfiguration, KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindCardBlocked:
		return http.StatusForbidden
	case KindUserRejected:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCertificateParse:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

package gti

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Error codes synthesized by the client. Codes parsed from API responses are
// passed through unchanged.
const (
	CodeInvalidAuthentication = "client.invalid_authentication"
	CodeSSLVerification       = "ssl certificate verification failed"
	CodeConnection            = "connection error"
	CodeTimeout               = "upstream timeout"
	CodeUnexpectedResponse    = "unexpected response"
)

// Error is the uniform failure value of every upstream operation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// errInvalidAuthentication mimics the API payload for a rejected credential.
// It is returned without a network call when no credential is supplied.
func errInvalidAuthentication() *Error {
	return &Error{
		Code:    CodeInvalidAuthentication,
		Message: "Authentication is invalid.",
	}
}

// AsError extracts an upstream Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

// apiError converts a non-2xx response into an Error.
func apiError(status int, envelope *errorEnvelope) *Error {
	if envelope == nil || envelope.Error == nil || envelope.Error.Code == "" {
		return &Error{
			Code:    CodeUnexpectedResponse,
			Message: fmt.Sprintf("Unexpected response from ThreatINSIGHT: %d %s.", status, http.StatusText(status)),
		}
	}

	message := envelope.Error.Message
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		message = "Authorization failed: " + message
	}

	return &Error{Code: envelope.Error.Code, Message: message}
}

// transportError normalizes a failed round trip into an Error.
func transportError(err error) *Error {
	if reason, ok := certificateFailure(err); ok {
		return &Error{
			Code:    CodeSSLVerification,
			Message: fmt.Sprintf("Unable to verify SSL certificate: %s.", capitalize(reason)),
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{
			Code:    CodeTimeout,
			Message: "ThreatINSIGHT did not respond in time.",
		}
	}

	return &Error{
		Code:    CodeConnection,
		Message: fmt.Sprintf("Unable to connect to ThreatINSIGHT: %s.", strings.TrimSuffix(err.Error(), ".")),
	}
}

func certificateFailure(err error) (string, bool) {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return certificateReason(verifyErr.Err), true
	}

	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return unknownAuthority.Error(), true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return hostnameErr.Error(), true
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return invalidErr.Error(), true
	}

	return "", false
}

func certificateReason(err error) string {
	if err == nil {
		return "certificate verify failed"
	}
	return strings.TrimPrefix(err.Error(), "x509: ")
}

func capitalize(s string) string {
	s = strings.TrimPrefix(s, "x509: ")
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

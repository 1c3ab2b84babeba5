package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/gti-relay/internal/gti"
)

// Error codes produced by the relay itself.
const (
	CodeAuthorizationFailed = "authorization failed"
	CodeHealthCheckFailed   = "health check failed"
	CodeInvalidPayload      = "invalid payload received"
	CodeInternal            = "oops"
)

// Error is one entry of the response error list.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func fatal(code, message string) *Error {
	return &Error{Code: code, Message: message, Type: "fatal"}
}

// authError reports a rejected bearer token.
func authError(reason string) *Error {
	return fatal(CodeAuthorizationFailed, "Authorization failed: "+reason)
}

// NormalizeCode rewrites an upstream error code into the relay's display
// form, e.g. "client.invalid_authentication" becomes
// "client : invalid authentication".
func NormalizeCode(code string) string {
	code = strings.ReplaceAll(code, ".", " : ")
	return strings.ReplaceAll(code, "_", " ")
}

// fromUpstream converts an aggregation failure into a response error.
func fromUpstream(err error) *Error {
	if e, ok := gti.AsError(err); ok {
		return fatal(NormalizeCode(e.Code), e.Message)
	}
	return fatal(CodeInternal, "Something went wrong.")
}

type response struct {
	Data   any      `json:"data,omitempty"`
	Errors []*Error `json:"errors,omitempty"`
}

// writeData writes a successful response.
func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, struct {
		Data any `json:"data"`
	}{Data: data})
}

// writeError writes an error response, keeping any data produced so far. The
// status is always 200: the consuming platform treats any other status as a
// broken module rather than a handled failure.
func writeError(w http.ResponseWriter, logger *zap.Logger, e *Error, data any) {
	logger.Error("Request failed",
		zap.String("code", e.Code),
		zap.String("message", e.Message))
	writeJSON(w, response{Data: data, Errors: []*Error{e}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// Package response writes the JSON bodies of the license API.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
)

// Error codes carried in licenseapi.ErrorResponse.
const (
	CodeInvalidToken     = "invalid_token"
	CodeInvalidRequest   = "invalid_request"
	CodeRateLimited      = "rate_limit_exceeded"
	CodeServerError      = "server_error"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
)

// ErrorWriter handles API error responses
type ErrorWriter struct {
	logger *logrus.Entry
}

// NewErrorWriter creates a new error response writer
func NewErrorWriter(logger *logrus.Entry) *ErrorWriter {
	return &ErrorWriter{
		logger: logger,
	}
}

// WriteError writes an unsigned JSON error body with the given status.
func (e *ErrorWriter) WriteError(w http.ResponseWriter, r *http.Request, statusCode int, code, description string) {
	logEntry := e.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"error_code":  code,
		"status_code": statusCode,
	})

	if statusCode >= 500 {
		logEntry.Error(description)
	} else {
		logEntry.Debug(description)
	}

	WriteJSON(w, statusCode, licenseapi.ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// WriteUnauthorized writes an RFC 6750 bearer error.
func (e *ErrorWriter) WriteUnauthorized(w http.ResponseWriter, r *http.Request, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+description+`"`)
	e.WriteError(w, r, http.StatusUnauthorized, CodeInvalidToken, description)
}

// WriteJSON writes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSigned writes a body produced by signing.SignJSON unchanged.
func WriteSigned(w http.ResponseWriter, body []byte) error {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(body)
	return err
}

// NoCache prevents intermediaries from storing license decisions.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

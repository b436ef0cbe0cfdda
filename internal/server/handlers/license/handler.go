// Package license serves the verification endpoints. Every successful
// response is a body signed with the requesting site's shared secret.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
	"github.com/guided-traffic/plugin-license-manager/internal/server/middleware"
	"github.com/guided-traffic/plugin-license-manager/internal/server/response"
	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
)

// maxBodySize bounds request bodies. A full batch of maximum-length slugs
// fits comfortably.
const maxBodySize = 64 << 10

// Issuer produces signed answers for an authenticated site.
type Issuer interface {
	Verify(ctx context.Context, site *issuer.Site, req licenseapi.VerifyRequest) ([]byte, error)
	VerifyBatch(ctx context.Context, site *issuer.Site, req licenseapi.BatchRequest) ([]byte, error)
	Info(ctx context.Context, site *issuer.Site, req licenseapi.InfoRequest) ([]byte, error)
}

// Handler handles the license endpoints
type Handler struct {
	issuer    Issuer
	logger    *logrus.Entry
	errors    *response.ErrorWriter
	validator *validator.Validate
}

// NewHandler creates a new license handler
func NewHandler(iss Issuer, logger *logrus.Entry) *Handler {
	v := validator.New()

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		issuer:    iss,
		logger:    logger,
		errors:    response.NewErrorWriter(logger),
		validator: v,
	}
}

// Verify handles POST /license/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req licenseapi.VerifyRequest
	site, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	body, err := h.issuer.Verify(r.Context(), site, req)
	h.respond(w, r, body, err)
}

// VerifyBatch handles POST /license/verify-batch
func (h *Handler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req licenseapi.BatchRequest
	site, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	body, err := h.issuer.VerifyBatch(r.Context(), site, req)
	h.respond(w, r, body, err)
}

// Info handles POST /license/info
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	var req licenseapi.InfoRequest
	site, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	body, err := h.issuer.Info(r.Context(), site, req)
	h.respond(w, r, body, err)
}

// decode reads and validates the request body. It writes the error
// response itself and reports false when the request cannot proceed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) (*issuer.Site, bool) {
	site, ok := middleware.SiteFromContext(r.Context())
	if !ok {
		h.errors.WriteUnauthorized(w, r, "missing bearer token")
		return nil, false
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.errors.WriteError(w, r, http.StatusBadRequest, response.CodeInvalidRequest,
			"request body is not valid JSON")
		return nil, false
	}

	if err := h.validator.Struct(v); err != nil {
		h.errors.WriteError(w, r, http.StatusBadRequest, response.CodeInvalidRequest, describe(err))
		return nil, false
	}

	return site, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, body []byte, err error) {
	switch {
	case err == nil:
		if err := response.WriteSigned(w, body); err != nil {
			h.logger.WithError(err).Error("Failed to write license response")
		}
	case errors.Is(err, issuer.ErrBatchTooLarge), errors.Is(err, issuer.ErrInvalidSlug):
		h.errors.WriteError(w, r, http.StatusBadRequest, response.CodeInvalidRequest, err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("License request failed")
		h.errors.WriteError(w, r, http.StatusInternalServerError, response.CodeServerError,
			"license decision unavailable")
	}
}

func describe(err error) string {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) || len(invalid) == 0 {
		return err.Error()
	}

	parts := make([]string, 0, len(invalid))
	for _, fe := range invalid {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
)

// maxResponseSize bounds the body read from the license server.
const maxResponseSize = 1 << 20

// Transport performs the raw round trips to the license server. It returns
// the unverified response body; any returned error is a transport failure.
type Transport interface {
	Verify(ctx context.Context, req licenseapi.VerifyRequest) ([]byte, error)
	VerifyBatch(ctx context.Context, req licenseapi.BatchRequest) ([]byte, error)
	Info(ctx context.Context, req licenseapi.InfoRequest) ([]byte, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("license server returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("license server returned %d", e.StatusCode)
}

// HTTPTransport talks to the license server over HTTP(S), authenticating
// with the installation's activation token.
type HTTPTransport struct {
	baseURL         string
	activationToken string
	client          *http.Client
	userAgent       string
}

// NewHTTPTransport creates a transport for serverURL. timeout bounds each
// round trip; zero keeps the client default.
func NewHTTPTransport(serverURL, activationToken string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL:         strings.TrimRight(serverURL, "/"),
		activationToken: activationToken,
		client:          &http.Client{Timeout: timeout},
		userAgent:       "plugin-license-agent",
	}
}

// WithHTTPClient replaces the underlying client, e.g. for custom TLS.
func (t *HTTPTransport) WithHTTPClient(client *http.Client) *HTTPTransport {
	t.client = client
	return t
}

// Verify calls POST /license/verify.
func (t *HTTPTransport) Verify(ctx context.Context, req licenseapi.VerifyRequest) ([]byte, error) {
	return t.post(ctx, licenseapi.PathVerify, req)
}

// VerifyBatch calls POST /license/verify-batch.
func (t *HTTPTransport) VerifyBatch(ctx context.Context, req licenseapi.BatchRequest) ([]byte, error) {
	return t.post(ctx, licenseapi.PathVerifyBatch, req)
}

// Info calls POST /license/info.
func (t *HTTPTransport) Info(ctx context.Context, req licenseapi.InfoRequest) ([]byte, error) {
	return t.post(ctx, licenseapi.PathInfo, req)
}

func (t *HTTPTransport) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.activationToken)
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var apiErr licenseapi.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil {
			statusErr.Code = apiErr.Error
			statusErr.Message = apiErr.ErrorDescription
		}
		return nil, statusErr
	}

	return data, nil
}

var _ Transport = (*HTTPTransport)(nil)

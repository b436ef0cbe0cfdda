package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
)

type stubAuthenticator struct {
	sites map[string]*issuer.Site
}

func (s stubAuthenticator) Authenticate(_ context.Context, token string) (*issuer.Site, error) {
	if site, ok := s.sites[token]; ok {
		return site, nil
	}
	return nil, issuer.ErrInvalidActivation
}

func testLogger() (*logrus.Entry, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(logger), buf
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuth(t *testing.T) {
	logger, _ := testLogger()
	site := &issuer.Site{ID: "site-1", Domain: "shop.example.com"}
	auth := NewAuth(stubAuthenticator{sites: map[string]*issuer.Site{"good": site}}, logger)

	var seen *issuer.Site
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SiteFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic Z29vZA==", http.StatusUnauthorized},
		{"unknown token", "Bearer bad", http.StatusUnauthorized},
		{"valid token", "Bearer good", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/license/verify", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, site, seen)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestLoggerRecordsAuthenticatedSite(t *testing.T) {
	logger, buf := testLogger()
	site := &issuer.Site{ID: "site-1"}
	auth := NewAuth(stubAuthenticator{sites: map[string]*issuer.Site{"good": site}}, logger)

	handler := NewLogger(logger, false).Middleware(auth.Middleware(okHandler()))

	req := httptest.NewRequest(http.MethodPost, "/license/verify", nil)
	req.Header.Set("Authorization", "Bearer good")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"site_id":"site-1"`)
	assert.Contains(t, buf.String(), `"status":204`)
}

func TestLoggerSkipsHealthRequests(t *testing.T) {
	logger, buf := testLogger()
	handler := NewLogger(logger, false).Middleware(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String())

	handler = NewLogger(logger, true).Middleware(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, buf.String(), "HTTP request processed")
}

func TestRateLimiter(t *testing.T) {
	logger, _ := testLogger()
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, IPKeyExtractor, logger)
	handler := rl.Middleware(okHandler())

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/license/verify", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send("192.0.2.1:1234").Code)

	limited := send("192.0.2.1:5678")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, send("192.0.2.2:1234").Code, "other clients are unaffected")
}

func TestRateLimiter_EmptyKeyIsNotLimited(t *testing.T) {
	logger, _ := testLogger()
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, func(*http.Request) string { return "" }, logger)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestKeyExtractors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	assert.Equal(t, "192.0.2.7", IPKeyExtractor(req))
	assert.Empty(t, SiteKeyExtractor(req), "unauthenticated requests are left to the address limiter")

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", IPKeyExtractor(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPKeyExtractor(req))

	req = req.WithContext(ContextWithSite(req.Context(), &issuer.Site{ID: "site-9"}))
	assert.Equal(t, "site:site-9", SiteKeyExtractor(req))
}

func TestRequestTracker(t *testing.T) {
	logger, _ := testLogger()
	tracker := NewRequestTracker(logger)

	inFlight := make(chan int64, 1)
	handler := tracker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight <- tracker.Active()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, int64(1), <-inFlight)
	assert.Equal(t, int64(0), tracker.Active())

	down, _ := tracker.ShutdownState()
	assert.False(t, down)

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tracker.BeginShutdown(at)
	tracker.BeginShutdown(at.Add(time.Minute))
	down, when := tracker.ShutdownState()
	require.True(t, down)
	assert.Equal(t, at, when, "the first shutdown time is kept")
}

func TestSiteFromContext_Empty(t *testing.T) {
	_, ok := SiteFromContext(context.Background())
	assert.False(t, ok)
}

package license

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/plugin-license-manager/internal/cachestore"
	"github.com/guided-traffic/plugin-license-manager/pkg/licenseapi"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

const (
	testDomain = "shop.example.com"
	testTTL    = 6 * time.Hour
	testGrace  = 72 * time.Hour
)

var errConnRefused = errors.New("dial tcp 203.0.113.10:443: connect: connection refused")

func testSecret() []byte {
	return bytes.Repeat([]byte{0x5a}, signing.MinSecretSize)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeServer answers like the license server, signing with the shared
// secret. Hooks allow failures and tampering to be injected.
type fakeServer struct {
	mu       sync.Mutex
	secret   []byte
	domain   string
	clock    *fakeClock
	codec    *signing.TokenCodec
	licenses map[string]licenseapi.LicenseStatus

	fail       error
	tamper     func([]byte) []byte
	mutate     func(*licenseapi.VerifyResponse)
	gate       chan struct{}
	calls      int
	batchCalls int
	infoCalls  int
	lastBatch  []string
}

func newFakeServer(clock *fakeClock) *fakeServer {
	return &fakeServer{
		secret: testSecret(),
		domain: testDomain,
		clock:  clock,
		codec: &signing.TokenCodec{
			TTL:      signing.DefaultTokenTTL,
			Backdate: time.Minute,
			Now:      clock.Now,
			Rand:     rand.Reader,
		},
		licenses: make(map[string]licenseapi.LicenseStatus),
	}
}

func (f *fakeServer) grant(slug string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := licenseapi.LicenseStatus{PluginSlug: slug, Valid: true, Reason: licenseapi.ReasonActive}
	if !expiresAt.IsZero() {
		status.ExpiresAt = expiresAt.Unix()
	}
	f.licenses[slug] = status
}

func (f *fakeServer) revoke(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.licenses[slug] = licenseapi.LicenseStatus{PluginSlug: slug, Valid: false, Reason: licenseapi.ReasonRevoked}
}

func (f *fakeServer) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeServer) setTamper(fn func([]byte) []byte) {
	f.mu.Lock()
	f.tamper = fn
	f.mu.Unlock()
}

func (f *fakeServer) setMutate(fn func(*licenseapi.VerifyResponse)) {
	f.mu.Lock()
	f.mutate = fn
	f.mu.Unlock()
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeServer) batchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func (f *fakeServer) status(slug string) licenseapi.LicenseStatus {
	if status, ok := f.licenses[slug]; ok {
		return status
	}
	return licenseapi.LicenseStatus{PluginSlug: slug, Valid: false, Reason: licenseapi.ReasonNotFound}
}

func (f *fakeServer) Verify(_ context.Context, req licenseapi.VerifyRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	gate, fail, tamper, mutate := f.gate, f.fail, f.tamper, f.mutate
	status := f.status(req.PluginSlug)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail != nil {
		return nil, fail
	}

	resp := licenseapi.VerifyResponse{
		PluginSlug:   req.PluginSlug,
		Valid:        status.Valid,
		Reason:       status.Reason,
		ExpiresAt:    status.ExpiresAt,
		SiteDomain:   f.domain,
		VerifiedAt:   f.clock.Now().Unix(),
		RequestNonce: req.Nonce,
	}
	if status.Valid {
		token, err := f.codec.Issue(signing.Claims{
			licenseapi.ClaimPluginSlug: req.PluginSlug,
			licenseapi.ClaimSiteDomain: f.domain,
			licenseapi.ClaimValid:      true,
		}, f.secret)
		if err != nil {
			return nil, err
		}
		resp.Token = token
	}
	if mutate != nil {
		mutate(&resp)
	}

	body, err := signing.SignJSON(resp, f.secret)
	if err != nil {
		return nil, err
	}
	if tamper != nil {
		body = tamper(body)
	}
	return body, nil
}

func (f *fakeServer) VerifyBatch(_ context.Context, req licenseapi.BatchRequest) ([]byte, error) {
	f.mu.Lock()
	f.batchCalls++
	f.lastBatch = append([]string(nil), req.PluginSlugs...)
	fail, tamper := f.fail, f.tamper
	results := make([]licenseapi.LicenseStatus, 0, len(req.PluginSlugs))
	for _, slug := range req.PluginSlugs {
		results = append(results, f.status(slug))
	}
	f.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	body, err := signing.SignJSON(licenseapi.BatchResponse{
		Results:      results,
		SiteDomain:   f.domain,
		VerifiedAt:   f.clock.Now().Unix(),
		RequestNonce: req.Nonce,
	}, f.secret)
	if err != nil {
		return nil, err
	}
	if tamper != nil {
		body = tamper(body)
	}
	return body, nil
}

func (f *fakeServer) Info(_ context.Context, req licenseapi.InfoRequest) ([]byte, error) {
	f.mu.Lock()
	f.infoCalls++
	fail := f.fail
	licenses := make([]licenseapi.LicenseStatus, 0, len(f.licenses))
	for _, status := range f.licenses {
		licenses = append(licenses, status)
	}
	f.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	return signing.SignJSON(licenseapi.InfoResponse{
		SiteID:       "site-1",
		SiteDomain:   f.domain,
		Licenses:     licenses,
		VerifiedAt:   f.clock.Now().Unix(),
		RequestNonce: req.Nonce,
	}, f.secret)
}

type harness struct {
	clock     *fakeClock
	server    *fakeServer
	store     *cachestore.MemoryStore
	cache     *Cache
	validator *Validator
}

func testConfig() Config {
	return Config{
		ServerURL:       "https://licenses.example.test",
		ActivationToken: "activation-token",
		SharedSecret:    testSecret(),
		SiteDomain:      testDomain,
		CacheTTL:        testTTL,
		GracePeriod:     testGrace,
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	clock := newFakeClock()
	server := newFakeServer(clock)

	store, err := cachestore.NewMemoryStore(128, cachestore.WithClock(clock.Now))
	require.NoError(t, err)

	cache, err := NewCache(store, testSecret(), WithCacheClock(clock.Now))
	require.NoError(t, err)

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	v, err := NewValidator(cfg, cache, server, WithClock(clock.Now))
	require.NoError(t, err)

	return &harness{clock: clock, server: server, store: store, cache: cache, validator: v}
}

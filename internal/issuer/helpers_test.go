package issuer

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/keyset"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	sites     map[string]Site
	licenses  map[string]License
	issuances []Issuance
	failWrite error
}

func newMemStore() *memStore {
	return &memStore{
		sites:    make(map[string]Site),
		licenses: make(map[string]License),
	}
}

func licenseKey(siteID, slug string) string { return siteID + "/" + slug }

func (m *memStore) CreateSite(_ context.Context, site Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sites[site.ID]; ok {
		return ErrAlreadyExists
	}
	m.sites[site.ID] = site
	return nil
}

func (m *memStore) GetSite(_ context.Context, id string) (Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[id]
	if !ok {
		return Site{}, ErrNotFound
	}
	return site, nil
}

func (m *memStore) SetSiteRevoked(_ context.Context, id string, revoked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[id]
	if !ok {
		return ErrNotFound
	}
	site.Revoked = revoked
	m.sites[id] = site
	return nil
}

func (m *memStore) UpsertLicense(_ context.Context, license License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sites[license.SiteID]; !ok {
		return ErrNotFound
	}
	m.licenses[licenseKey(license.SiteID, license.PluginSlug)] = license
	return nil
}

func (m *memStore) GetLicense(_ context.Context, siteID, slug string) (License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	license, ok := m.licenses[licenseKey(siteID, slug)]
	if !ok {
		return License{}, ErrNotFound
	}
	return license, nil
}

func (m *memStore) ListLicenses(_ context.Context, siteID string) ([]License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []License
	for _, license := range m.licenses {
		if license.SiteID == siteID {
			out = append(out, license)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].PluginSlug > out[b].PluginSlug })
	return out, nil
}

func (m *memStore) RecordIssuance(_ context.Context, issuance Issuance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.issuances = append(m.issuances, issuance)
	return nil
}

func (m *memStore) ListIssuances(_ context.Context, siteID string, limit int) ([]Issuance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issuance
	for i := len(m.issuances) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.issuances[i].SiteID == siteID {
			out = append(out, m.issuances[i])
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func testActivationKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestSealer(t *testing.T) *KeysetSealer {
	t.Helper()
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)
	sealer, err := NewKeysetSealer(handle)
	require.NoError(t, err)
	return sealer
}

type issuerHarness struct {
	now    time.Time
	store  *memStore
	issuer *Issuer
}

func newIssuerHarness(t *testing.T) *issuerHarness {
	t.Helper()
	h := &issuerHarness{
		now:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		store: newMemStore(),
	}

	signer, err := NewActivationSigner(testActivationKey())
	require.NoError(t, err)

	iss, err := New(h.store, newTestSealer(t), signer, WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.issuer = iss
	return h
}

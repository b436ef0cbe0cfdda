package license

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/plugin-license-manager/internal/cachestore"
)

// openRun builds a validator the way a one-shot agent command does: a fresh
// store opened from the same cache configuration on every run.
func openRun(t *testing.T, storeCfg cachestore.Config, clock *fakeClock, server *fakeServer) (*Validator, cachestore.Store) {
	t.Helper()

	store, err := cachestore.New(context.Background(), storeCfg, cachestore.WithClock(clock.Now))
	require.NoError(t, err)

	cache, err := NewCache(store, testSecret(), WithCacheClock(clock.Now))
	require.NoError(t, err)

	v, err := NewValidator(testConfig(), cache, server, WithClock(clock.Now))
	require.NoError(t, err)
	return v, store
}

func TestCheck_SeparateRunsShareSQLiteCache(t *testing.T) {
	clock := newFakeClock()
	storeCfg := cachestore.Config{
		Driver:     cachestore.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "license-cache.db"),
	}

	online := newFakeServer(clock)
	online.grant("seo-pro", time.Time{})

	first, store := openRun(t, storeCfg, clock, online)
	verified := first.Check(context.Background(), "seo-pro")
	require.True(t, verified.Valid)
	require.Equal(t, StateSignatureVerified, verified.State)
	require.NoError(t, store.Close())

	// A second run within the cache TTL answers from disk.
	second, store := openRun(t, storeCfg, clock, online)
	cached := second.Check(context.Background(), "seo-pro")
	assert.Equal(t, StateCachedValid, cached.State)
	assert.Equal(t, 1, online.callCount())
	require.NoError(t, store.Close())

	// Past the TTL with the server unreachable, the last-good record from the
	// first run keeps the plugin in grace.
	clock.Advance(testTTL + time.Hour)
	offline := newFakeServer(clock)
	offline.setFail(errConnRefused)

	third, store := openRun(t, storeCfg, clock, offline)
	defer store.Close()

	r := third.Check(context.Background(), "seo-pro")
	assert.Equal(t, 1, offline.callCount())
	assert.True(t, r.Valid)
	assert.True(t, r.Grace)
	assert.Equal(t, StateGraceActive, r.State)
	assert.Equal(t, ErrorNetwork, r.Error)
	assert.True(t, r.VerifiedAt.Equal(verified.VerifiedAt))
	assert.Equal(t, testGrace-testTTL-time.Hour, r.GraceRemaining)
}

func TestCheck_SeparateMemoryRunsLoseGrace(t *testing.T) {
	clock := newFakeClock()
	storeCfg := cachestore.Config{Driver: cachestore.DriverMemory}

	online := newFakeServer(clock)
	online.grant("seo-pro", time.Time{})
	first, store := openRun(t, storeCfg, clock, online)
	require.True(t, first.Check(context.Background(), "seo-pro").Valid)
	require.NoError(t, store.Close())

	offline := newFakeServer(clock)
	offline.setFail(errConnRefused)
	second, store := openRun(t, storeCfg, clock, offline)
	defer store.Close()

	r := second.Check(context.Background(), "seo-pro")
	assert.False(t, r.Valid)
	assert.Equal(t, StateExpiredNoGrace, r.State)
}

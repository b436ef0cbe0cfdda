package license

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/plugin-license-manager/internal/cachestore"
	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

// DefaultKeyPrefix namespaces every key written by the cache.
const DefaultKeyPrefix = "plm:license:"

const (
	entryNamespace    = "cache:"
	lastGoodNamespace = "lastgood:"
)

// cacheEntry is the sealed value stored per plugin. ExpiresAt is the
// freshness bound of the entry and is independent of the license expiry.
type cacheEntry struct {
	PluginSlug string    `json:"plugin_slug"`
	Result     Result    `json:"result"`
	StoredAt   time.Time `json:"stored_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Cache is the durable tier of the validation cache. Keys are derived from a
// SHA-256 of the plugin slug and values are sealed with a key derived from
// the shared secret, so an entry edited at rest reads as a miss.
//
// Two records are kept per plugin: the cached decision, served while fresh,
// and the last known good result, read only by the grace evaluation.
type Cache struct {
	store  cachestore.Store
	sealer *signing.Sealer
	prefix string
	now    func() time.Time
	log    *logrus.Entry

	// serializes read-compare-write in PutIfNewer within this process
	mu sync.Mutex
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the clock used for entry freshness.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) CacheOption {
	return func(c *Cache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// NewCache builds a Cache over store. secret is the installation's shared
// secret; it never leaves the process.
func NewCache(store cachestore.Store, secret []byte, opts ...CacheOption) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}

	sealer, err := signing.NewSealer(secret, signing.ModeAEAD)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache sealer: %w", err)
	}

	c := &Cache{
		store:  store,
		sealer: sealer,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		log:    logrus.WithField("component", "license-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) key(namespace, slug string) string {
	return c.prefix + namespace + signing.Hash([]byte(slug))
}

// Get returns the cached result for slug if present and fresh.
func (c *Cache) Get(ctx context.Context, slug string) (Result, bool) {
	entry, ok := c.read(ctx, entryNamespace, slug)
	monitoring.RecordCacheLookup("durable", ok)
	if !ok {
		return Result{}, false
	}
	return entry.Result, true
}

// Put stores result for ttl, overwriting unconditionally.
func (c *Cache) Put(ctx context.Context, result Result, ttl time.Duration) error {
	return c.write(ctx, entryNamespace, result, ttl)
}

// PutIfNewer stores result unless the cached entry was verified later. It
// reports whether the write happened.
func (c *Cache) PutIfNewer(ctx context.Context, result Result, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.read(ctx, entryNamespace, result.PluginSlug); ok {
		if result.VerifiedAt.Before(existing.Result.VerifiedAt) {
			c.log.WithFields(logrus.Fields{
				"plugin":          result.PluginSlug,
				"verified_at":     result.VerifiedAt,
				"cached_verified": existing.Result.VerifiedAt,
			}).Debug("Discarding cache write older than the cached entry")
			return false, nil
		}
	}

	if err := c.write(ctx, entryNamespace, result, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate removes the cached result for slug. The last known good record
// is kept.
func (c *Cache) Invalidate(ctx context.Context, slug string) error {
	if err := c.store.Delete(ctx, c.key(entryNamespace, slug)); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", slug, err)
	}
	return nil
}

// InvalidateAll removes every cached result.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if err := c.store.DeletePrefix(ctx, c.prefix+entryNamespace); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// LastGood returns the last verified positive result for slug.
func (c *Cache) LastGood(ctx context.Context, slug string) (Result, bool) {
	entry, ok := c.read(ctx, lastGoodNamespace, slug)
	if !ok || !entry.Result.Valid {
		return Result{}, false
	}
	return entry.Result, true
}

// RememberGood records a verified positive result for the grace evaluation.
func (c *Cache) RememberGood(ctx context.Context, result Result, ttl time.Duration) error {
	if !result.Valid {
		return fmt.Errorf("refusing to remember a negative result for %s", result.PluginSlug)
	}
	return c.write(ctx, lastGoodNamespace, result, ttl)
}

// ForgetGood drops the last known good record so no grace is granted.
func (c *Cache) ForgetGood(ctx context.Context, slug string) error {
	if err := c.store.Delete(ctx, c.key(lastGoodNamespace, slug)); err != nil {
		return fmt.Errorf("failed to forget last good result for %s: %w", slug, err)
	}
	return nil
}

// snapshot captures the cached entry for slug so it can be restored.
func (c *Cache) snapshot(ctx context.Context, slug string) *cacheEntry {
	entry, ok := c.read(ctx, entryNamespace, slug)
	if !ok {
		return nil
	}
	return &entry
}

// restore writes back a snapshot with its remaining freshness, unless a
// newer entry has been written in the meantime.
func (c *Cache) restore(ctx context.Context, entry *cacheEntry) error {
	if entry == nil {
		return nil
	}
	remaining := entry.ExpiresAt.Sub(c.now())
	if remaining <= 0 {
		return nil
	}
	_, err := c.PutIfNewer(ctx, entry.Result, remaining)
	return err
}

func (c *Cache) read(ctx context.Context, namespace, slug string) (cacheEntry, bool) {
	key := c.key(namespace, slug)
	logger := c.log.WithFields(logrus.Fields{"plugin": slug, "record": namespace})

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("Cache store read failed, treating as miss")
		return cacheEntry{}, false
	}
	if raw == nil {
		return cacheEntry{}, false
	}

	plaintext, err := c.sealer.Open(string(raw))
	if err != nil {
		logger.WithError(err).Warn("Discarding unreadable cache entry")
		c.discard(ctx, key)
		return cacheEntry{}, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		logger.WithError(err).Warn("Discarding malformed cache entry")
		c.discard(ctx, key)
		return cacheEntry{}, false
	}

	if entry.PluginSlug != slug || entry.Result.PluginSlug != slug {
		logger.Warn("Discarding cache entry recorded for a different plugin")
		c.discard(ctx, key)
		return cacheEntry{}, false
	}

	if !c.now().Before(entry.ExpiresAt) {
		c.discard(ctx, key)
		return cacheEntry{}, false
	}

	return entry, true
}

func (c *Cache) write(ctx context.Context, namespace string, result Result, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	now := c.now()
	entry := cacheEntry{
		PluginSlug: result.PluginSlug,
		Result:     result,
		StoredAt:   now,
		ExpiresAt:  now.Add(ttl),
	}

	plaintext, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	sealed, err := c.sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal cache entry: %w", err)
	}

	if err := c.store.Set(ctx, c.key(namespace, result.PluginSlug), []byte(sealed), ttl); err != nil {
		return fmt.Errorf("failed to write cache entry for %s: %w", result.PluginSlug, err)
	}
	return nil
}

func (c *Cache) discard(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.WithError(err).Debug("Failed to delete cache entry")
	}
}

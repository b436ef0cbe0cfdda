package license

import (
	"context"
	"sort"
	"sync"
)

// Registry hands out one PluginValidator per plugin slug. It is built once
// at startup and passed to whatever needs to check licenses.
type Registry struct {
	validator *Validator

	mu      sync.RWMutex
	plugins map[string]*PluginValidator
}

// NewRegistry creates an empty registry backed by v.
func NewRegistry(v *Validator) *Registry {
	return &Registry{
		validator: v,
		plugins:   make(map[string]*PluginValidator),
	}
}

// Register returns the validator for slug, creating it on first use.
func (r *Registry) Register(slug string) *PluginValidator {
	r.mu.RLock()
	p, ok := r.plugins[slug]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plugins[slug]; ok {
		return p
	}
	p = &PluginValidator{slug: slug, validator: r.validator}
	r.plugins[slug] = p
	return p
}

// Get returns the validator for slug if it has been registered.
func (r *Registry) Get(slug string) (*PluginValidator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[slug]
	return p, ok
}

// Unregister forgets slug. Cached state is left to expire.
func (r *Registry) Unregister(slug string) {
	r.mu.Lock()
	delete(r.plugins, slug)
	r.mu.Unlock()
}

// Slugs returns the registered slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slugs := make([]string, 0, len(r.plugins))
	for slug := range r.plugins {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Validator returns the shared validator.
func (r *Registry) Validator() *Validator {
	return r.validator
}

// CheckAll decides every registered plugin, batching the cache misses.
func (r *Registry) CheckAll(ctx context.Context) map[string]Result {
	return r.validator.CheckMany(ctx, r.Slugs())
}

// PluginValidator is the per-plugin view of the shared Validator.
type PluginValidator struct {
	slug      string
	validator *Validator
}

// Slug returns the plugin slug.
func (p *PluginValidator) Slug() string {
	return p.slug
}

// Check returns the current decision.
func (p *PluginValidator) Check(ctx context.Context) Result {
	return p.validator.Check(ctx, p.slug)
}

// IsValid reports whether the plugin may run, grace included.
func (p *PluginValidator) IsValid(ctx context.Context) bool {
	return p.Check(ctx).Valid
}

// Refresh forces a server round trip.
func (p *PluginValidator) Refresh(ctx context.Context) Result {
	return p.validator.Refresh(ctx, p.slug)
}

// Invalidate drops the cached decision so the next check reaches the server.
func (p *PluginValidator) Invalidate(ctx context.Context) error {
	return p.validator.Invalidate(ctx, p.slug)
}

package license

import (
	"context"
	"sync"
)

type memoKey struct{}

// memo holds the results decided within one outer validation call tree.
type memo struct {
	mu      sync.Mutex
	results map[string]Result
}

// WithMemo returns a context carrying an in-process memo. Checks made with
// the returned context (or any context derived from it) return the first
// result decided for a plugin without touching the durable cache or the
// network again. Calling WithMemo on a context that already carries a memo
// returns it unchanged.
func WithMemo(ctx context.Context) context.Context {
	if memoFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, memoKey{}, &memo{results: make(map[string]Result)})
}

func memoFrom(ctx context.Context) *memo {
	m, _ := ctx.Value(memoKey{}).(*memo)
	return m
}

func (m *memo) get(slug string) (Result, bool) {
	if m == nil {
		return Result{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[slug]
	return r, ok
}

func (m *memo) put(r Result) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.results[r.PluginSlug] = r
	m.mu.Unlock()
}

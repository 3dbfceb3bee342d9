package contextcache

import (
	"context"
	"fmt"
	"sync"
)

// Loader fetches the specialist context blob for an agent type from
// wherever it lives (bundled profiles, object storage, ...). Loading
// is expensive; the Cache makes sure it happens once per type.
type Loader interface {
	Load(ctx context.Context, agentType string) (string, error)
}

// Cache holds primed specialist contexts: loaded once, shared
// read-only across all agents of a type, invalidated only by an
// explicit Reload. It is injected wherever needed — there is no
// package-level instance.
type Cache struct {
	mu       sync.RWMutex
	loader   Loader
	contexts map[string]string
}

// New creates an empty Cache over the given loader.
func New(loader Loader) *Cache {
	return &Cache{
		loader:   loader,
		contexts: make(map[string]string),
	}
}

// Get returns the context for agentType, loading it on first use.
func (c *Cache) Get(ctx context.Context, agentType string) (string, error) {
	c.mu.RLock()
	blob, ok := c.contexts[agentType]
	c.mu.RUnlock()
	if ok {
		return blob, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another caller may have loaded while we waited for the lock.
	if blob, ok := c.contexts[agentType]; ok {
		return blob, nil
	}
	blob, err := c.loader.Load(ctx, agentType)
	if err != nil {
		return "", fmt.Errorf("load context for %q: %w", agentType, err)
	}
	c.contexts[agentType] = blob
	return blob, nil
}

// Reload discards the cached context for agentType and loads it fresh.
func (c *Cache) Reload(ctx context.Context, agentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, err := c.loader.Load(ctx, agentType)
	if err != nil {
		return fmt.Errorf("reload context for %q: %w", agentType, err)
	}
	c.contexts[agentType] = blob
	return nil
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, agentType string) (string, error)

func (f LoaderFunc) Load(ctx context.Context, agentType string) (string, error) {
	return f(ctx, agentType)
}

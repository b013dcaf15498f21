package ollama

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Embedder is anything that turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cache memoizes embeddings by exact text with a bounded size and TTL.
// Failures are never cached.
type Cache struct {
	next    Embedder
	entries *expirable.LRU[string, []float32]
}

// NewCache wraps next. size <= 0 defaults to 256 entries; ttl <= 0 means
// entries only leave by LRU eviction.
func NewCache(next Embedder, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	return &Cache{next: next, entries: expirable.NewLRU[string, []float32](size, nil, ttl)}
}

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.entries.Get(text); ok {
		return v, nil
	}
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.entries.Add(text, v)
	return v, nil
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(text string) { c.entries.Remove(text) }

// Purge drops every entry.
func (c *Cache) Purge() { c.entries.Purge() }

// Len is the number of cached entries.
func (c *Cache) Len() int { return c.entries.Len() }

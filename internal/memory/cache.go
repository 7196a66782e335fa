package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes embeddings per model and text.
type CachedEmbedder struct {
	next  Embedder
	model string
	cache *ristretto.Cache
}

func NewCachedEmbedder(next Embedder, model string, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, model: model, cache: cache}, nil
}

func (c *CachedEmbedder) key(text string) string {
	return c.model + "\x00" + strings.TrimSpace(text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

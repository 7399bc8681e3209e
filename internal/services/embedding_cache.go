package services

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/utils"
)

// cachedEmbeddingClient memoizes single-text embeddings for a short TTL.
// One persona generation pass can issue the same narrative query from
// several rules, and repeated generations inside the TTL reuse the vector
// without another provider round trip. The cache is size-bounded, so a
// burst of distinct queries evicts instead of growing.
type cachedEmbeddingClient struct {
	inner EmbeddingClient
	cache *ristretto.Cache
	ttl   time.Duration
	log   *logger.Logger
}

func NewCachedEmbeddingClient(inner EmbeddingClient, log *logger.Logger) (EmbeddingClient, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20, // bytes of vector data
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	ttlSeconds := utils.GetEnvAsInt("EMBED_CACHE_TTL_SECONDS", 60, log)
	return &cachedEmbeddingClient{
		inner: inner,
		cache: cache,
		ttl:   time.Duration(ttlSeconds) * time.Second,
		log:   log.With("service", "EmbeddingCache"),
	}, nil
}

func (c *cachedEmbeddingClient) Dimensions() int { return c.inner.Dimensions() }

func (c *cachedEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, found := c.cache.Get(text); found {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(text, vec, int64(len(vec)*4), c.ttl)
	return vec, nil
}

// EmbedBatch serves what it can from cache and embeds the rest in one
// provider call.
func (c *cachedEmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if cached, found := c.cache.Get(text); found {
			if vec, ok := cached.([]float32); ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vectors, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vectors {
		out[missingIdx[j]] = vec
		c.cache.SetWithTTL(missing[j], vec, int64(len(vec)*4), c.ttl)
	}
	return out, nil
}

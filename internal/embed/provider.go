package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the max number of cached text→vector entries.
const DefaultCacheSize = 1000

// Provider wraps an Embedder with lazy initialization and a bounded cache
// of normalized text → vector.
//
// The underlying client is built on first use; concurrent first callers
// share a single in-flight initialization rather than each building their
// own. Repeated embeds of the same normalized text hit the cache, and
// concurrent embeds of the same text share one in-flight request.
type Provider struct {
	newClient func() (Embedder, error)
	logger    *slog.Logger

	initGroup  singleflight.Group
	embedGroup singleflight.Group

	mu     sync.Mutex
	client Embedder

	cache *vectorCache
}

// NewProvider creates a Provider that builds its client from cfg on first use.
func NewProvider(cfg *Config, logger *slog.Logger) *Provider {
	return NewProviderFunc(func() (Embedder, error) {
		return NewClient(cfg)
	}, logger)
}

// NewProviderFunc creates a Provider with an injectable client constructor.
func NewProviderFunc(newClient func() (Embedder, error), logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		newClient: newClient,
		logger:    logger,
		cache:     newVectorCache(DefaultCacheSize),
	}
}

// Embed returns the embedding vector for text, from cache when possible.
// Empty text is a precondition violation and returns an error.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(text))
	if key == "" {
		return nil, fmt.Errorf("empty text")
	}

	if vec, ok := p.cache.get(key); ok {
		return vec, nil
	}

	v, err, _ := p.embedGroup.Do(key, func() (interface{}, error) {
		client, err := p.getClient()
		if err != nil {
			return nil, err
		}
		vec, err := client.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		p.cache.put(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch embeds texts, serving cached entries and fetching the rest in
// one backend call. Empty entries get a nil vector.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, text := range texts {
		key := strings.ToLower(strings.TrimSpace(text))
		if key == "" {
			continue
		}
		if vec, ok := p.cache.get(key); ok {
			result[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return result, nil
	}

	client, err := p.getClient()
	if err != nil {
		return nil, err
	}
	fetched, err := client.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, vec := range fetched {
		result[missingIdx[i]] = vec
		if len(vec) > 0 {
			p.cache.put(strings.ToLower(strings.TrimSpace(missing[i])), vec)
		}
	}
	return result, nil
}

// Dimensions returns the dimensionality of the underlying embedder, or
// DefaultDimensions if the client has not produced a vector yet.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client != nil {
		if d := client.Dimensions(); d > 0 {
			return d
		}
	}
	return DefaultDimensions
}

// CacheLen reports the number of cached vectors.
func (p *Provider) CacheLen() int {
	return p.cache.len()
}

func (p *Provider) getClient() (Embedder, error) {
	p.mu.Lock()
	if p.client != nil {
		c := p.client
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.initGroup.Do("init", func() (interface{}, error) {
		client, err := p.newClient()
		if err != nil {
			return nil, fmt.Errorf("initializing embedder: %w", err)
		}
		p.mu.Lock()
		p.client = client
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Embedder), nil
}

// vectorCache is a bounded insertion-order cache: when full, the oldest
// inserted entry is evicted first.
type vectorCache struct {
	mu      sync.Mutex
	entries map[string][]float32
	order   []string // oldest first
	maxSize int
}

func newVectorCache(maxSize int) *vectorCache {
	return &vectorCache{
		entries: make(map[string][]float32),
		maxSize: maxSize,
	}
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[key]
	return vec, ok
}

func (c *vectorCache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = vec
		return
	}

	if len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = vec
	c.order = append(c.order, key)
}

func (c *vectorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

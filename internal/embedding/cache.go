package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores embeddings keyed by a content hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// CacheObserver receives cache hit and miss events.
type CacheObserver interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// CacheConfig selects and sizes the embedding cache.
type CacheConfig struct {
	Backend    string `json:"backend"` // "memory", "redis" or "none"
	MaxItems   int64  `json:"max_items"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TTL returns the configured expiry; zero means none.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CachedProvider wraps a Provider with a lookup cache.
type CachedProvider struct {
	inner    Provider
	cache    Cache
	observer CacheObserver
	logger   *zap.Logger
}

// NewCachedProvider wraps inner. observer may be nil.
func NewCachedProvider(inner Provider, cache Cache, observer CacheObserver, logger *zap.Logger) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache, observer: observer, logger: logger}
}

// Embed serves cached vectors and forwards only the misses.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, text := range texts {
		if vec, ok := p.cache.Get(ctx, cacheKey(text)); ok {
			out[i] = vec
			p.hit()
			continue
		}
		p.miss()
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := p.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		p.cache.Set(ctx, cacheKey(missTexts[j]), vec)
	}
	p.logger.Debug("embedding cache fill", zap.Int("misses", len(missTexts)), zap.Int("total", len(texts)))
	return out, nil
}

// Dimension delegates to the wrapped provider.
func (p *CachedProvider) Dimension() int { return p.inner.Dimension() }

func (p *CachedProvider) hit() {
	if p.observer != nil {
		p.observer.RecordCacheHit()
	}
}

func (p *CachedProvider) miss() {
	if p.observer != nil {
		p.observer.RecordCacheMiss()
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is an in-process cache backed by ristretto.
type MemoryCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewMemoryCache sizes a ristretto cache for maxItems vectors.
func NewMemoryCache(maxItems int64, ttl time.Duration) (*MemoryCache, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
		// Cost counts vectors, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create memory cache: %w", err)
	}
	return &MemoryCache{cache: c, ttl: ttl}, nil
}

// Get returns a cached vector.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Set stores a vector with cost 1. Writes become visible once buffered
// writes are applied.
func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) {
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, vec, 1, c.ttl)
	} else {
		c.cache.Set(key, vec, 1)
	}
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *MemoryCache) Close() {
	c.cache.Close()
}

// RedisCache shares embeddings across processes.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache stores vectors under prefix+hash with the given TTL.
func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if prefix == "" {
		prefix = "nuka:emb:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

// Get reads and decodes a vector. Redis errors count as misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	vec, err := decodeVector(raw)
	if err != nil {
		return nil, false
	}
	return vec, true
}

// Set writes a vector; failures are logged and ignored.
func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	if err := c.rdb.Set(ctx, c.prefix+key, encodeVector(vec), c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding: corrupt cached vector of %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

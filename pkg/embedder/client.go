package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"golang.org/x/sync/semaphore"
)

// ClientConfig tunes the shared embedding client.
type ClientConfig struct {
	// MaxConcurrency caps in-flight provider calls. Callers above the cap
	// wait for a slot.
	MaxConcurrency int64

	// CacheSize is the number of vectors kept in the cache.
	CacheSize int64

	// MaxAttempts bounds retries of transient provider failures.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry. It doubles per attempt.
	BaseBackoff time.Duration
}

// DefaultClientConfig mirrors the production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrency: 8,
		CacheSize:      10000,
		MaxAttempts:    3,
		BaseBackoff:    time.Second,
	}
}

// Client is a caching, rate-limited Provider wrapper.
type Client struct {
	provider Provider
	cache    *ristretto.Cache
	sem      *semaphore.Weighted
	cfg      ClientConfig
}

// NewClient wraps provider.
func NewClient(provider Provider, cfg ClientConfig) (*Client, error) {
	if provider == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "embedder provider is nil")
	}
	def := DefaultClientConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.CacheSize * 10,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create embedding cache")
	}

	return &Client{
		provider: provider,
		cache:    cache,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		cfg:      cfg,
	}, nil
}

// CacheKey returns the cache key for text.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the vector for text, from cache when possible.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	return c.EmbedKeyed(ctx, CacheKey(text), text)
}

// EmbedKeyed embeds text using key as the cache key. The COLD path passes
// the decider's content hash so repeated facts skip the provider.
func (c *Client) EmbedKeyed(ctx context.Context, key, text string) ([]float64, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	var vec []float64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = c.provider.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.store(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts, only sending cache misses to the provider.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if v, ok := c.lookup(CacheKey(t)); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	var vecs [][]float64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = c.provider.EmbedBatch(ctx, missTexts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, goerr.New("embedding batch size mismatch",
			goerr.V("want", len(missTexts)), goerr.V("got", len(vecs)))
	}

	for j, i := range missIdx {
		out[i] = vecs[j]
		c.store(CacheKey(texts[i]), vecs[j])
	}
	return out, nil
}

// Dimensions implements Provider.
func (c *Client) Dimensions() int {
	return c.provider.Dimensions()
}

// Close releases the cache and the wrapped provider.
func (c *Client) Close() error {
	c.cache.Close()
	return c.provider.Close()
}

// Wait blocks until pending cache writes are visible.
func (c *Client) Wait() {
	c.cache.Wait()
}

func (c *Client) lookup(key string) ([]float64, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float64)
	return vec, ok
}

func (c *Client) store(key string, vec []float64) {
	if len(vec) == 0 {
		return
	}
	c.cache.Set(key, vec, 1)
}

// call runs fn under the concurrency ceiling, retrying transient errors
// with exponential backoff. The slot is released while backing off.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return goerr.Wrap(err, "wait for embedding slot")
		}
		err := fn(ctx)
		c.sem.Release(1)

		if err == nil {
			return nil
		}
		lastErr = err
		if !model.IsTransient(err) || ctx.Err() != nil || attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.cfg.BaseBackoff << (attempt - 1)
		logging.From(ctx).Debug("embedding retry", "attempt", attempt, "delay", delay, "error", err)
		if err := sleepContext(ctx, delay); err != nil {
			return goerr.Wrap(err, "embedding backoff interrupted")
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	t := time.NewTimer(d + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

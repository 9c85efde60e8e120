package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/statuscard/statuscard/internal/observability"
)

// avgImageBytes is the expected PNG size, used to size the admission sketch.
const avgImageBytes = 64 << 10

// ImageRenderer produces an image from markup.
type ImageRenderer interface {
	Render(ctx context.Context, markup string) ([]byte, error)
}

// Cache holds recently rendered images keyed by markup hash, costed by
// byte size. Concurrent renders of identical markup are collapsed into
// one pipeline run.
type Cache struct {
	renderer ImageRenderer
	images   *ristretto.Cache[string, []byte]
	ttl      time.Duration
	group    singleflight.Group
	metrics  *observability.Metrics
}

// NewCache wraps renderer with a TTL cache of at most maxBytes.
func NewCache(renderer ImageRenderer, maxBytes int64, ttl time.Duration, metrics *observability.Metrics) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	items := maxBytes / avgImageBytes
	if items < 1 {
		items = 1
	}
	images, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: items * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{renderer: renderer, images: images, ttl: ttl, metrics: metrics}, nil
}

// Key returns the cache key for markup.
func Key(markup string) string {
	sum := sha256.Sum256([]byte(markup))
	return hex.EncodeToString(sum[:])
}

// Render returns a cached image for markup or renders it. Waiting callers
// honor their own ctx; the shared render is bounded by the pipeline's
// stage timeouts, not by whichever caller arrived first.
func (c *Cache) Render(ctx context.Context, markup string) ([]byte, error) {
	key := Key(markup)
	if img, ok := c.images.Get(key); ok {
		c.metrics.IncCacheHit()
		return img, nil
	}
	c.metrics.IncCacheMiss()

	ch := c.group.DoChan(key, func() (any, error) {
		img, err := c.renderer.Render(context.WithoutCancel(ctx), markup)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			c.images.SetWithTTL(key, img, int64(len(img)), c.ttl)
			c.images.Wait()
		}
		return img, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() { c.images.Close() }

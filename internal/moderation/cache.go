package moderation

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/sha256-simd"
	"golang.org/x/sync/singleflight"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
)

// Query cache defaults.
const (
	DefaultCacheSize = 100
	DefaultCacheTTL  = time.Hour
)

// Query is the catalog search extracted from an image.
type Query struct {
	Query    string   `json:"query"`
	Keywords []string `json:"keywords"`
}

// QueryCache memoizes extracted queries by content fingerprint. Entries expire
// a fixed TTL after insertion and the oldest inserted entry is evicted first.
// Failed extractions are never stored.
type QueryCache struct {
	entries *expirable.LRU[string, Query]
	group   singleflight.Group
}

// NewQueryCache returns a cache. Non-positive arguments take the defaults.
func NewQueryCache(size int, ttl time.Duration) *QueryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &QueryCache{entries: expirable.NewLRU[string, Query](size, nil, ttl)}
}

// Get returns a live entry. Lookups do not refresh an entry's position, so
// eviction stays in insertion order.
func (c *QueryCache) Get(key string) (Query, bool) {
	return c.entries.Peek(key)
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *QueryCache) Len() int {
	return c.entries.Len()
}

// load returns the cached value for key or runs fn once across concurrent
// callers. Only successful results are stored.
func (c *QueryCache) load(key string, fn func() (Query, error)) (Query, bool, error) {
	if q, ok := c.Get(key); ok {
		return q, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if q, ok := c.Get(key); ok {
			return q, nil
		}
		q, err := fn()
		if err != nil {
			return Query{}, err
		}
		c.entries.Add(key, q)
		return q, nil
	})
	if err != nil {
		return Query{}, false, err
	}
	return v.(Query), false, nil
}

// Fingerprint is the cache key of a content payload.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ExtractQuery describes the image as a catalog search query. Results are
// cached by the fingerprint of the normalized image data, so a URL and an
// inline copy of the same bytes share one entry. Failures wrap
// ErrModerationUnavailable.
func (p *Pipeline) ExtractQuery(ctx context.Context, imageRef string) (Query, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return Query{}, fmt.Errorf("%w: empty image", errors.ErrModerationUnavailable)
	}
	media, err := p.images.Normalize(ctx, imageRef)
	if err != nil {
		p.metrics.cache.WithLabelValues("error").Inc()
		p.log.Error("Image query extraction failed", err, nil)
		return Query{}, fmt.Errorf("%w: %v", errors.ErrModerationUnavailable, err)
	}
	key := Fingerprint(media.Data)

	q, hit, err := p.queries.load(key, func() (Query, error) {
		return p.extractQuery(ctx, media)
	})
	switch {
	case err != nil:
		p.metrics.cache.WithLabelValues("error").Inc()
		p.log.Error("Image query extraction failed", err, logging.LogFields{"fingerprint": key[:12]})
		return Query{}, err
	case hit:
		p.metrics.cache.WithLabelValues("hit").Inc()
	default:
		p.metrics.cache.WithLabelValues("miss").Inc()
	}
	return q, nil
}

func (p *Pipeline) extractQuery(ctx context.Context, media InlineMedia) (Query, error) {
	ctx, span := p.tracer.Start(ctx, "moderation.extract_query")
	defer span.End()

	reply, err := p.completer.Complete(ctx, queryPrompt, []InlineMedia{media})
	if err != nil {
		return Query{}, fmt.Errorf("%w: %v", errors.ErrModerationUnavailable, err)
	}
	raw, ok := jsoncodec.ExtractObject(reply)
	if !ok {
		return Query{}, fmt.Errorf("%w: query reply holds no JSON object", errors.ErrModerationUnavailable)
	}
	var q Query
	if err := jsoncodec.Unmarshal(raw, &q); err != nil {
		return Query{}, fmt.Errorf("%w: query reply: %v", errors.ErrModerationUnavailable, err)
	}
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return Query{}, fmt.Errorf("%w: query reply has an empty query", errors.ErrModerationUnavailable)
	}
	return q, nil
}

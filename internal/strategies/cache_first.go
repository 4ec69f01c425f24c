package strategies

import (
	"context"
	"net/http"
	"time"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/classify"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/origin"
	"github.com/taskhive/cachegw/internal/ratelimit"
)

// DefaultStaleAfter is the age past which a cache-first hit triggers a
// background refresh.
const DefaultStaleAfter = 24 * time.Hour

// CacheFirst serves static assets: the cache answers immediately when it
// can, entries past the staleness threshold are refreshed in the background
// without affecting the response already sent.
type CacheFirst struct {
	cache      cachestore.Cache
	fetch      origin.Fetcher
	staleAfter time.Duration
	limiter    *ratelimit.Limiter

	// placeholderKey, when set, names a cache entry served instead of a
	// synthetic 404 for image requests that fail with nothing cached.
	placeholderKey string

	// nowFunc overrides time.Now in tests.
	nowFunc func() time.Time
}

// NewCacheFirst creates the strategy. A non-positive staleAfter falls back
// to DefaultStaleAfter; limiter may be nil (unbounded refreshes).
func NewCacheFirst(cache cachestore.Cache, fetch origin.Fetcher, staleAfter time.Duration, limiter *ratelimit.Limiter) *CacheFirst {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &CacheFirst{
		cache:      cache,
		fetch:      fetch,
		staleAfter: staleAfter,
		limiter:    limiter,
		nowFunc:    time.Now,
	}
}

// WithPlaceholder sets the cache key of the placeholder image entry.
func (s *CacheFirst) WithPlaceholder(key string) *CacheFirst {
	s.placeholderKey = key
	return s
}

// WithNowFunc replaces the strategy's clock, for tests.
func (s *CacheFirst) WithNowFunc(now func() time.Time) *CacheFirst {
	s.nowFunc = now
	return s
}

// Name returns the strategy identifier.
func (s *CacheFirst) Name() string { return "cache-first" }

// Resolve looks up the cache first. Hits are returned immediately; a hit
// older than the staleness threshold additionally spawns a detached refresh.
// Misses fall through to the network, then to the image placeholder, then to
// a synthetic 404.
func (s *CacheFirst) Resolve(ctx context.Context, req *http.Request) Result {
	key := cachestore.RequestKey(req)
	log := logging.FromContext(ctx)

	cached, ok, err := s.cache.Match(key)
	if err != nil {
		log.Warn("cache lookup failed", "cache", s.cache.Name(), "error", err.Error())
	}
	if ok {
		res := Result{Response: cached, Outcome: OutcomeCache}
		if age, known := cached.Age(s.nowFunc()); known && age > s.staleAfter {
			res.Revalidating = revalidate(ctx, s.fetch, s.cache, key, req, s.limiter)
		}
		return res
	}

	stored, err := fetchAndStore(ctx, s.fetch, s.cache, key, req, "strategy")
	if err == nil {
		return Result{Response: stored, Outcome: OutcomeNetwork}
	}
	log.Debug("cache-first fetch failed", "url", req.URL.String(), "error", err.Error())

	if s.placeholderKey != "" && classify.IsImage(req) {
		if placeholder, ok, perr := s.cache.Match(s.placeholderKey); perr == nil && ok {
			return Result{Response: placeholder, Outcome: OutcomeCache}
		}
	}
	return Result{Response: syntheticNotFound(), Outcome: OutcomeSynthetic}
}

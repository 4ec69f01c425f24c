package strategies

import (
	"context"
	"net/http"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/metrics"
	"github.com/taskhive/cachegw/internal/origin"
	"github.com/taskhive/cachegw/internal/ratelimit"
)

// StaleWhileRevalidate serves whatever the cache holds immediately and
// refreshes the entry in the background for next time. The cached value
// returned to the caller is never affected by the refresh that follows it
// (read-then-detach).
//
// Writes are bounded: when a successful insert grows the cache past its
// capacity, the single oldest entry by enumeration order is evicted. This is
// a FIFO bound, not LRU — the store does not track access recency, and the
// weaker semantic is kept deliberately. A failed or non-200 fetch stores
// nothing and evicts nothing.
type StaleWhileRevalidate struct {
	cache      cachestore.Cache
	fetch      origin.Fetcher
	maxEntries int
	limiter    *ratelimit.Limiter
}

// NewStaleWhileRevalidate creates the strategy. maxEntries <= 0 disables the
// bound; limiter may be nil (unbounded revalidations).
func NewStaleWhileRevalidate(cache cachestore.Cache, fetch origin.Fetcher, maxEntries int, limiter *ratelimit.Limiter) *StaleWhileRevalidate {
	return &StaleWhileRevalidate{cache: cache, fetch: fetch, maxEntries: maxEntries, limiter: limiter}
}

// Name returns the strategy identifier.
func (s *StaleWhileRevalidate) Name() string { return "stale-while-revalidate" }

// Resolve returns the cached entry immediately when one exists, revalidating
// detached; otherwise it awaits the network and falls back to a synthetic
// 404 when that also fails.
func (s *StaleWhileRevalidate) Resolve(ctx context.Context, req *http.Request) Result {
	key := cachestore.RequestKey(req)
	log := logging.FromContext(ctx)

	cached, ok, err := s.cache.Match(key)
	if err != nil {
		log.Warn("cache lookup failed", "cache", s.cache.Name(), "error", err.Error())
	}
	if ok {
		// Revalidation overwrites an existing key in place, so it cannot
		// grow the cache past its bound.
		return Result{
			Response:     cached,
			Outcome:      OutcomeCache,
			Revalidating: revalidate(ctx, s.fetch, s.cache, key, req, s.limiter),
		}
	}

	stored, err := s.fetchBounded(ctx, key, req)
	if err == nil {
		return Result{Response: stored, Outcome: OutcomeNetwork}
	}
	log.Debug("stale-while-revalidate fetch failed", "url", req.URL.String(), "error", err.Error())
	return Result{Response: syntheticNotFound(), Outcome: OutcomeSynthetic}
}

// fetchBounded fetches and stores, then trims the overflow the insert may
// have caused. Only a stored response can displace an existing entry: a
// failed or non-200 fetch writes nothing, so the cache keeps what it had.
func (s *StaleWhileRevalidate) fetchBounded(ctx context.Context, key string, req *http.Request) (*cachestore.StoredResponse, error) {
	stored, err := fetchAndStore(ctx, s.fetch, s.cache, key, req, "strategy")
	if err == nil && stored.Status == http.StatusOK {
		s.trimOverflow(ctx, key)
	}
	return stored, err
}

// trimOverflow evicts the oldest entries other than keep until the cache is
// back within its bound. Best-effort: enumeration or delete failures are
// logged and ignored.
func (s *StaleWhileRevalidate) trimOverflow(ctx context.Context, keep string) {
	if s.maxEntries <= 0 {
		return
	}
	keys, err := s.cache.Keys()
	if err != nil {
		logging.FromContext(ctx).Warn("eviction enumeration failed", "cache", s.cache.Name(), "error", err.Error())
		return
	}
	over := len(keys) - s.maxEntries
	for _, existing := range keys {
		if over <= 0 {
			return
		}
		if existing == keep {
			continue
		}
		if _, err := s.cache.Delete(existing); err != nil {
			logging.FromContext(ctx).Warn("eviction failed", "cache", s.cache.Name(), "error", err.Error())
			return
		}
		metrics.SweepDeletions.WithLabelValues("size", s.cache.Name()).Inc()
		over--
	}
}

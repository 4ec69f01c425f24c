package strategies

import (
	"context"
	"net/http"
	"time"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/origin"
)

// DefaultNetworkTimeout bounds how long NetworkFirst waits for the origin
// before falling back to cache.
const DefaultNetworkTimeout = 4 * time.Second

// NetworkFirst favours freshness: the origin is always tried first under a
// short timeout, the cache is the fallback, never the first choice. Used for
// API and backend-service requests whose data changes server-side.
type NetworkFirst struct {
	cache   cachestore.Cache
	fetch   origin.Fetcher
	timeout time.Duration
}

// NewNetworkFirst creates the strategy. A non-positive timeout falls back to
// DefaultNetworkTimeout.
func NewNetworkFirst(cache cachestore.Cache, fetch origin.Fetcher, timeout time.Duration) *NetworkFirst {
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	return &NetworkFirst{cache: cache, fetch: fetch, timeout: timeout}
}

// Name returns the strategy identifier.
func (s *NetworkFirst) Name() string { return "network-first" }

// Resolve races the fetch against the timeout. Success (HTTP 200) is stored
// and returned; any other received response is returned uncached; network
// failure or timeout falls back to the cache and then to a synthetic 503.
func (s *NetworkFirst) Resolve(ctx context.Context, req *http.Request) Result {
	key := cachestore.RequestKey(req)

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stored, err := fetchAndStore(fetchCtx, s.fetch, s.cache, key, req, "strategy")
	if err == nil {
		return Result{Response: stored, Outcome: OutcomeNetwork}
	}

	log := logging.FromContext(ctx)
	log.Debug("network-first fetch failed, trying cache", "url", req.URL.String(), "error", err.Error())

	cached, ok, cerr := s.cache.Match(key)
	if cerr != nil {
		log.Warn("cache lookup failed", "cache", s.cache.Name(), "error", cerr.Error())
	}
	if ok {
		return Result{Response: cached, Outcome: OutcomeCache}
	}
	return Result{Response: syntheticOffline(), Outcome: OutcomeSynthetic}
}

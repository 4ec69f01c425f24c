package strategies

import (
	"context"
	"net/http"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/origin"
)

// NetworkOnly always attempts the network and consults the cache only on
// failure. Used for the version probe, where a stale answer is acceptable
// but the absence of any answer must not break the update-check loop: when
// neither network nor cache can answer, an empty JSON object is returned.
type NetworkOnly struct {
	cache cachestore.Cache
	fetch origin.Fetcher
}

// NewNetworkOnly creates the strategy.
func NewNetworkOnly(cache cachestore.Cache, fetch origin.Fetcher) *NetworkOnly {
	return &NetworkOnly{cache: cache, fetch: fetch}
}

// Name returns the strategy identifier.
func (s *NetworkOnly) Name() string { return "network-only" }

// Resolve fetches from the network, falling back to a cache match and then
// to `{}`. Successful responses are stored so the fallback has something to
// serve next time the origin is unreachable.
func (s *NetworkOnly) Resolve(ctx context.Context, req *http.Request) Result {
	key := cachestore.RequestKey(req)

	stored, err := fetchAndStore(ctx, s.fetch, s.cache, key, req, "strategy")
	if err == nil {
		return Result{Response: stored, Outcome: OutcomeNetwork}
	}
	logging.FromContext(ctx).Debug("network-only fetch failed", "url", req.URL.String(), "error", err.Error())

	cached, ok, cerr := s.cache.Match(key)
	if cerr == nil && ok {
		return Result{Response: cached, Outcome: OutcomeCache}
	}
	return Result{Response: syntheticEmptyObject(), Outcome: OutcomeSynthetic}
}

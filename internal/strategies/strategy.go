// Package strategies implements the fetch strategies used by the cache agent.
//
// Available strategies:
//   - NetworkFirst:         race the network against a timeout, fall back to cache.
//   - CacheFirst:           serve from cache, refresh stale entries in the background.
//   - StaleWhileRevalidate: serve from cache immediately, revalidate detached.
//   - NetworkOnly:          always fetch; cache is a failure fallback only.
//
// Every strategy terminates with a response: network errors are converted to
// cache fallbacks or synthetic responses and never escape Resolve.
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

// Outcome classifies how a strategy produced its response.
type Outcome string

const (
	// OutcomeCache — served from a named cache.
	OutcomeCache Outcome = "cache"
	// OutcomeNetwork — served from the origin.
	OutcomeNetwork Outcome = "network"
	// OutcomeSynthetic — neither cache nor network could answer.
	OutcomeSynthetic Outcome = "synthetic"
)

// Result is the terminal state of one strategy invocation.
type Result struct {
	Response *cachestore.StoredResponse
	Outcome  Outcome

	// Revalidating is non-nil when the strategy started a detached
	// background refresh for this entry; the channel is closed once the
	// refresh settles. The response above is never affected by it.
	Revalidating <-chan struct{}
}

// Strategy resolves one GET request against a named cache and the network.
type Strategy interface {
	// Name returns the strategy identifier used in logs and metrics.
	Name() string
	// Resolve terminates with a Result; it never panics or returns an error.
	Resolve(ctx context.Context, req *http.Request) Result
}

// fetchAndStore issues an upstream fetch and, on HTTP 200, captures the
// response into cache under key. Store failures are logged and swallowed:
// the strategy proceeds as if the write simply didn't happen.
func fetchAndStore(ctx context.Context, fetch origin.Fetcher, cache cachestore.Cache, key string, req *http.Request, trigger string) (*cachestore.StoredResponse, error) {
	metrics.NetworkFetches.WithLabelValues(trigger).Inc()
	resp, err := fetch.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	stored, err := cachestore.FromHTTPResponse(resp)
	if err != nil {
		return nil, err
	}
	if stored.Status == http.StatusOK {
		if err := cache.Put(key, stored); err != nil {
			logging.FromContext(ctx).Warn("cache write failed",
				"cache", cache.Name(), "url", req.URL.String(), "error", err.Error())
		}
	}
	return stored, nil
}

// revalidate spawns a detached refresh of key, gated by the limiter. The
// returned channel is closed when the refresh settles; nil is returned when
// the limiter rejected the refresh.
func revalidate(ctx context.Context, fetch origin.Fetcher, cache cachestore.Cache, key string, req *http.Request, limiter *ratelimit.Limiter) <-chan struct{} {
	if limiter != nil && !limiter.Allow() {
		metrics.RevalidationsDropped.Inc()
		return nil
	}
	done := make(chan struct{})
	// Detach from the request context: the caller's response must not be
	// able to cancel the refresh, and vice versa.
	bg := context.WithoutCancel(ctx)
	reqCopy := req.Clone(bg)
	go func() {
		defer close(done)
		if _, err := fetchAndStore(bg, fetch, cache, key, reqCopy, "revalidate"); err != nil {
			logging.FromContext(bg).Debug("background revalidation failed",
				"cache", cache.Name(), "url", reqCopy.URL.String(), "error", err.Error())
		}
	}()
	return done
}

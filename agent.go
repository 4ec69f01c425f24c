// Package cachegw provides an offline-first caching gateway for web
// applications. The agent intercepts requests bound for the application's
// origin, classifies each one, and resolves it through a fetch strategy
// (network-first, cache-first, stale-while-revalidate or network-only)
// backed by a persistent named cache store.
//
// The Agent type is the main entry point: create one with New, mount it as
// an http.Handler, and drive installation/activation through a
// lifecycle.Manager. Configuration is loaded from a YAML or JSON file using
// [LoadConfig].
package cachegw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/taskhive/cachegw/internal/bridge"
	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/circuitbreaker"
	"github.com/taskhive/cachegw/internal/classify"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/metrics"
	"github.com/taskhive/cachegw/internal/origin"
	"github.com/taskhive/cachegw/internal/ratelimit"
	"github.com/taskhive/cachegw/internal/strategies"
)

// EventHookFunc is called asynchronously after each served request. Hooks
// receive the event subject and a data map describing the serving decision.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking agent hooks.
const (
	SubjectRequestServed      = "agent.request.served"
	SubjectRequestPassthrough = "agent.request.passthrough"
)

// Agent intercepts and resolves requests for the fronted application.
type Agent struct {
	mu     sync.RWMutex
	config Config
	store  cachestore.Store
	fetch  origin.Fetcher
	rules  classify.Rules
	sink   bridge.MetricsSink
	hooks  []EventHookFunc

	// primary is the cache consulted for the observational hit/miss
	// counters, independent of which strategy serves the request.
	primary cachestore.Cache

	// dispatch maps a classification to its strategy. Cache-first splits
	// by destination: images get the placeholder-capable variant.
	dispatch    map[classify.Kind]strategies.Strategy
	imagesFirst strategies.Strategy
}

// Option customises an Agent beyond its Config.
type Option func(*Agent)

// WithStore supplies an already-open cache store. Without it, New opens
// one from cfg.Storage.
func WithStore(store cachestore.Store) Option {
	return func(a *Agent) { a.store = store }
}

// WithFetcher supplies the upstream fetcher. Without it, New builds a
// breaker-wrapped client for cfg.Origin.BaseURL.
func WithFetcher(fetch origin.Fetcher) Option {
	return func(a *Agent) { a.fetch = fetch }
}

// WithMetricsSink supplies the observational hit/miss sink, typically
// shared with a message bridge. Without it, New uses a private counter
// sink.
func WithMetricsSink(sink bridge.MetricsSink) Option {
	return func(a *Agent) { a.sink = sink }
}

// New creates an Agent from a validated Config. Dependencies not
// supplied through options are constructed from the Config, so
// New(cfg) alone yields a working agent.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.store == nil {
		store, err := openConfiguredStore(cfg)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	if a.fetch == nil {
		breaker := circuitbreaker.New(
			cfg.Network.Breaker.FailureThreshold,
			cfg.Network.Breaker.SuccessThreshold,
			time.Duration(cfg.Network.Breaker.OpenSeconds)*time.Second,
		)
		client, err := origin.NewClient(cfg.Origin.BaseURL, origin.WithBreaker(breaker))
		if err != nil {
			return nil, fmt.Errorf("creating origin client: %w", err)
		}
		a.fetch = client
	}
	if a.sink == nil {
		a.sink = bridge.NewCounterSink()
	}
	store, fetch := a.store, a.fetch

	rules := classify.DefaultRules()
	if len(cfg.Routing.APIPrefixes) > 0 {
		rules.APIPrefixes = cfg.Routing.APIPrefixes
	}
	if len(cfg.Routing.BackendHosts) > 0 {
		rules.BackendHosts = cfg.Routing.BackendHosts
	}
	if cfg.Routing.VersionProbePath != "" {
		rules.VersionProbePath = cfg.Routing.VersionProbePath
	}
	rules.AppHost = cfg.Routing.AppHost

	var limiter *ratelimit.Limiter
	if cfg.Network.RevalidationsPerSecond > 0 {
		burst := float64(cfg.Network.RevalidationBurst)
		if burst <= 0 {
			burst = cfg.Network.RevalidationsPerSecond
		}
		limiter = ratelimit.New(cfg.Network.RevalidationsPerSecond, burst)
	}

	open := func(role string) (cachestore.Cache, error) {
		cache, err := store.Open(cfg.CacheName(role))
		if err != nil {
			return nil, fmt.Errorf("opening %s cache: %w", role, err)
		}
		return cache, nil
	}
	apiCache, err := open(RoleAPI)
	if err != nil {
		return nil, err
	}
	staticCache, err := open(RoleStatic)
	if err != nil {
		return nil, err
	}
	imagesCache, err := open(RoleImages)
	if err != nil {
		return nil, err
	}
	dynamicCache, err := open(RoleDynamic)
	if err != nil {
		return nil, err
	}
	metaCache, err := open(RoleMeta)
	if err != nil {
		return nil, err
	}

	timeout := strategies.DefaultNetworkTimeout
	if cfg.Network.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Network.TimeoutSeconds) * time.Second
	}
	staleAfter := strategies.DefaultStaleAfter
	if cfg.Network.StaleAfterSeconds > 0 {
		staleAfter = time.Duration(cfg.Network.StaleAfterSeconds) * time.Second
	}
	dynamicMax := 0
	if role, ok := cfg.RoleConfig(RoleDynamic); ok {
		dynamicMax = role.MaxEntries
	}

	imagesFirst := strategies.NewCacheFirst(imagesCache, fetch, staleAfter, limiter)
	if cfg.Routing.PlaceholderImagePath != "" {
		imagesFirst.WithPlaceholder(cachestore.Key(http.MethodGet, cfg.Routing.PlaceholderImagePath))
	}

	a.rules = rules
	a.primary = dynamicCache
	a.imagesFirst = imagesFirst
	a.dispatch = map[classify.Kind]strategies.Strategy{
		classify.KindNetworkFirst:         strategies.NewNetworkFirst(apiCache, fetch, timeout),
		classify.KindCacheFirst:           strategies.NewCacheFirst(staticCache, fetch, staleAfter, limiter),
		classify.KindStaleWhileRevalidate: strategies.NewStaleWhileRevalidate(dynamicCache, fetch, dynamicMax, limiter),
		classify.KindNetworkOnly:          strategies.NewNetworkOnly(metaCache, fetch),
	}
	return a, nil
}

// openConfiguredStore builds the store cfg.Storage selects.
func openConfiguredStore(cfg Config) (cachestore.Store, error) {
	if cfg.Storage.Driver == StorageLevelDB {
		return cachestore.OpenLevelDB(cfg.Storage.Path)
	}
	return cachestore.NewMemoryStore(), nil
}

// Store returns the agent's cache store, whether supplied or
// default-constructed. Embedders use it to wire lifecycle management and
// the message bridge around the same caches the agent serves from.
func (a *Agent) Store() cachestore.Store {
	return a.store
}

// AddHook registers an EventHookFunc that is called asynchronously on each
// served request. Multiple hooks may be registered; all are invoked for
// every event.
func (a *Agent) AddHook(fn EventHookFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// GetConfig returns a copy of the current configuration.
func (a *Agent) GetConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// ServeHTTP classifies the request and resolves it through the matching
// strategy. Requests outside the interception rules are proxied to the
// origin untouched. A response is always produced; strategy failures
// degrade to cache fallbacks or synthetic bodies, never to a 5xx from the
// agent itself.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logging.FromContext(ctx)

	kind := a.rules.Classify(r)
	if kind == classify.KindPassThrough {
		a.passThrough(w, r, start)
		return
	}

	// Observational hit/miss against the primary cache. This is
	// independent of the serving strategy and may diverge from it. A miss
	// implies the network will be consulted, so it also counts as a
	// network request.
	if _, ok, err := a.primary.Match(cachestore.RequestKey(r)); err == nil && ok {
		a.sink.RecordHit()
	} else {
		a.sink.RecordMiss()
		a.sink.RecordNetwork()
	}

	s := a.strategyFor(kind, r)
	result := s.Resolve(ctx, r)
	latency := time.Since(start)

	metrics.RequestsTotal.WithLabelValues(s.Name(), string(result.Outcome)).Inc()
	metrics.RequestDuration.WithLabelValues(s.Name()).Observe(latency.Seconds())

	if err := result.Response.Write(w); err != nil {
		log.Debug("response write failed", "url", r.URL.String(), "error", err.Error())
	}

	log.Info("request served",
		"method", r.Method,
		"url", r.URL.String(),
		"strategy", s.Name(),
		"outcome", string(result.Outcome),
		"status", result.Response.Status,
		"latency_ms", latency.Milliseconds(),
	)

	a.publishEvent(ctx, SubjectRequestServed, map[string]interface{}{
		"trace_id":   logging.TraceIDFromContext(ctx),
		"method":     r.Method,
		"url":        r.URL.String(),
		"strategy":   s.Name(),
		"outcome":    string(result.Outcome),
		"status":     result.Response.Status,
		"latency_ms": latency.Milliseconds(),
		"timestamp":  time.Now(),
	})
}

func (a *Agent) strategyFor(kind classify.Kind, r *http.Request) strategies.Strategy {
	if kind == classify.KindCacheFirst && classify.IsImage(r) {
		return a.imagesFirst
	}
	return a.dispatch[kind]
}

// passThrough proxies the request to the origin without touching any cache.
func (a *Agent) passThrough(w http.ResponseWriter, r *http.Request, start time.Time) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	resp, err := a.fetch.Do(ctx, r)
	status := 0
	if err != nil {
		status = http.StatusBadGateway
		http.Error(w, "upstream unavailable", status)
		log.Warn("pass-through failed", "method", r.Method, "url", r.URL.String(), "error", err.Error())
	} else {
		defer resp.Body.Close()
		status = resp.StatusCode
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Debug("pass-through copy failed", "url", r.URL.String(), "error", err.Error())
		}
	}
	latency := time.Since(start)

	metrics.RequestsTotal.WithLabelValues("pass-through", "network").Inc()
	metrics.RequestDuration.WithLabelValues("pass-through").Observe(latency.Seconds())

	a.publishEvent(ctx, SubjectRequestPassthrough, map[string]interface{}{
		"trace_id":   logging.TraceIDFromContext(ctx),
		"method":     r.Method,
		"url":        r.URL.String(),
		"strategy":   "pass-through",
		"outcome":    "network",
		"status":     status,
		"latency_ms": latency.Milliseconds(),
		"timestamp":  time.Now(),
	})
}

// publishEvent calls all registered hooks asynchronously.
func (a *Agent) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	a.mu.RLock()
	hooks := make([]EventHookFunc, len(a.hooks))
	copy(hooks, a.hooks)
	a.mu.RUnlock()

	// Detach so hooks outlive the request.
	hctx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		fn := h
		go fn(hctx, subject, data)
	}
}

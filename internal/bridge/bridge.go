// Package bridge is the control channel between the caching agent and the
// application it fronts: typed request/response messages for metric
// retrieval, cache clearing, resource preloading, notifications and forced
// activation, plus the observational hit/miss counters those messages read.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/metrics"
	"github.com/taskhive/cachegw/internal/origin"
)

// Message types accepted by Dispatch.
const (
	TypeGetCacheMetrics  = "GET_CACHE_METRICS"
	TypeClearCache       = "CLEAR_CACHE"
	TypePreloadResources = "PRELOAD_RESOURCES"
	TypeShowNotification = "SHOW_NOTIFICATION"
	TypeSkipWaiting      = "SKIP_WAITING"
)

// Reply types produced by Dispatch.
const (
	TypeCacheMetrics       = "CACHE_METRICS"
	TypeCacheCleared       = "CACHE_CLEARED"
	TypeAllCachesCleared   = "ALL_CACHES_CLEARED"
	TypeResourcesPreloaded = "RESOURCES_PRELOADED"
	TypeError              = "ERROR"
)

// Message is one inbound control message.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reply is the response to a request/response message. Fire-and-forget
// messages produce no Reply at all.
type Reply struct {
	Type      string    `json:"type"`
	Metrics   *Snapshot `json:"metrics,omitempty"`
	CacheName string    `json:"cacheName,omitempty"`
	Count     *int      `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Activator forces a waiting agent to activate.
type Activator interface {
	SkipWaiting(ctx context.Context) error
}

// Notification is a user-facing notification relayed to the application.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Kind  string `json:"type,omitempty"`
}

// handlerFunc processes one message's payload. A nil Reply means
// fire-and-forget: no response is sent.
type handlerFunc func(ctx context.Context, data json.RawMessage) *Reply

// Bridge dispatches control messages against the store and origin.
type Bridge struct {
	store        cachestore.Store
	fetch        origin.Fetcher
	sink         MetricsSink
	activator    Activator
	preloadCache string

	// notify receives relayed SHOW_NOTIFICATION payloads. Optional.
	notify func(Notification)

	handlers map[string]handlerFunc
}

// New creates a Bridge. preloadCache names the cache that PRELOAD_RESOURCES
// populates. activator and the notification hook are optional.
func New(store cachestore.Store, fetch origin.Fetcher, sink MetricsSink, preloadCache string, activator Activator) *Bridge {
	b := &Bridge{
		store:        store,
		fetch:        fetch,
		sink:         sink,
		activator:    activator,
		preloadCache: preloadCache,
	}
	b.handlers = map[string]handlerFunc{
		TypeGetCacheMetrics:  b.getCacheMetrics,
		TypeClearCache:       b.clearCache,
		TypePreloadResources: b.preloadResources,
		TypeShowNotification: b.showNotification,
		TypeSkipWaiting:      b.skipWaiting,
	}
	return b
}

// OnNotification registers the hook receiving notifications, both relayed
// SHOW_NOTIFICATION payloads and agent-originated ones sent via Notify.
func (b *Bridge) OnNotification(fn func(Notification)) { b.notify = fn }

// Notify pushes an agent-originated notification through the same hook a
// SHOW_NOTIFICATION message would reach, e.g. when an application update
// is detected. Dropped silently when no hook is registered.
func (b *Bridge) Notify(ctx context.Context, n Notification) {
	if n.Title == "" {
		n.Title = "TaskHive"
	}
	logging.FromContext(ctx).Info("notification relayed", "title", n.Title, "kind", n.Kind)
	if b.notify != nil {
		b.notify(n)
	}
}

// Dispatch routes one message to its handler. Request/response types return
// exactly one Reply; fire-and-forget types return nil. Unknown types get an
// ERROR reply so the sender is never left waiting.
func (b *Bridge) Dispatch(ctx context.Context, msg Message) *Reply {
	handler, ok := b.handlers[msg.Type]
	if !ok {
		return &Reply{Type: TypeError, Error: "unknown message type: " + msg.Type}
	}
	return handler(ctx, msg.Data)
}

func (b *Bridge) getCacheMetrics(context.Context, json.RawMessage) *Reply {
	snap := b.sink.Snapshot()
	return &Reply{Type: TypeCacheMetrics, Metrics: &snap}
}

func (b *Bridge) clearCache(ctx context.Context, data json.RawMessage) *Reply {
	var payload struct {
		CacheName string `json:"cacheName"`
	}
	// Malformed payloads fall back to the zero value: clear everything.
	_ = json.Unmarshal(data, &payload)
	log := logging.FromContext(ctx)

	if payload.CacheName != "" {
		if _, err := b.store.DeleteCache(payload.CacheName); err != nil {
			return &Reply{Type: TypeError, Error: err.Error()}
		}
		log.Info("cache cleared", "cache", payload.CacheName)
		return &Reply{Type: TypeCacheCleared, CacheName: payload.CacheName}
	}

	names, err := b.store.ListCacheNames()
	if err != nil {
		return &Reply{Type: TypeError, Error: err.Error()}
	}
	for _, name := range names {
		if _, err := b.store.DeleteCache(name); err != nil {
			log.Warn("clear all: delete failed", "cache", name, "error", err.Error())
		}
	}
	log.Info("all caches cleared", "count", len(names))
	return &Reply{Type: TypeAllCachesCleared}
}

// preloadResources fetches each URL and stores successful responses. One
// failed URL never blocks the rest; the reply counts only the stored ones.
func (b *Bridge) preloadResources(ctx context.Context, data json.RawMessage) *Reply {
	var payload struct {
		URLs []string `json:"urls"`
	}
	_ = json.Unmarshal(data, &payload)
	log := logging.FromContext(ctx)

	cache, err := b.store.Open(b.preloadCache)
	if err != nil {
		return &Reply{Type: TypeError, Error: err.Error()}
	}
	count := 0
	for _, raw := range payload.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			log.Warn("preload: skipping invalid URL", "url", raw, "error", err.Error())
			continue
		}
		metrics.NetworkFetches.WithLabelValues("preload").Inc()
		resp, err := b.fetch.Do(ctx, req)
		if err != nil {
			log.Warn("preload: fetch failed", "url", raw, "error", err.Error())
			continue
		}
		stored, err := cachestore.FromHTTPResponse(resp)
		if err != nil || stored.Status != http.StatusOK {
			log.Warn("preload: unusable response", "url", raw)
			continue
		}
		if err := cache.Put(cachestore.Key(http.MethodGet, raw), stored); err != nil {
			log.Warn("preload: store failed", "url", raw, "error", err.Error())
			continue
		}
		count++
	}
	return &Reply{Type: TypeResourcesPreloaded, Count: &count}
}

// showNotification relays the payload to the registered hook. Fire-and-forget.
func (b *Bridge) showNotification(ctx context.Context, data json.RawMessage) *Reply {
	var n Notification
	_ = json.Unmarshal(data, &n)
	b.Notify(ctx, n)
	return nil
}

// skipWaiting forces activation. Fire-and-forget.
func (b *Bridge) skipWaiting(ctx context.Context, _ json.RawMessage) *Reply {
	if b.activator == nil {
		return nil
	}
	if err := b.activator.SkipWaiting(ctx); err != nil {
		logging.FromContext(ctx).Warn("skip waiting failed", "error", err.Error())
	}
	return nil
}

package cachegw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/taskhive/cachegw/internal/bridge"
	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/origin"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req *http.Request) (*http.Response, error)
}

var _ origin.Fetcher = (*fakeFetcher)(nil)

func (f *fakeFetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okJSON(body string) *http.Response {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	rec.WriteHeader(http.StatusOK)
	rec.WriteString(body)
	return rec.Result()
}

func testConfig() Config {
	return Config{
		App:    AppConfig{Name: "taskhive", Version: "3"},
		Origin: OriginConfig{BaseURL: "http://origin.internal"},
		Caches: []CacheRole{
			{Role: RoleAPI, MaxAgeSeconds: 3600},
			{Role: RoleStatic},
			{Role: RoleImages},
			{Role: RoleDynamic, MaxEntries: 50},
			{Role: RoleCritical},
			{Role: RoleMeta},
		},
	}
}

func newTestAgent(t *testing.T, fetch origin.Fetcher) (*Agent, cachestore.Store) {
	t.Helper()
	store := cachestore.NewMemoryStore()
	a, err := New(testConfig(), WithStore(store), WithFetcher(fetch))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, store
}

func TestAgentServesAPIFromNetwork(t *testing.T) {
	fetch := &fakeFetcher{fn: func(_ context.Context, req *http.Request) (*http.Response, error) {
		return okJSON(`[{"id":1,"title":"write report"}]`), nil
	}}
	a, store := newTestAgent(t, fetch)

	req := httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `[{"id":1,"title":"write report"}]` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	// The network-first strategy populates the API cache on success.
	apiCache, _ := store.Open("taskhive-api-v3")
	if n, _ := apiCache.Len(); n != 1 {
		t.Errorf("api cache has %d entries, want 1", n)
	}
}

func TestAgentServesOfflineFallback(t *testing.T) {
	online := true
	fetch := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		if !online {
			return nil, errors.New("dial tcp: connection refused")
		}
		return okJSON(`[{"id":1}]`), nil
	}}
	a, _ := newTestAgent(t, fetch)

	// Warm the cache while online.
	req := httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil)
	a.ServeHTTP(httptest.NewRecorder(), req)

	// Same request offline: cached body comes back.
	online = false
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `[{"id":1}]` {
		t.Fatalf("offline replay: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// An uncached API route offline degrades to the synthetic 503.
	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.local/api/projects", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != "Offline" {
		t.Errorf("body = %s, want error=Offline", rec.Body.String())
	}
}

func TestAgentDoesNotServeFromClearedCache(t *testing.T) {
	online := true
	fetch := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		if !online {
			return nil, errors.New("dial tcp: connection refused")
		}
		return okJSON(`[{"id":1}]`), nil
	}}
	a, store := newTestAgent(t, fetch)

	// Warm the API cache, then clear it out from under the agent.
	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil))
	if _, err := store.DeleteCache("taskhive-api-v3"); err != nil {
		t.Fatalf("delete cache: %v", err)
	}

	// Offline, the cleared entry must be gone: synthetic 503, not a replay.
	online = false
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 after cache clear", rec.Code)
	}
}

func TestAgentPassesThroughMutations(t *testing.T) {
	fetch := &fakeFetcher{fn: func(_ context.Context, req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost {
			t.Errorf("upstream saw method %s", req.Method)
		}
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusCreated)
		rec.WriteString(`{"id":2}`)
		return rec.Result(), nil
	}}
	a, store := newTestAgent(t, fetch)

	req := httptest.NewRequest(http.MethodPost, "http://app.local/api/tasks", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	// Mutations never touch any cache.
	names, _ := store.ListCacheNames()
	for _, name := range names {
		cache, _ := store.Open(name)
		if n, _ := cache.Len(); n != 0 {
			t.Errorf("cache %s has %d entries after a POST", name, n)
		}
	}
}

func TestAgentPassThroughUpstreamFailure(t *testing.T) {
	fetch := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: no route to host")
	}}
	a, _ := newTestAgent(t, fetch)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://app.local/api/tasks", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestAgentObservationalCounters(t *testing.T) {
	fetch := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		return okJSON(`<html></html>`), nil
	}}
	sink := bridge.NewCounterSink()
	a, err := New(testConfig(),
		WithStore(cachestore.NewMemoryStore()),
		WithFetcher(fetch),
		WithMetricsSink(sink),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First request misses the primary cache, second hits it. The miss
	// also counts as a network request; the hit does not.
	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://app.local/boards/7", nil))
	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://app.local/boards/7", nil))

	snap := sink.Snapshot()
	if snap.Misses != 1 || snap.Hits != 1 {
		t.Errorf("snapshot = %+v, want 1 hit / 1 miss", snap)
	}
	if snap.NetworkRequests != 1 {
		t.Errorf("network requests = %d, want 1", snap.NetworkRequests)
	}
}

func TestAgentEventHooks(t *testing.T) {
	fetch := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		return okJSON(`{}`), nil
	}}
	a, _ := newTestAgent(t, fetch)

	events := make(chan map[string]interface{}, 1)
	a.AddHook(func(_ context.Context, subject string, data map[string]interface{}) {
		if subject == SubjectRequestServed {
			events <- data
		}
	})

	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil))

	select {
	case data := <-events:
		if data["strategy"] != "network-first" || data["outcome"] != "network" {
			t.Errorf("event = %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not invoked")
	}
}

func TestAgentRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Origin.BaseURL = "not a url"
	_, err := New(cfg, WithStore(cachestore.NewMemoryStore()), WithFetcher(&fakeFetcher{}))
	if err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestNewBuildsDependenciesFromConfig(t *testing.T) {
	// No options at all: store, origin client and sink all come from the
	// Config, and the agent serves against a real upstream.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Origin.BaseURL = upstream.URL
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.local/api/tasks", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	// The default store is reachable for surrounding wiring.
	cache, err := a.Store().Open(cfg.CacheName(RoleAPI))
	if err != nil {
		t.Fatalf("open via Store(): %v", err)
	}
	if n, _ := cache.Len(); n != 1 {
		t.Errorf("api cache has %d entries, want 1", n)
	}
}

func TestCacheNameDerivation(t *testing.T) {
	cfg := testConfig()
	if got := cfg.CacheName(RoleAPI); got != "taskhive-api-v3" {
		t.Errorf("CacheName = %q, want taskhive-api-v3", got)
	}
	whitelist := cfg.CacheWhitelist()
	if len(whitelist) != 6 {
		t.Errorf("whitelist has %d names, want 6", len(whitelist))
	}
}

func TestCacheWhitelistCoversBuiltinRoles(t *testing.T) {
	// A minimal config that only tunes one role must still whitelist every
	// cache the agent holds open, or activation would delete them.
	cfg := testConfig()
	cfg.Caches = []CacheRole{{Role: RoleDynamic, MaxEntries: 10}}

	whitelist := make(map[string]bool)
	for _, name := range cfg.CacheWhitelist() {
		whitelist[name] = true
	}
	for _, role := range []string{RoleAPI, RoleStatic, RoleImages, RoleDynamic, RoleCritical, RoleMeta} {
		if !whitelist[cfg.CacheName(role)] {
			t.Errorf("whitelist is missing %s", cfg.CacheName(role))
		}
	}
	if len(whitelist) != 6 {
		t.Errorf("whitelist has %d names, want 6", len(whitelist))
	}
}

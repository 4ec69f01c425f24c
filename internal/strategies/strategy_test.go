package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/origin"
)

// fakeFetcher is a scriptable origin.Fetcher test double.
var _ origin.Fetcher = (*fakeFetcher)(nil)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req *http.Request) (*http.Response, error)

	// block, when non-nil, is received from before fn runs.
	block chan struct{}
}

func (f *fakeFetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.fn(ctx, req)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(body string) *http.Response {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString(body)
	return rec.Result()
}

func failingFetcher() *fakeFetcher {
	return &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}}
}

func servingFetcher(body string) *fakeFetcher {
	return &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		return okResponse(body), nil
	}}
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func openCache(t *testing.T, name string) cachestore.Cache {
	t.Helper()
	c, err := cachestore.NewMemoryStore().Open(name)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return c
}

// --- Network-First ---

func TestNetworkFirstServesAndStoresNetworkResponse(t *testing.T) {
	cache := openCache(t, "app-api-v1")
	fetch := servingFetcher(`{"tasks":[]}`)
	s := NewNetworkFirst(cache, fetch, 0)

	req := getRequest(t, "http://app.local/api/tasks")
	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeNetwork {
		t.Fatalf("outcome = %s, want network", res.Outcome)
	}
	if string(res.Response.Body) != `{"tasks":[]}` {
		t.Errorf("body = %q", res.Response.Body)
	}

	// The response must now be cached under the request key.
	cached, ok, err := cache.Match(cachestore.RequestKey(req))
	if err != nil || !ok {
		t.Fatalf("expected cached entry: ok=%v err=%v", ok, err)
	}
	if string(cached.Body) != `{"tasks":[]}` {
		t.Errorf("cached body = %q", cached.Body)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	cache := openCache(t, "app-api-v1")
	req := getRequest(t, "http://app.local/api/tasks")
	key := cachestore.RequestKey(req)
	_ = cache.Put(key, cachestore.NewStoredResponse(200, http.Header{}, []byte(`{"tasks":["cached"]}`)))

	s := NewNetworkFirst(cache, failingFetcher(), 0)
	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache", res.Outcome)
	}
	if string(res.Response.Body) != `{"tasks":["cached"]}` {
		t.Errorf("body = %q", res.Response.Body)
	}
}

func TestNetworkFirstOfflineNoCacheReturns503(t *testing.T) {
	cache := openCache(t, "app-api-v1")
	s := NewNetworkFirst(cache, failingFetcher(), 0)

	res := s.Resolve(context.Background(), getRequest(t, "http://app.local/api/tasks"))
	if res.Outcome != OutcomeSynthetic {
		t.Fatalf("outcome = %s, want synthetic", res.Outcome)
	}
	if res.Response.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", res.Response.Status)
	}
	var body map[string]string
	if err := json.Unmarshal(res.Response.Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["error"] != "Offline" {
		t.Errorf(`body["error"] = %q, want Offline`, body["error"])
	}
	if ct := res.Response.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestNetworkFirstTimeout(t *testing.T) {
	cache := openCache(t, "app-api-v1")
	slow := &fakeFetcher{fn: func(ctx context.Context, _ *http.Request) (*http.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	req := getRequest(t, "http://app.local/api/tasks")
	_ = cache.Put(cachestore.RequestKey(req), cachestore.NewStoredResponse(200, http.Header{}, []byte("stale")))

	s := NewNetworkFirst(cache, slow, 10*time.Millisecond)
	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache after timeout", res.Outcome)
	}
}

func TestNetworkFirstDoesNotCacheNon200(t *testing.T) {
	cache := openCache(t, "app-api-v1")
	fetch := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusNotFound)
		return rec.Result(), nil
	}}
	req := getRequest(t, "http://app.local/api/missing")

	s := NewNetworkFirst(cache, fetch, 0)
	res := s.Resolve(context.Background(), req)
	if res.Response.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passed through", res.Response.Status)
	}
	if _, ok, _ := cache.Match(cachestore.RequestKey(req)); ok {
		t.Error("non-200 response was cached")
	}
}

// --- Cache-First ---

func TestCacheFirstServesFreshHitWithoutNetwork(t *testing.T) {
	cache := openCache(t, "app-static-v1")
	req := getRequest(t, "http://app.local/app.css")
	h := http.Header{"Date": {time.Now().UTC().Format(http.TimeFormat)}}
	_ = cache.Put(cachestore.RequestKey(req), cachestore.NewStoredResponse(200, h, []byte("body{}")))

	fetch := servingFetcher("fresh")
	s := NewCacheFirst(cache, fetch, 0, nil)
	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache", res.Outcome)
	}
	if res.Revalidating != nil {
		t.Error("fresh hit should not trigger revalidation")
	}
	if fetch.callCount() != 0 {
		t.Errorf("fetch called %d times, want 0", fetch.callCount())
	}
}

func TestCacheFirstStaleHitRefreshesInBackground(t *testing.T) {
	// Entry captured 25h ago, threshold 24h: the cached image must be
	// returned immediately while exactly one refresh happens behind it.
	now := time.Now().UTC()
	cache := openCache(t, "app-images-v1")
	req := getRequest(t, "http://app.local/icons/icon-192.png")
	key := cachestore.RequestKey(req)
	h := http.Header{"Date": {now.Add(-25 * time.Hour).Format(http.TimeFormat)}}
	_ = cache.Put(key, cachestore.NewStoredResponse(200, h, []byte("old-png")))

	fetch := servingFetcher("new-png")
	s := NewCacheFirst(cache, fetch, 24*time.Hour, nil).WithNowFunc(func() time.Time { return now })

	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache", res.Outcome)
	}
	if string(res.Response.Body) != "old-png" {
		t.Errorf("body = %q, want the stale cached image", res.Response.Body)
	}
	if res.Revalidating == nil {
		t.Fatal("stale hit did not start a background refresh")
	}
	<-res.Revalidating

	if fetch.callCount() != 1 {
		t.Errorf("fetch called %d times, want exactly 1", fetch.callCount())
	}
	refreshed, ok, _ := cache.Match(key)
	if !ok || string(refreshed.Body) != "new-png" {
		t.Errorf("cache not refreshed: ok=%v body=%q", ok, refreshed.Body)
	}
}

func TestCacheFirstMissFetchesAndStores(t *testing.T) {
	cache := openCache(t, "app-static-v1")
	s := NewCacheFirst(cache, servingFetcher("asset"), 0, nil)
	req := getRequest(t, "http://app.local/app.js")

	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeNetwork {
		t.Fatalf("outcome = %s, want network", res.Outcome)
	}
	if _, ok, _ := cache.Match(cachestore.RequestKey(req)); !ok {
		t.Error("fetched asset was not stored")
	}
}

func TestCacheFirstImagePlaceholderFallback(t *testing.T) {
	cache := openCache(t, "app-images-v1")
	placeholderKey := cachestore.Key("GET", "http://app.local/icons/placeholder.png")
	_ = cache.Put(placeholderKey, cachestore.NewStoredResponse(200, http.Header{"Content-Type": {"image/png"}}, []byte("placeholder")))

	s := NewCacheFirst(cache, failingFetcher(), 0, nil).WithPlaceholder(placeholderKey)
	res := s.Resolve(context.Background(), getRequest(t, "http://app.local/photos/avatar.png"))
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache (placeholder)", res.Outcome)
	}
	if string(res.Response.Body) != "placeholder" {
		t.Errorf("body = %q, want placeholder", res.Response.Body)
	}
}

func TestCacheFirstNoPlaceholderReturns404(t *testing.T) {
	cache := openCache(t, "app-images-v1")
	s := NewCacheFirst(cache, failingFetcher(), 0, nil)

	res := s.Resolve(context.Background(), getRequest(t, "http://app.local/photos/avatar.png"))
	if res.Outcome != OutcomeSynthetic {
		t.Fatalf("outcome = %s, want synthetic", res.Outcome)
	}
	if res.Response.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Response.Status)
	}
	if len(res.Response.Body) != 0 {
		t.Errorf("synthetic 404 body should be empty, got %q", res.Response.Body)
	}
}

// --- Stale-While-Revalidate ---

func TestStaleWhileRevalidateDoesNotAwaitNetwork(t *testing.T) {
	cache := openCache(t, "app-dynamic-v1")
	req := getRequest(t, "http://app.local/boards/1")
	key := cachestore.RequestKey(req)
	_ = cache.Put(key, cachestore.NewStoredResponse(200, http.Header{}, []byte("cached-page")))

	release := make(chan struct{})
	fetch := &fakeFetcher{
		block: release,
		fn:    func(context.Context, *http.Request) (*http.Response, error) { return okResponse("revalidated"), nil },
	}
	s := NewStaleWhileRevalidate(cache, fetch, 0, nil)

	// Resolve must return while the network fetch is still blocked.
	done := make(chan Result, 1)
	go func() { done <- s.Resolve(context.Background(), req) }()
	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked on the background fetch")
	}
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache", res.Outcome)
	}
	if string(res.Response.Body) != "cached-page" {
		t.Errorf("body = %q", res.Response.Body)
	}

	close(release)
	if res.Revalidating == nil {
		t.Fatal("no revalidation channel")
	}
	<-res.Revalidating
	refreshed, ok, _ := cache.Match(key)
	if !ok || string(refreshed.Body) != "revalidated" {
		t.Errorf("cache not revalidated: ok=%v body=%q", ok, refreshed.Body)
	}
}

func TestStaleWhileRevalidateMissAwaitsNetwork(t *testing.T) {
	cache := openCache(t, "app-dynamic-v1")
	s := NewStaleWhileRevalidate(cache, servingFetcher("page"), 0, nil)

	res := s.Resolve(context.Background(), getRequest(t, "http://app.local/boards/2"))
	if res.Outcome != OutcomeNetwork {
		t.Fatalf("outcome = %s, want network", res.Outcome)
	}
	if string(res.Response.Body) != "page" {
		t.Errorf("body = %q", res.Response.Body)
	}
}

func TestStaleWhileRevalidateMissAndFailureReturns404(t *testing.T) {
	cache := openCache(t, "app-dynamic-v1")
	s := NewStaleWhileRevalidate(cache, failingFetcher(), 0, nil)

	res := s.Resolve(context.Background(), getRequest(t, "http://app.local/boards/3"))
	if res.Outcome != OutcomeSynthetic {
		t.Fatalf("outcome = %s, want synthetic", res.Outcome)
	}
	if res.Response.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Response.Status)
	}
}

func TestStaleWhileRevalidateEvictsOldestAtCapacity(t *testing.T) {
	const maxEntries = 3
	cache := openCache(t, "app-dynamic-v1")
	s := NewStaleWhileRevalidate(cache, servingFetcher("x"), maxEntries, nil)

	var reqs []*http.Request
	for i := 0; i < maxEntries+2; i++ {
		req := getRequest(t, fmt.Sprintf("http://app.local/boards/%d", i))
		reqs = append(reqs, req)
		_ = s.Resolve(context.Background(), req)
	}

	n, _ := cache.Len()
	if n > maxEntries {
		t.Fatalf("cache has %d entries, want <= %d", n, maxEntries)
	}
	// FIFO: the earliest-inserted entries are gone, the latest survive.
	if _, ok, _ := cache.Match(cachestore.RequestKey(reqs[0])); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok, _ := cache.Match(cachestore.RequestKey(reqs[len(reqs)-1])); !ok {
		t.Error("newest entry missing")
	}
}

func TestStaleWhileRevalidateFailedFetchEvictsNothing(t *testing.T) {
	const maxEntries = 3
	cache := openCache(t, "app-dynamic-v1")
	for i := 0; i < maxEntries; i++ {
		key := cachestore.Key("GET", fmt.Sprintf("http://app.local/boards/%d", i))
		_ = cache.Put(key, cachestore.NewStoredResponse(200, http.Header{}, []byte("kept")))
	}

	// A miss on a new key at capacity that cannot be fetched must leave
	// the cache exactly as it was.
	s := NewStaleWhileRevalidate(cache, failingFetcher(), maxEntries, nil)
	res := s.Resolve(context.Background(), getRequest(t, "http://app.local/boards/new"))
	if res.Outcome != OutcomeSynthetic {
		t.Fatalf("outcome = %s, want synthetic", res.Outcome)
	}
	if n, _ := cache.Len(); n != maxEntries {
		t.Errorf("cache has %d entries after failed fetch, want %d", n, maxEntries)
	}

	// Same for a fetch that answers but not with a storable 200.
	notFound := &fakeFetcher{fn: func(context.Context, *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusNotFound)
		return rec.Result(), nil
	}}
	s = NewStaleWhileRevalidate(cache, notFound, maxEntries, nil)
	_ = s.Resolve(context.Background(), getRequest(t, "http://app.local/boards/gone"))
	if n, _ := cache.Len(); n != maxEntries {
		t.Errorf("cache has %d entries after non-200 fetch, want %d", n, maxEntries)
	}
}

// --- Network-Only ---

func TestNetworkOnlyPrefersNetwork(t *testing.T) {
	cache := openCache(t, "app-meta-v1")
	req := getRequest(t, "http://app.local/version.json")
	_ = cache.Put(cachestore.RequestKey(req), cachestore.NewStoredResponse(200, http.Header{}, []byte(`{"version":"1.0.0"}`)))

	s := NewNetworkOnly(cache, servingFetcher(`{"version":"1.1.0"}`))
	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeNetwork {
		t.Fatalf("outcome = %s, want network", res.Outcome)
	}
	if !strings.Contains(string(res.Response.Body), "1.1.0") {
		t.Errorf("body = %q", res.Response.Body)
	}
}

func TestNetworkOnlyFallsBackToCacheThenEmptyObject(t *testing.T) {
	cache := openCache(t, "app-meta-v1")
	req := getRequest(t, "http://app.local/version.json")

	s := NewNetworkOnly(cache, failingFetcher())
	res := s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeSynthetic {
		t.Fatalf("outcome = %s, want synthetic", res.Outcome)
	}
	if string(res.Response.Body) != "{}" {
		t.Errorf("body = %q, want {}", res.Response.Body)
	}
	if res.Response.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", res.Response.Status)
	}

	// With a cached probe answer, failure serves the stale version instead.
	_ = cache.Put(cachestore.RequestKey(req), cachestore.NewStoredResponse(200, http.Header{}, []byte(`{"version":"1.0.0"}`)))
	res = s.Resolve(context.Background(), req)
	if res.Outcome != OutcomeCache {
		t.Fatalf("outcome = %s, want cache", res.Outcome)
	}
}

// --- End-to-end: an API response cached while online is replayed offline ---

func TestNetworkFirstOfflineReplaysLastGoodAPIResponse(t *testing.T) {
	cache := openCache(t, "app-api-v1")
	req := getRequest(t, "http://app.local/api/tasks")

	online := servingFetcher(`{"tasks":[]}`)
	s := NewNetworkFirst(cache, online, 0)
	first := s.Resolve(context.Background(), req)
	if first.Outcome != OutcomeNetwork || string(first.Response.Body) != `{"tasks":[]}` {
		t.Fatalf("first request: outcome=%s body=%q", first.Outcome, first.Response.Body)
	}

	offline := NewNetworkFirst(cache, failingFetcher(), 0)
	second := offline.Resolve(context.Background(), req)
	if second.Outcome != OutcomeCache {
		t.Fatalf("second request: outcome = %s, want cache", second.Outcome)
	}
	if string(second.Response.Body) != `{"tasks":[]}` {
		t.Errorf("second request body = %q, want the cached API response", second.Response.Body)
	}
}

// Package cachestore implements the named cache store: a set of disjoint,
// named, persistent key→response mappings addressable by request.
//
// Each named cache maps a cache key (derived from method + URL) to exactly
// one stored response; Put is last-write-wins. Key enumeration follows
// insertion order, and overwriting an existing key keeps its original
// insertion slot so eviction sweeps see a stable FIFO age.
//
// Two implementations are provided: LevelDB (persistent, the production
// backend) and Memory (ephemeral, used in tests and --ephemeral runs).
package cachestore

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("cachestore: store is closed")

// StoredResponse is the value held under a cache key: status, headers and
// body of the captured upstream response. The Date header, when present,
// is the capture timestamp used for expiry math; entries without one
// cannot be judged expired and are treated as non-expiring.
type StoredResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// NewStoredResponse builds a StoredResponse, cloning the header map.
func NewStoredResponse(status int, header http.Header, body []byte) *StoredResponse {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &StoredResponse{Status: status, Header: h, Body: body}
}

// FromHTTPResponse drains resp.Body and captures it as a StoredResponse.
// The caller must not reuse resp.Body afterwards.
func FromHTTPResponse(resp *http.Response) (*StoredResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	_ = resp.Body.Close()
	return NewStoredResponse(resp.StatusCode, resp.Header, body), nil
}

// CapturedAt parses the stored Date header. ok is false when the header is
// missing or malformed, in which case the entry has no known age.
func (s *StoredResponse) CapturedAt() (time.Time, bool) {
	v := s.Header.Get("Date")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Age returns the entry's age relative to now. ok is false when the entry
// has no capture timestamp.
func (s *StoredResponse) Age(now time.Time) (time.Duration, bool) {
	captured, ok := s.CapturedAt()
	if !ok {
		return 0, false
	}
	age := now.Sub(captured)
	if age < 0 {
		age = 0
	}
	return age, true
}

// Clone returns a deep copy safe for concurrent mutation by the caller.
func (s *StoredResponse) Clone() *StoredResponse {
	body := make([]byte, len(s.Body))
	copy(body, s.Body)
	return &StoredResponse{Status: s.Status, Header: s.Header.Clone(), Body: body}
}

// Write writes the stored response to an http.ResponseWriter.
func (s *StoredResponse) Write(w http.ResponseWriter) error {
	for k, vs := range s.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(s.Status)
	_, err := w.Write(s.Body)
	return err
}

// Key derives the cache key for a request: MD5(lowercase(method), URL).
// The URL is taken as-is apart from lowercasing the scheme and host, so two
// requests for the same resource produce the same key regardless of method
// casing.
func Key(method, url string) string {
	hasher := md5.New()
	_, _ = io.WriteString(hasher, strings.ToLower(method))
	_, _ = io.WriteString(hasher, canonicalURL(url))
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// RequestKey derives the cache key for an *http.Request.
func RequestKey(r *http.Request) string {
	return Key(r.Method, r.URL.String())
}

func canonicalURL(url string) string {
	// Lowercase up to the path; path and query are case-sensitive.
	if i := strings.Index(url, "://"); i >= 0 {
		rest := url[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return strings.ToLower(url[:i+3]+rest[:j]) + rest[j:]
		}
		return strings.ToLower(url)
	}
	return url
}

// Cache is a handle on one named cache.
type Cache interface {
	// Name returns the cache's name.
	Name() string
	// Match returns the stored response for key, or false if absent.
	Match(key string) (*StoredResponse, bool, error)
	// Put stores resp under key, overwriting any existing entry.
	// Overwrites keep the key's original insertion position.
	Put(key string, resp *StoredResponse) error
	// Delete removes the entry for key, reporting whether it existed.
	Delete(key string) (bool, error)
	// Keys returns all keys in insertion order.
	Keys() ([]string, error)
	// Len returns the current entry count.
	Len() (int, error)
}

// Store manages a set of named caches.
type Store interface {
	// Open returns a handle on the named cache, creating it if needed.
	Open(name string) (Cache, error)
	// DeleteCache removes a named cache and all its entries, reporting
	// whether it existed.
	DeleteCache(name string) (bool, error)
	// ListCacheNames returns the names of all existing caches.
	ListCacheNames() ([]string, error)
	// Close releases underlying resources.
	Close() error
}

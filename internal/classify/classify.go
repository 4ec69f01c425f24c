// Package classify maps an incoming request to exactly one fetch strategy.
// Classification is a pure function of URL path, declared destination and
// method: repeated classification of the same request always yields the
// same strategy.
package classify

import (
	"net/http"
	"path"
	"strings"
)

// Kind identifies one of the four fetch strategies, or pass-through for
// requests the agent does not intercept.
type Kind string

const (
	// KindNetworkFirst — API and backend-service requests.
	KindNetworkFirst Kind = "network-first"
	// KindCacheFirst — static assets (images, fonts, scripts, styles, icons).
	KindCacheFirst Kind = "cache-first"
	// KindNetworkOnly — the version probe.
	KindNetworkOnly Kind = "network-only"
	// KindStaleWhileRevalidate — everything else that is intercepted.
	KindStaleWhileRevalidate Kind = "stale-while-revalidate"
	// KindPassThrough — not classified; default network handling applies.
	KindPassThrough Kind = "pass-through"
)

// Rules holds the URL patterns driving classification. Static, defined at
// boot from config, never mutated at runtime.
type Rules struct {
	// APIPrefixes route to network-first when they prefix the path.
	APIPrefixes []string
	// BackendHosts route to network-first when the host (or full URL)
	// contains one of these fragments.
	BackendHosts []string
	// VersionProbePath routes to network-only on exact match.
	VersionProbePath string
	// AppHost is the application's own host; cross-origin requests to
	// other hosts that match no backend fragment are not intercepted.
	// Empty means all hosts are treated as same-origin.
	AppHost string
}

// DefaultRules matches the application's deployed layout.
func DefaultRules() Rules {
	return Rules{
		APIPrefixes:      []string{"/api/"},
		BackendHosts:     []string{"supabase.co"},
		VersionProbePath: "/version.json",
	}
}

// staticExtensions are path suffixes handled cache-first even without a
// declared destination.
var staticExtensions = []string{
	".css", ".js", ".mjs",
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
}

// imageExtensions is the subset of staticExtensions that identifies image
// requests for placeholder fallback purposes.
var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico"}

// Classify returns the strategy for req. Decision order (first match wins):
//
//  1. API prefix or backend host fragment  → network-first
//  2. image/font destination or static path → cache-first
//  3. version probe path                     → network-only
//  4. anything else intercepted              → stale-while-revalidate
//
// Non-GET requests and cross-origin requests matching no backend fragment
// are not classified and pass through unintercepted.
func (r Rules) Classify(req *http.Request) Kind {
	if req.Method != http.MethodGet {
		return KindPassThrough
	}

	backend := r.matchesBackendHost(req)
	if r.AppHost != "" && req.Host != "" && !strings.EqualFold(req.Host, r.AppHost) && !backend {
		return KindPassThrough
	}

	if backend {
		return KindNetworkFirst
	}
	for _, prefix := range r.APIPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return KindNetworkFirst
		}
	}

	switch Destination(req) {
	case "image", "font", "script", "style":
		return KindCacheFirst
	}
	if hasSuffixAny(req.URL.Path, staticExtensions) {
		return KindCacheFirst
	}

	if req.URL.Path == r.VersionProbePath {
		return KindNetworkOnly
	}

	return KindStaleWhileRevalidate
}

func (r Rules) matchesBackendHost(req *http.Request) bool {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	for _, fragment := range r.BackendHosts {
		if fragment != "" && strings.Contains(host, fragment) {
			return true
		}
	}
	return false
}

// Destination returns the request's declared resource destination
// (document, image, font, script, style, ...) from the Sec-Fetch-Dest
// header, or "" when undeclared.
func Destination(req *http.Request) string {
	return strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))
}

// IsImage reports whether req asks for an image, either by declared
// destination or by path extension.
func IsImage(req *http.Request) bool {
	if Destination(req) == "image" {
		return true
	}
	return hasSuffixAny(req.URL.Path, imageExtensions)
}

func hasSuffixAny(p string, suffixes []string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, s := range suffixes {
		if ext == s {
			return true
		}
	}
	return false
}

// Package origin performs the agent's upstream fetches. It wraps an
// http.Client with origin URL rewriting and an optional circuit breaker so
// that a dead origin fails fast instead of holding every request for a full
// dial timeout.
package origin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/taskhive/cachegw/internal/circuitbreaker"
)

// Fetcher issues one upstream request. Implementations must honour ctx
// cancellation and must not consume the response body.
type Fetcher interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Do implements Fetcher.
func (f FetcherFunc) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Client is the production Fetcher: it rewrites intercepted requests onto
// the configured origin and executes them.
type Client struct {
	base    *url.URL
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker guards the client with a circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a Client forwarding to baseURL (scheme + host; path is
// taken from each request).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing origin URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin URL %q must include scheme and host", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Do rewrites req onto the origin and executes it. When the breaker is open
// the fetch is rejected immediately with circuitbreaker.ErrCircuitOpen.
// Non-5xx responses count as breaker successes; transport errors and 5xx
// responses count as failures.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, circuitbreaker.ErrCircuitOpen
	}

	out := req.Clone(ctx)
	out.URL.Scheme = c.base.Scheme
	out.URL.Host = c.base.Host
	out.Host = c.base.Host
	out.RequestURI = "" // client requests must not set RequestURI
	if out.Header.Get("X-Forwarded-Host") == "" && req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}

	resp, err := c.http.Do(out)
	if c.breaker != nil {
		switch {
		case err != nil:
			c.breaker.RecordFailure()
		case resp.StatusCode >= http.StatusInternalServerError:
			c.breaker.RecordFailure()
		default:
			c.breaker.RecordSuccess()
		}
	}
	return resp, err
}

// BreakerState reports the breaker state, or StateClosed when no breaker is
// configured.
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

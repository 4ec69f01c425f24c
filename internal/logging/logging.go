// Package logging is the agent's structured logging layer on log/slog.
//
// Every intercepted request gets a trace ID (taken from the client's
// X-Request-ID or minted here) and a request-scoped logger carrying it;
// both travel in the request context. Code below the router logs through
// FromContext so serving decisions, background revalidations and sweep
// warnings all correlate on the same trace_id field.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// context keys are unexported types so other packages cannot collide.
type ctxKey int

const (
	traceKey ctxKey = iota
	loggerKey
)

// Logger is the process-wide logger. Request-path code should prefer
// FromContext, which carries the trace ID.
var Logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))

func init() {
	Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Setup (re-)initialises the process logger and installs it as the slog
// default. level accepts whatever slog.Level parses (debug, info, warn,
// error, case-insensitive, with offsets like warn+2); anything else,
// including empty, means info. format selects "text" or JSON output.
func Setup(level, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit output, mainly for tests that
// want to capture log lines.
func SetupWriter(w io.Writer, level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

// NewTraceID mints a 32-char random hex ID.
func NewTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithTraceID returns ctx carrying the trace ID and a logger annotated
// with it.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	ctx = context.WithValue(ctx, traceKey, traceID)
	return context.WithValue(ctx, loggerKey, Logger.With("trace_id", traceID))
}

// TraceIDFromContext returns the trace ID in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// FromContext returns the request-scoped logger from ctx, falling back
// to the process logger when the request never passed the middleware.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return Logger
}

// Middleware assigns each request its trace ID: the inbound X-Request-ID
// when the client sent one, a fresh ID otherwise. The ID is echoed back
// in the response header and seeded into the context together with the
// request-scoped logger.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = NewTraceID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), id)))
	})
}

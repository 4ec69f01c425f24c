package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cachegw "github.com/taskhive/cachegw"
	"github.com/taskhive/cachegw/internal/accesslog"
	"github.com/taskhive/cachegw/internal/bridge"
	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/circuitbreaker"
	"github.com/taskhive/cachegw/internal/lifecycle"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/maintenance"
	"github.com/taskhive/cachegw/internal/metrics"
	"github.com/taskhive/cachegw/internal/origin"
	"github.com/taskhive/cachegw/internal/version"
)

// updateCheckInterval is how often the agent polls the version probe.
const updateCheckInterval = 5 * time.Minute

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfgPath := os.Getenv("CACHEGW_CONFIG")
	if cfgPath == "" {
		log.Fatal("CACHEGW_CONFIG must point to a config file (JSON/YAML)")
	}
	cfg, err := cachegw.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cachegw.ValidateConfig(*cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	log.Printf("Config loaded: app=%s version=%s origin=%s", cfg.App.Name, cfg.App.Version, cfg.Origin.BaseURL)

	store, err := openStore(*cfg)
	if err != nil {
		log.Fatalf("Failed to open cache store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}()

	breaker := circuitbreaker.New(
		cfg.Network.Breaker.FailureThreshold,
		cfg.Network.Breaker.SuccessThreshold,
		time.Duration(cfg.Network.Breaker.OpenSeconds)*time.Second,
	)
	client, err := origin.NewClient(cfg.Origin.BaseURL, origin.WithBreaker(breaker))
	if err != nil {
		log.Fatalf("Failed to create origin client: %v", err)
	}

	sink := bridge.NewCounterSink()
	agent, err := cachegw.New(*cfg,
		cachegw.WithStore(store),
		cachegw.WithFetcher(client),
		cachegw.WithMetricsSink(sink),
	)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	// Optional access log, fed through the agent's event hooks.
	logWriter, closeLog, err := openAccessLog(*cfg)
	if err != nil {
		log.Fatalf("Failed to open access log: %v", err)
	}
	defer closeLog()
	if logWriter != nil {
		agent.AddHook(accessLogHook(logWriter))
	}

	sweeper := maintenance.NewSweeper(store, sweepPolicies(*cfg))
	manager := lifecycle.NewManager(lifecycle.Config{
		Whitelist:          cfg.CacheWhitelist(),
		CriticalCacheName:  cfg.CacheName(cachegw.RoleCritical),
		StaticCacheName:    cfg.CacheName(cachegw.RoleStatic),
		CriticalResources:  cfg.Precache.Critical,
		SecondaryResources: cfg.Precache.Secondary,
		MetaCacheName:      cfg.CacheName(cachegw.RoleMeta),
		VersionProbePath:   probePath(*cfg),
		ImagesCacheName:    cfg.CacheName(cachegw.RoleImages),
		PlaceholderImage:   cfg.Routing.PlaceholderImagePath,
	}, store, client, sweeper)

	br := bridge.New(store, client, sink, cfg.CacheName(cachegw.RoleDynamic), manager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Detected updates are broadcast to the application as notifications.
	manager.OnUpdateAvailable(updateNotifier(ctx, br))

	// Install and activate before accepting traffic. Pre-cache is
	// best-effort; a cold origin only costs warm caches.
	if err := manager.Install(ctx); err != nil {
		log.Fatalf("Install failed: %v", err)
	}
	if err := manager.Activate(ctx); err != nil {
		log.Fatalf("Activate failed: %v", err)
	}

	go sweeper.Run(ctx, time.Duration(cfg.Maintenance.SweepIntervalSeconds)*time.Second)
	go updateCheckLoop(ctx, manager)
	go breakerGaugeLoop(ctx, client)

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r := newRouter(agent, br, corsOrigins)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("cachegw %s listening on %s (origin %s)", version.Short(), addr, cfg.Origin.BaseURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}

// newRouter builds the HTTP router: operational endpoints, the application
// message bridge, and the catch-all caching agent.
func newRouter(agent *cachegw.Agent, br *bridge.Bridge, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/_bridge", br.Routes())

	// Everything else is application traffic. Must be registered LAST so
	// the operational routes take precedence.
	r.Handle("/*", agent)

	return r
}

func openStore(cfg cachegw.Config) (cachestore.Store, error) {
	if cfg.Storage.Driver == cachegw.StorageLevelDB {
		return cachestore.OpenLevelDB(cfg.Storage.Path)
	}
	return cachestore.NewMemoryStore(), nil
}

func openAccessLog(cfg cachegw.Config) (accesslog.Writer, func(), error) {
	switch cfg.AccessLog.Driver {
	case cachegw.AccessLogSQLite:
		w, err := accesslog.NewSQLiteWriter(cfg.AccessLog.DSN)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	case cachegw.AccessLogPostgres:
		w, err := accesslog.NewPostgresWriter(cfg.AccessLog.DSN)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// accessLogHook persists served-request events. Write failures are logged
// and dropped; the log is advisory.
func accessLogHook(w accesslog.Writer) cachegw.EventHookFunc {
	return func(ctx context.Context, _ string, data map[string]interface{}) {
		entry := accesslog.Entry{
			TraceID:  str(data["trace_id"]),
			Method:   str(data["method"]),
			URL:      str(data["url"]),
			Strategy: str(data["strategy"]),
			Outcome:  str(data["outcome"]),
		}
		if status, ok := data["status"].(int); ok {
			entry.Status = status
		}
		if latency, ok := data["latency_ms"].(int64); ok {
			entry.LatencyMS = latency
		}
		if err := w.Write(ctx, entry); err != nil {
			logging.FromContext(ctx).Warn("access log write failed", "error", err.Error())
		}
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func sweepPolicies(cfg cachegw.Config) []maintenance.RolePolicy {
	policies := make([]maintenance.RolePolicy, 0, len(cfg.Caches))
	for _, role := range cfg.Caches {
		policies = append(policies, maintenance.RolePolicy{
			CacheName:  cfg.CacheName(role.Role),
			MaxAge:     time.Duration(role.MaxAgeSeconds) * time.Second,
			MaxEntries: role.MaxEntries,
		})
	}
	return policies
}

func probePath(cfg cachegw.Config) string {
	if cfg.Routing.VersionProbePath != "" {
		return cfg.Routing.VersionProbePath
	}
	return "/version.json"
}

// updateNotifier builds the update hook: a version change becomes a bridge
// notification telling the application to reload.
func updateNotifier(ctx context.Context, br *bridge.Bridge) func(oldVersion, newVersion string) {
	return func(oldVersion, newVersion string) {
		br.Notify(ctx, bridge.Notification{
			Title: "Update available",
			Body:  fmt.Sprintf("Version %s is ready (you are on %s). Reload to update.", newVersion, oldVersion),
			Kind:  "update",
		})
	}
}

// updateCheckLoop polls the version probe; detected changes fire the
// manager's update hooks.
func updateCheckLoop(ctx context.Context, m *lifecycle.Manager) {
	ticker := time.NewTicker(updateCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckForUpdate(ctx)
		}
	}
}

// breakerGaugeLoop mirrors the origin breaker state into the metrics gauge.
func breakerGaugeLoop(ctx context.Context, client *origin.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.OriginBreakerState.Set(float64(client.BreakerState()))
		}
	}
}

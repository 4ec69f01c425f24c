package cachegw

import "fmt"

// Config holds the configuration for the caching agent.
type Config struct {
	// App identifies the fronted application; cache names derive from it.
	App AppConfig `json:"app" yaml:"app"`
	// Origin is the upstream the agent fetches from.
	Origin OriginConfig `json:"origin" yaml:"origin"`
	// Storage selects the named cache store backend.
	Storage StorageConfig `json:"storage" yaml:"storage"`
	// Caches configures each cache role's limits.
	Caches []CacheRole `json:"caches" yaml:"caches"`
	// Routing configures request classification.
	Routing RoutingConfig `json:"routing,omitempty" yaml:"routing,omitempty"`
	// Precache lists the resources fetched at install time.
	Precache PrecacheConfig `json:"precache,omitempty" yaml:"precache,omitempty"`
	// Network tunes timeouts, the origin breaker and revalidation limits.
	Network NetworkConfig `json:"network,omitempty" yaml:"network,omitempty"`
	// Maintenance tunes the recurring sweeps.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	// AccessLog persists per-request serving decisions (optional).
	AccessLog AccessLogConfig `json:"access_log,omitempty" yaml:"access_log,omitempty"`
}

// AppConfig names and versions the fronted application.
type AppConfig struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// OriginConfig points at the upstream server.
type OriginConfig struct {
	// BaseURL is the absolute upstream root, e.g. "https://app.internal".
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// StorageDriver selects a cache store backend.
type StorageDriver string

// Supported storage drivers.
const (
	StorageMemory  StorageDriver = "memory"
	StorageLevelDB StorageDriver = "leveldb"
)

// StorageConfig selects and locates the cache store backend.
type StorageConfig struct {
	Driver StorageDriver `json:"driver" yaml:"driver"`
	// Path is the LevelDB directory; ignored by the memory driver.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// CacheRole is one cache's identity and limits. The full cache name is
// derived as {app}-{role}-v{version}.
type CacheRole struct {
	Role string `json:"role" yaml:"role"`
	// MaxEntries bounds the cache size; zero means unbounded.
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	// MaxAgeSeconds expires entries by capture age; zero means never.
	MaxAgeSeconds int `json:"max_age_seconds,omitempty" yaml:"max_age_seconds,omitempty"`
}

// Cache role names the agent recognizes.
const (
	RoleAPI      = "api"
	RoleStatic   = "static"
	RoleImages   = "images"
	RoleDynamic  = "dynamic"
	RoleCritical = "critical"
	RoleMeta     = "meta"
)

// builtinRoles are the roles the agent and lifecycle manager open on their
// own, with or without a Caches entry tuning them.
var builtinRoles = []string{RoleAPI, RoleStatic, RoleImages, RoleDynamic, RoleCritical, RoleMeta}

// RoutingConfig tunes request classification.
type RoutingConfig struct {
	// APIPrefixes are URL path prefixes routed network-first.
	APIPrefixes []string `json:"api_prefixes,omitempty" yaml:"api_prefixes,omitempty"`
	// BackendHosts are cross-origin hosts treated as API backends.
	BackendHosts []string `json:"backend_hosts,omitempty" yaml:"backend_hosts,omitempty"`
	// VersionProbePath is routed network-only and polled for updates.
	VersionProbePath string `json:"version_probe_path,omitempty" yaml:"version_probe_path,omitempty"`
	// AppHost is the application's own host; requests to other hosts are
	// not intercepted unless the host is a backend host.
	AppHost string `json:"app_host,omitempty" yaml:"app_host,omitempty"`
	// PlaceholderImagePath is served when an image can be neither fetched
	// nor found in cache. It is pre-cached into the images cache at
	// install time.
	PlaceholderImagePath string `json:"placeholder_image_path,omitempty" yaml:"placeholder_image_path,omitempty"`
}

// PrecacheConfig lists install-time manifests.
type PrecacheConfig struct {
	// Critical resources gate installation (best-effort, but fetched first).
	Critical []string `json:"critical,omitempty" yaml:"critical,omitempty"`
	// Secondary resources are nice-to-have static assets.
	Secondary []string `json:"secondary,omitempty" yaml:"secondary,omitempty"`
}

// NetworkConfig tunes upstream behavior.
type NetworkConfig struct {
	// TimeoutSeconds is the network-first race timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// StaleAfterSeconds is the cache-first background refresh threshold.
	StaleAfterSeconds int `json:"stale_after_seconds,omitempty" yaml:"stale_after_seconds,omitempty"`
	// RevalidationsPerSecond bounds background refresh traffic; zero
	// disables the limit.
	RevalidationsPerSecond float64 `json:"revalidations_per_second,omitempty" yaml:"revalidations_per_second,omitempty"`
	// RevalidationBurst is the limiter's bucket size.
	RevalidationBurst int `json:"revalidation_burst,omitempty" yaml:"revalidation_burst,omitempty"`
	// Breaker tunes the origin circuit breaker.
	Breaker BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// BreakerConfig tunes the origin circuit breaker. Zero values take the
// breaker's defaults.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	OpenSeconds      int `json:"open_seconds,omitempty" yaml:"open_seconds,omitempty"`
}

// MaintenanceConfig tunes the recurring sweeps.
type MaintenanceConfig struct {
	// SweepIntervalSeconds is the period between sweep runs; zero means
	// the default interval.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty" yaml:"sweep_interval_seconds,omitempty"`
}

// AccessLogDriver selects an access log backend.
type AccessLogDriver string

// Supported access log drivers. Empty disables the log.
const (
	AccessLogNone     AccessLogDriver = ""
	AccessLogSQLite   AccessLogDriver = "sqlite"
	AccessLogPostgres AccessLogDriver = "postgres"
)

// AccessLogConfig configures the optional access log.
type AccessLogConfig struct {
	Driver AccessLogDriver `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string          `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// CacheName derives the versioned cache name for a role.
func (c Config) CacheName(role string) string {
	return fmt.Sprintf("%s-%s-v%s", c.App.Name, role, c.App.Version)
}

// CacheWhitelist returns the cache names belonging to the current version:
// every configured role plus the built-in roles, deduplicated. Built-ins are
// always included because activation deletes everything off the whitelist,
// and the agent holds live handles on those caches even when the Caches
// section never mentions them.
func (c Config) CacheWhitelist() []string {
	seen := make(map[string]bool)
	names := make([]string, 0, len(c.Caches)+len(builtinRoles))
	add := func(role string) {
		name := c.CacheName(role)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, role := range c.Caches {
		add(role.Role)
	}
	for _, role := range builtinRoles {
		add(role)
	}
	return names
}

// RoleConfig returns the configured limits for a role, if present.
func (c Config) RoleConfig(role string) (CacheRole, bool) {
	for _, r := range c.Caches {
		if r.Role == role {
			return r, true
		}
	}
	return CacheRole{}, false
}

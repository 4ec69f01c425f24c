package cachegw

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if strings.Contains(cfg.App.Name, "-v") {
		// Cache names embed "-v{version}"; an app name containing the
		// separator would make role parsing ambiguous.
		return fmt.Errorf("app.name must not contain %q", "-v")
	}

	u, err := url.Parse(cfg.Origin.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin.base_url must be an absolute URL, got %q", cfg.Origin.BaseURL)
	}

	// Default to the memory driver when storage is omitted.
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = StorageMemory
	}
	switch driver {
	case StorageMemory:
	case StorageLevelDB:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the leveldb driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	seen := make(map[string]bool, len(cfg.Caches))
	for _, role := range cfg.Caches {
		if role.Role == "" {
			return fmt.Errorf("cache role name must not be empty")
		}
		if seen[role.Role] {
			return fmt.Errorf("duplicate cache role: %q", role.Role)
		}
		seen[role.Role] = true
		if role.MaxEntries < 0 {
			return fmt.Errorf("cache role %q has negative max_entries", role.Role)
		}
		if role.MaxAgeSeconds < 0 {
			return fmt.Errorf("cache role %q has negative max_age_seconds", role.Role)
		}
	}

	switch cfg.AccessLog.Driver {
	case AccessLogNone, AccessLogSQLite:
	case AccessLogPostgres:
		if cfg.AccessLog.DSN == "" {
			return fmt.Errorf("access_log.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown access log driver: %q", cfg.AccessLog.Driver)
	}

	if cfg.Network.TimeoutSeconds < 0 {
		return fmt.Errorf("network.timeout_seconds must not be negative")
	}
	if cfg.Network.RevalidationsPerSecond < 0 {
		return fmt.Errorf("network.revalidations_per_second must not be negative")
	}

	return nil
}

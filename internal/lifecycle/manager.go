// Package lifecycle governs the agent's install/activate cycle: pre-populating
// caches on install, purging stale versioned caches on activation, and
// detecting new application versions through the version probe.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/maintenance"
	"github.com/taskhive/cachegw/internal/metrics"
	"github.com/taskhive/cachegw/internal/origin"
)

// State is the manager's lifecycle phase.
type State int

const (
	// StateNew — created, Install not yet run.
	StateNew State = iota
	// StateInstalling — pre-cache in progress.
	StateInstalling
	// StateInstalled — pre-cache complete, ready to activate. The normal
	// waiting phase is skipped: activation follows immediately.
	StateInstalled
	// StateActivating — stale cache purge in progress.
	StateActivating
	// StateActivated — controlling; requests are being served.
	StateActivated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// versionKey is the meta-cache key holding the last known application version.
const versionKey = "app-version"

// Config wires a Manager.
type Config struct {
	// Whitelist is the set of cache names belonging to the current
	// version; all other caches are deleted wholesale on activation.
	Whitelist []string
	// CriticalCacheName receives the critical pre-cache manifest.
	CriticalCacheName string
	// StaticCacheName receives the secondary static manifest.
	StaticCacheName string
	// CriticalResources and SecondaryResources are the pre-cache
	// manifests (paths or absolute URLs). Both are fetched best-effort.
	CriticalResources  []string
	SecondaryResources []string
	// MetaCacheName persists the last known application version.
	MetaCacheName string
	// VersionProbePath is polled for update detection.
	VersionProbePath string
	// ImagesCacheName and PlaceholderImage, when both set, pre-cache the
	// offline image placeholder where the cache-first strategy can find it.
	ImagesCacheName  string
	PlaceholderImage string
}

// Manager drives installation, activation and update detection.
type Manager struct {
	cfg     Config
	store   cachestore.Store
	fetch   origin.Fetcher
	sweeper *maintenance.Sweeper

	mu    sync.Mutex
	state State

	// onUpdate hooks fire when the probe reports a version different
	// from the persisted last known one.
	onUpdate []func(oldVersion, newVersion string)
}

// NewManager creates a Manager. sweeper may be nil (no expiry sweep on
// activation).
func NewManager(cfg Config, store cachestore.Store, fetch origin.Fetcher, sweeper *maintenance.Sweeper) *Manager {
	return &Manager{cfg: cfg, store: store, fetch: fetch, sweeper: sweeper}
}

// OnUpdateAvailable registers a hook fired on update detection.
func (m *Manager) OnUpdateAvailable(fn func(oldVersion, newVersion string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = append(m.onUpdate, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Install pre-populates the critical and secondary caches. Individual
// resource failures are isolated — one bad URL never aborts the rest — and
// the manager signals readiness immediately afterwards (no waiting phase).
// Install only fails when the store itself is unusable.
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)
	log := logging.FromContext(ctx)

	critical, err := m.Precache(ctx, m.cfg.CriticalCacheName, m.cfg.CriticalResources)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	secondary, err := m.Precache(ctx, m.cfg.StaticCacheName, m.cfg.SecondaryResources)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if m.cfg.ImagesCacheName != "" && m.cfg.PlaceholderImage != "" {
		if _, err := m.Precache(ctx, m.cfg.ImagesCacheName, []string{m.cfg.PlaceholderImage}); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}

	log.Info("install complete", "critical_cached", critical, "secondary_cached", secondary)
	m.setState(StateInstalled)
	return nil
}

// Precache fetches each URL and stores the response in the named cache.
// Empty and unparseable URLs are filtered out first; fetch failures are
// logged and skipped. Returns the number of resources stored.
func (m *Manager) Precache(ctx context.Context, cacheName string, urls []string) (int, error) {
	cache, err := m.store.Open(cacheName)
	if err != nil {
		return 0, fmt.Errorf("opening cache %q: %w", cacheName, err)
	}
	log := logging.FromContext(ctx)

	count := 0
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
		if err != nil {
			log.Warn("precache: skipping invalid URL", "url", raw, "error", err.Error())
			continue
		}
		metrics.NetworkFetches.WithLabelValues("precache").Inc()
		resp, err := m.fetch.Do(ctx, req)
		if err != nil {
			log.Warn("precache: fetch failed", "url", raw, "error", err.Error())
			continue
		}
		stored, err := cachestore.FromHTTPResponse(resp)
		if err != nil {
			log.Warn("precache: read failed", "url", raw, "error", err.Error())
			continue
		}
		if stored.Status != http.StatusOK {
			log.Warn("precache: non-200 response", "url", raw, "status", stored.Status)
			continue
		}
		if err := cache.Put(cachestore.Key(http.MethodGet, raw), stored); err != nil {
			log.Warn("precache: store failed", "url", raw, "error", err.Error())
			continue
		}
		count++
	}
	return count, nil
}

// Activate deletes every cache not in the whitelist, runs the expiry sweep,
// and takes control immediately.
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(StateActivating)
	log := logging.FromContext(ctx)

	names, err := m.store.ListCacheNames()
	if err != nil {
		return fmt.Errorf("activate: listing caches: %w", err)
	}
	whitelisted := make(map[string]bool, len(m.cfg.Whitelist))
	for _, name := range m.cfg.Whitelist {
		whitelisted[name] = true
	}
	for _, name := range names {
		if whitelisted[name] {
			continue
		}
		if _, err := m.store.DeleteCache(name); err != nil {
			log.Warn("activate: stale cache delete failed", "cache", name, "error", err.Error())
			continue
		}
		log.Info("deleted stale cache", "cache", name)
	}

	if m.sweeper != nil {
		m.sweeper.ExpirySweep(ctx)
	}

	m.setState(StateActivated)
	log.Info("activated", "whitelist", m.cfg.Whitelist)
	return nil
}

// SkipWaiting forces an installed-but-waiting manager to activate now. The
// application sends this after an update notification; a full reload is
// expected to follow by convention.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	if m.State() != StateInstalled {
		return nil
	}
	return m.Activate(ctx)
}

// CheckForUpdate polls the version probe and compares the reported version
// with the persisted last known one. On change the new version is persisted
// and the update hooks fire. Probe failures are not errors — the update
// loop must survive offline periods — and report no update.
func (m *Manager) CheckForUpdate(ctx context.Context) (bool, string) {
	log := logging.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.VersionProbePath, nil)
	if err != nil {
		return false, ""
	}
	resp, err := m.fetch.Do(ctx, req)
	if err != nil {
		log.Debug("version probe failed", "error", err.Error())
		return false, ""
	}
	stored, err := cachestore.FromHTTPResponse(resp)
	if err != nil || stored.Status != http.StatusOK {
		return false, ""
	}
	var probe struct {
		Version string `json:"version"`
	}
	// Defensive parse: a malformed probe body means no update, never an error.
	if err := json.Unmarshal(stored.Body, &probe); err != nil || probe.Version == "" {
		return false, ""
	}

	last := m.lastKnownVersion()
	if probe.Version == last {
		return false, probe.Version
	}
	m.persistVersion(ctx, probe.Version)
	if last != "" {
		log.Info("update available", "from", last, "to", probe.Version)
		m.mu.Lock()
		hooks := make([]func(string, string), len(m.onUpdate))
		copy(hooks, m.onUpdate)
		m.mu.Unlock()
		for _, fn := range hooks {
			fn(last, probe.Version)
		}
		return true, probe.Version
	}
	// First sighting: nothing to compare against.
	return false, probe.Version
}

func (m *Manager) lastKnownVersion() string {
	cache, err := m.store.Open(m.cfg.MetaCacheName)
	if err != nil {
		return ""
	}
	entry, ok, err := cache.Match(versionKey)
	if err != nil || !ok {
		return ""
	}
	return string(entry.Body)
}

func (m *Manager) persistVersion(ctx context.Context, version string) {
	cache, err := m.store.Open(m.cfg.MetaCacheName)
	if err != nil {
		logging.FromContext(ctx).Warn("persisting version failed", "error", err.Error())
		return
	}
	if err := cache.Put(versionKey, cachestore.NewStoredResponse(200, http.Header{}, []byte(version))); err != nil {
		logging.FromContext(ctx).Warn("persisting version failed", "error", err.Error())
	}
}

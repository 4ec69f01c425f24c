// Package maintenance runs the periodic cache sweeps: age-based expiry and
// size-based trimming. Both sweeps are idempotent, safe to run concurrently
// with request handling, and best-effort — failures are logged and swallowed,
// never surfaced to request handling.
package maintenance

import (
	"context"
	"time"

	"github.com/taskhive/cachegw/internal/cachestore"
	"github.com/taskhive/cachegw/internal/logging"
	"github.com/taskhive/cachegw/internal/metrics"
)

// DefaultInterval is the recurring sweep period.
const DefaultInterval = 30 * time.Minute

// sizeSweepFraction of the oldest entries is trimmed when a cache exceeds
// its max entry count.
const sizeSweepFraction = 0.25

// RolePolicy is one cache role's maintenance policy.
type RolePolicy struct {
	// CacheName is the versioned cache this policy applies to.
	CacheName string
	// MaxAge expires entries older than this; zero disables the expiry sweep.
	MaxAge time.Duration
	// MaxEntries triggers size trimming above this count; zero disables it.
	MaxEntries int
}

// Sweeper applies maintenance policies to the store.
type Sweeper struct {
	store    cachestore.Store
	policies []RolePolicy

	// nowFunc overrides time.Now in tests.
	nowFunc func() time.Time
}

// NewSweeper creates a Sweeper for the given policies.
func NewSweeper(store cachestore.Store, policies []RolePolicy) *Sweeper {
	return &Sweeper{store: store, policies: policies, nowFunc: time.Now}
}

// WithNowFunc replaces the sweeper's clock, for tests.
func (s *Sweeper) WithNowFunc(now func() time.Time) *Sweeper {
	s.nowFunc = now
	return s
}

// Run executes both sweeps every interval until ctx is cancelled. A
// non-positive interval falls back to DefaultInterval.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpirySweep(ctx)
			s.SizeSweep(ctx)
		}
	}
}

// ExpirySweep deletes entries whose capture timestamp is older than the
// role's max age. Entries without a capture timestamp cannot be judged
// expired and are left untouched.
func (s *Sweeper) ExpirySweep(ctx context.Context) {
	log := logging.FromContext(ctx)
	now := s.nowFunc()
	for _, policy := range s.policies {
		if policy.MaxAge <= 0 {
			continue
		}
		cache, err := s.store.Open(policy.CacheName)
		if err != nil {
			log.Warn("expiry sweep: open failed", "cache", policy.CacheName, "error", err.Error())
			continue
		}
		keys, err := cache.Keys()
		if err != nil {
			log.Warn("expiry sweep: enumeration failed", "cache", policy.CacheName, "error", err.Error())
			continue
		}
		deleted := 0
		for _, key := range keys {
			entry, ok, err := cache.Match(key)
			if err != nil || !ok {
				continue
			}
			age, known := entry.Age(now)
			if !known || age <= policy.MaxAge {
				continue
			}
			if _, err := cache.Delete(key); err != nil {
				log.Warn("expiry sweep: delete failed", "cache", policy.CacheName, "error", err.Error())
				continue
			}
			deleted++
			metrics.SweepDeletions.WithLabelValues("expiry", policy.CacheName).Inc()
		}
		s.updateGauge(cache)
		if deleted > 0 {
			log.Info("expiry sweep", "cache", policy.CacheName, "deleted", deleted)
		}
	}
}

// SizeSweep trims each over-limit cache by deleting the oldest quarter of
// its entries by enumeration order. This is a FIFO approximation of LRU —
// the store does not track access recency — and is kept deliberately weaker.
func (s *Sweeper) SizeSweep(ctx context.Context) {
	log := logging.FromContext(ctx)
	for _, policy := range s.policies {
		if policy.MaxEntries <= 0 {
			continue
		}
		cache, err := s.store.Open(policy.CacheName)
		if err != nil {
			log.Warn("size sweep: open failed", "cache", policy.CacheName, "error", err.Error())
			continue
		}
		keys, err := cache.Keys()
		if err != nil {
			log.Warn("size sweep: enumeration failed", "cache", policy.CacheName, "error", err.Error())
			continue
		}
		if len(keys) <= policy.MaxEntries {
			s.updateGauge(cache)
			continue
		}
		trim := int(float64(policy.MaxEntries) * sizeSweepFraction)
		if trim < 1 {
			trim = 1
		}
		if over := len(keys) - policy.MaxEntries; over > trim {
			trim = over
		}
		deleted := 0
		for _, key := range keys[:trim] {
			if _, err := cache.Delete(key); err != nil {
				log.Warn("size sweep: delete failed", "cache", policy.CacheName, "error", err.Error())
				continue
			}
			deleted++
			metrics.SweepDeletions.WithLabelValues("size", policy.CacheName).Inc()
		}
		s.updateGauge(cache)
		if deleted > 0 {
			log.Info("size sweep", "cache", policy.CacheName, "deleted", deleted)
		}
	}
}

func (s *Sweeper) updateGauge(cache cachestore.Cache) {
	if n, err := cache.Len(); err == nil {
		metrics.CacheEntries.WithLabelValues(cache.Name()).Set(float64(n))
	}
}

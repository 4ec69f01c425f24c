package bridge

import (
	"sync/atomic"

	"github.com/taskhive/cachegw/internal/metrics"
)

// Snapshot is the point-in-time view of the observational counters handed
// back to the application over the message channel.
type Snapshot struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	NetworkRequests int64   `json:"networkRequests"`
	HitRate         float64 `json:"hitRate"`
}

// MetricsSink receives per-request hit/miss observations. Counts are
// observational — classified against the primary cache regardless of which
// strategy actually served the request — so they may diverge from
// per-strategy outcomes.
type MetricsSink interface {
	RecordHit()
	RecordMiss()
	RecordNetwork()
	Snapshot() Snapshot
}

// CounterSink is the default in-memory MetricsSink. Counters reset with the
// process; increments are also mirrored to the Prometheus registry.
type CounterSink struct {
	hits    atomic.Int64
	misses  atomic.Int64
	network atomic.Int64
}

// NewCounterSink creates a zeroed CounterSink.
func NewCounterSink() *CounterSink { return &CounterSink{} }

// RecordHit counts one observational cache hit.
func (s *CounterSink) RecordHit() {
	s.hits.Add(1)
	metrics.CacheHits.Inc()
}

// RecordMiss counts one observational cache miss.
func (s *CounterSink) RecordMiss() {
	s.misses.Add(1)
	metrics.CacheMisses.Inc()
}

// RecordNetwork counts one network request made on the observed path. The
// agent records it alongside every miss.
func (s *CounterSink) RecordNetwork() {
	s.network.Add(1)
}

// Snapshot returns the current counters with the derived hit rate.
func (s *CounterSink) Snapshot() Snapshot {
	snap := Snapshot{
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		NetworkRequests: s.network.Load(),
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}

package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshRateLimited
	// MetricReplayDetected counts replays that cascaded into a session revocation.
	MetricReplayDetected
	// MetricRotationConflict counts replays inside the race grace window.
	MetricRotationConflict
	// MetricRotateRetry counts rotations retried after a transient store error.
	MetricRotateRetry
	MetricStoreUnavailable
	MetricSessionCreated
	MetricSessionRevoked
	MetricLogout
	MetricLogoutAll
	MetricValidateLatency
	MetricRefreshLatency
	metricIDCount
)

// latencyBounds are the inclusive upper edges of the first seven histogram buckets; the
// eighth bucket takes everything slower.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(latencyBounds) + 1

// counter sits alone on a cache line so hot counters do not contend.
type counter struct {
	n atomic.Uint64
	_ [56]byte
}

type latencyHistogram [histBucketCount]atomic.Uint64

// Metrics holds lock-free counters and, when enabled, the validate and refresh latency
// histograms. A nil or disabled Metrics ignores every call.
type Metrics struct {
	enabled  bool
	latency  bool
	counters [metricIDCount]counter
	validate latencyHistogram
	refresh  latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled, latency: cfg.Enabled && cfg.EnableLatencyHistograms}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

// Inc adds one to the counter id. Histogram ids are ignored.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount || m.histogram(id) != nil {
		return
	}
	m.counters[id].n.Add(1)
}

// Observe records d in the histogram id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	if h := m.histogram(id); h != nil {
		h[bucketFor(d)].Add(1)
	}
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

// Snapshot copies every counter, and both histograms when latency is enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if m.histogram(id) == nil {
			s.Counters[id] = m.counters[id].n.Load()
		}
	}
	if m.latency {
		for _, id := range []MetricID{MetricValidateLatency, MetricRefreshLatency} {
			h := m.histogram(id)
			buckets := make([]uint64, histBucketCount)
			for i := range buckets {
				buckets[i] = h[i].Load()
			}
			s.Histograms[id] = buckets
		}
	}
	return s
}

func (m *Metrics) histogram(id MetricID) *latencyHistogram {
	switch id {
	case MetricValidateLatency:
		return &m.validate
	case MetricRefreshLatency:
		return &m.refresh
	}
	return nil
}

// bucketFor compares whole milliseconds, so 5.9ms still lands in the 5ms bucket.
func bucketFor(d time.Duration) int {
	d = d.Truncate(time.Millisecond)
	for i, upper := range latencyBounds {
		if d <= upper {
			return i
		}
	}
	return len(latencyBounds)
}

// Package prom adapts cache.Metrics to Prometheus collectors.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/diskcache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters and a
// scan duration histogram.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evicts    *prometheus.CounterVec
	scans     prometheus.Histogram
	scanned   prometheus.Counter
	failed    prometheus.Counter
	contended prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:   counter("hits_total", "Cache hits"),
		misses: counter("misses_total", "Cache misses"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Cache evictions by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		scans: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "expiration_scan_seconds",
			Help:        "Duration of expiration scans",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		scanned:   counter("expiration_scan_removed_total", "Entries removed by expiration scans"),
		failed:    counter("callback_failures_total", "Eviction callbacks that panicked or whose token list was corrupt"),
		contended: counter("lock_contended_total", "Key lock acquisitions that had to wait"),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.scans, a.scanned, a.failed, a.contended)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictionReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Scan observes one expiration scan.
func (a *Adapter) Scan(removed int, took time.Duration) {
	a.scans.Observe(took.Seconds())
	a.scanned.Add(float64(removed))
}

func (a *Adapter) CallbackFailed() { a.failed.Inc() }

func (a *Adapter) LockContended() { a.contended.Inc() }

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)

// Package metrics collects operation outcomes from the storage gateway and
// invalidation manager. It maintains Prometheus series for the management
// /metrics endpoint and a bounded sliding window per source from which
// error rates and latency percentiles are computed each monitor tick.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation sources. Each source is tracked independently for both
// performance monitoring and rollback trigger detection.
const (
	SourceCDN     = "cdn"
	SourceStorage = "storage"
	SourceUpload  = "upload"
)

// ErrorMetric is the error rate for one source over the sliding window.
// Rate is a fraction in [0,1]. Recomputed on demand; never persisted
// beyond the retention window.
type ErrorMetric struct {
	Source      string    `json:"source"`
	Rate        float64   `json:"rate"`
	SampleCount int       `json:"sampleCount"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

type sample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// Config configures the collector.
type Config struct {
	// Window is the sliding window over which rates are computed.
	Window time.Duration `yaml:"window"`

	// MaxSamples bounds per-source sample retention.
	MaxSamples int `yaml:"max_samples"`

	Namespace string `yaml:"namespace"`
}

// Collector records operation outcomes and cache results.
type Collector struct {
	mu      sync.RWMutex
	cfg     Config
	samples map[string][]sample

	cacheHits   int64
	cacheMisses int64

	registry   *prometheus.Registry
	opCounter  *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	cacheCount *prometheus.CounterVec
	errorGauge *prometheus.GaugeVec
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector(cfg Config) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 10000
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "mediaops"
	}

	c := &Collector{
		cfg:      cfg,
		samples:  make(map[string][]sample),
		registry: prometheus.NewRegistry(),
	}

	c.opCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "operations_total",
		Help:      "Total number of provider operations",
	}, []string{"source", "status"})

	c.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of provider operations in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"source"})

	c.cacheCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "cdn_cache_requests_total",
		Help:      "CDN cache lookups by result",
	}, []string{"result"})

	c.errorGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "error_rate",
		Help:      "Sliding-window error rate per source",
	}, []string{"source"})

	c.registry.MustRegister(c.opCounter, c.opDuration, c.cacheCount, c.errorGauge)
	return c
}

// Registry exposes the Prometheus registry for the /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordOperation records one provider operation outcome. Implements the
// storage gateway's Recorder interface.
func (c *Collector) RecordOperation(source string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.opCounter.WithLabelValues(source, status).Inc()
	c.opDuration.WithLabelValues(source).Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	s := append(c.samples[source], sample{at: now, duration: duration, success: success})
	s = prune(s, now.Add(-c.cfg.Window), c.cfg.MaxSamples)
	c.samples[source] = s
}

// RecordCacheResult records a CDN cache hit or miss.
func (c *Collector) RecordCacheResult(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cacheHits++
		c.cacheCount.WithLabelValues("hit").Inc()
	} else {
		c.cacheMisses++
		c.cacheCount.WithLabelValues("miss").Inc()
	}
}

// ErrorRate computes the sliding-window error rate for one source.
func (c *Collector) ErrorRate(source string) ErrorMetric {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	s := prune(c.samples[source], now.Add(-c.cfg.Window), c.cfg.MaxSamples)
	c.samples[source] = s

	metric := ErrorMetric{
		Source:      source,
		WindowStart: now.Add(-c.cfg.Window),
		WindowEnd:   now,
		SampleCount: len(s),
	}
	if len(s) == 0 {
		return metric
	}
	failures := 0
	for _, smp := range s {
		if !smp.success {
			failures++
		}
	}
	metric.Rate = float64(failures) / float64(len(s))
	c.errorGauge.WithLabelValues(source).Set(metric.Rate)
	return metric
}

// LatencyP95 computes the 95th percentile latency for one source over the
// sliding window. Returns zero when no samples exist.
func (c *Collector) LatencyP95(source string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.samples[source]
	if len(s) == 0 {
		return 0
	}
	durations := make([]time.Duration, len(s))
	for i, smp := range s {
		durations[i] = smp.duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (len(durations) * 95) / 100
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// CacheHitRatio returns the fraction of CDN lookups served from cache.
// Returns 1 when nothing has been recorded, so an idle system does not
// trip the minimum-hit-ratio threshold.
func (c *Collector) CacheHitRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.cacheHits + c.cacheMisses
	if total == 0 {
		return 1
	}
	return float64(c.cacheHits) / float64(total)
}

func prune(s []sample, cutoff time.Time, max int) []sample {
	first := 0
	for first < len(s) && s[first].at.Before(cutoff) {
		first++
	}
	s = s[first:]
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

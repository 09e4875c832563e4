// Package monitor periodically snapshots delivery performance and raises
// alerts when configured thresholds are breached.
package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/metrics"
	"github.com/mediaops/mediaops/pkg/errors"
)

// State of the monitor loop.
type State string

const (
	StateStopped    State = "stopped"
	StateMonitoring State = "monitoring"
)

// Severity of a raised alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Stats is the metric surface the monitor samples each tick.
type Stats interface {
	LatencyP95(source string) time.Duration
	ErrorRate(source string) metrics.ErrorMetric
	CacheHitRatio() float64
}

// Snapshot is one point-in-time sample of delivery performance.
type Snapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	UploadLatencyP95 time.Duration `json:"uploadLatencyP95"`
	CDNLatencyP95    time.Duration `json:"cdnLatencyP95"`
	CacheHitRatio    float64       `json:"cacheHitRatio"`
	ErrorRate        float64       `json:"errorRate"`
	ErrorSamples     int           `json:"errorSamples"`
}

// Alert records one threshold breach.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Metric    string    `json:"metric"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// PerformanceMonitor drives the collection loop. Collection runs
// synchronously inside the loop goroutine so ticks never overlap; a slow
// collection delays the next tick rather than stacking.
type PerformanceMonitor struct {
	stats  Stats
	logger *slog.Logger
	sinks  []AlertSink

	mu         sync.RWMutex
	cfg        config.MonitoringConfig
	state      State
	stopCh     chan struct{}
	doneCh     chan struct{}
	snapshots  []Snapshot
	alerts     []Alert
	startedAt  time.Time
	tickCount  int64
}

// NewPerformanceMonitor builds a stopped monitor.
func NewPerformanceMonitor(stats Stats, cfg config.MonitoringConfig, sinks ...AlertSink) *PerformanceMonitor {
	return &PerformanceMonitor{
		stats:  stats,
		cfg:    cfg,
		state:  StateStopped,
		logger: slog.Default().With("component", "monitor"),
		sinks:  sinks,
	}
}

// State reports the current lifecycle state.
func (m *PerformanceMonitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start launches the collection loop. Starting an already running monitor
// is an error.
func (m *PerformanceMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateMonitoring {
		return errors.New(errors.ErrCodeInvalidArgument, "monitor is already running").
			WithComponent("monitor")
	}
	m.state = StateMonitoring
	m.startedAt = time.Now().UTC()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh, m.cfg.Interval)
	m.logger.Info("performance monitoring started", "interval", m.cfg.Interval)
	return nil
}

// Stop halts the loop and waits for the in-flight collection, if any, to
// finish. Stopping a stopped monitor is a no-op.
func (m *PerformanceMonitor) Stop() {
	m.mu.Lock()
	if m.state != StateMonitoring {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
	m.logger.Info("performance monitoring stopped")
}

func (m *PerformanceMonitor) loop(stopCh <-chan struct{}, doneCh chan<- struct{}, interval time.Duration) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Collect()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Collect takes one snapshot, evaluates thresholds, and dispatches any
// alerts. It is safe to call while the loop is running; callers and the
// loop serialize on the monitor lock.
func (m *PerformanceMonitor) Collect() Snapshot {
	now := time.Now().UTC()
	cdnErr := m.stats.ErrorRate(metrics.SourceCDN)
	storageErr := m.stats.ErrorRate(metrics.SourceStorage)
	uploadErr := m.stats.ErrorRate(metrics.SourceUpload)

	samples := cdnErr.SampleCount + storageErr.SampleCount + uploadErr.SampleCount
	failures := cdnErr.Rate*float64(cdnErr.SampleCount) +
		storageErr.Rate*float64(storageErr.SampleCount) +
		uploadErr.Rate*float64(uploadErr.SampleCount)
	rate := 0.0
	if samples > 0 {
		rate = failures / float64(samples)
	}

	snap := Snapshot{
		Timestamp:        now,
		UploadLatencyP95: m.stats.LatencyP95(metrics.SourceUpload),
		CDNLatencyP95:    m.stats.LatencyP95(metrics.SourceCDN),
		CacheHitRatio:    m.stats.CacheHitRatio(),
		ErrorRate:        rate,
		ErrorSamples:     samples,
	}

	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap)
	if max := m.cfg.SnapshotWindow; max > 0 && len(m.snapshots) > max {
		m.snapshots = m.snapshots[len(m.snapshots)-max:]
	}
	m.tickCount++
	thresholds := m.cfg.Thresholds
	m.mu.Unlock()

	for _, a := range evaluate(snap, thresholds) {
		m.raise(a)
	}
	return snap
}

// evaluate compares one snapshot against the thresholds and returns any
// breaches. A breach at or past twice the threshold distance is critical.
func evaluate(s Snapshot, t config.Thresholds) []Alert {
	var out []Alert
	if t.UploadLatencyP95 > 0 && s.UploadLatencyP95 > t.UploadLatencyP95 {
		out = append(out, breach("upload_latency_p95",
			s.UploadLatencyP95.Seconds(), t.UploadLatencyP95.Seconds(),
			fmt.Sprintf("upload p95 latency %s exceeds %s", s.UploadLatencyP95, t.UploadLatencyP95),
			s.UploadLatencyP95 >= 2*t.UploadLatencyP95, s.Timestamp))
	}
	if t.CDNLatencyP95 > 0 && s.CDNLatencyP95 > t.CDNLatencyP95 {
		out = append(out, breach("cdn_latency_p95",
			s.CDNLatencyP95.Seconds(), t.CDNLatencyP95.Seconds(),
			fmt.Sprintf("cdn p95 latency %s exceeds %s", s.CDNLatencyP95, t.CDNLatencyP95),
			s.CDNLatencyP95 >= 2*t.CDNLatencyP95, s.Timestamp))
	}
	if t.MinCacheHitRatio > 0 && s.CacheHitRatio < t.MinCacheHitRatio {
		out = append(out, breach("cache_hit_ratio",
			s.CacheHitRatio, t.MinCacheHitRatio,
			fmt.Sprintf("cache hit ratio %.2f below %.2f", s.CacheHitRatio, t.MinCacheHitRatio),
			s.CacheHitRatio < t.MinCacheHitRatio/2, s.Timestamp))
	}
	if t.MaxErrorRate > 0 && s.ErrorRate > t.MaxErrorRate {
		out = append(out, breach("error_rate",
			s.ErrorRate, t.MaxErrorRate,
			fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", s.ErrorRate*100, t.MaxErrorRate*100),
			s.ErrorRate >= 2*t.MaxErrorRate, s.Timestamp))
	}
	return out
}

func breach(metric string, value, threshold float64, msg string, critical bool, at time.Time) Alert {
	sev := SeverityWarning
	if critical {
		sev = SeverityCritical
	}
	return Alert{
		ID:        uuid.NewString(),
		Severity:  sev,
		Metric:    metric,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		Timestamp: at,
	}
}

func (m *PerformanceMonitor) raise(a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if max := m.cfg.AlertHistory; max > 0 && len(m.alerts) > max {
		m.alerts = m.alerts[len(m.alerts)-max:]
	}
	m.mu.Unlock()

	m.logger.Warn("performance alert",
		"metric", a.Metric, "severity", a.Severity, "value", a.Value, "threshold", a.Threshold)
	for _, sink := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Send(ctx, a); err != nil {
			m.logger.Error("alert delivery failed", "sink", sink.Name(), "error", err)
		}
		cancel()
	}
}

// Current returns the most recent snapshot, or false when none exists.
func (m *PerformanceMonitor) Current() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return Snapshot{}, false
	}
	return m.snapshots[len(m.snapshots)-1], true
}

// History returns snapshots taken within the last timeRange, oldest first.
// A zero timeRange returns everything retained.
func (m *PerformanceMonitor) History(timeRange time.Duration) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if timeRange <= 0 {
		out := make([]Snapshot, len(m.snapshots))
		copy(out, m.snapshots)
		return out
	}
	cutoff := time.Now().UTC().Add(-timeRange)
	i := sort.Search(len(m.snapshots), func(i int) bool {
		return !m.snapshots[i].Timestamp.Before(cutoff)
	})
	out := make([]Snapshot, len(m.snapshots)-i)
	copy(out, m.snapshots[i:])
	return out
}

// Alerts returns raised alerts, most recent first, optionally filtered by
// severity. limit <= 0 returns everything retained.
func (m *PerformanceMonitor) Alerts(limit int, severity Severity) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Thresholds returns the active thresholds.
func (m *PerformanceMonitor) Thresholds() config.Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Thresholds
}

// UpdateThresholds validates and swaps the active thresholds. The change
// applies from the next evaluation.
func (m *PerformanceMonitor) UpdateThresholds(t config.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Thresholds = t
	m.mu.Unlock()
	m.logger.Info("performance thresholds updated",
		"upload_latency_p95", t.UploadLatencyP95,
		"cdn_latency_p95", t.CDNLatencyP95,
		"min_cache_hit_ratio", t.MinCacheHitRatio,
		"max_error_rate", t.MaxErrorRate)
	return nil
}

// ExportJSON writes all retained snapshots as a JSON array.
func (m *PerformanceMonitor) ExportJSON(w io.Writer) error {
	snaps := m.History(0)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snaps)
}

// ExportCSV writes all retained snapshots as CSV with a header row.
func (m *PerformanceMonitor) ExportCSV(w io.Writer) error {
	snaps := m.History(0)
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"timestamp", "upload_latency_p95_ms", "cdn_latency_p95_ms",
		"cache_hit_ratio", "error_rate", "error_samples",
	}); err != nil {
		return err
	}
	for _, s := range snaps {
		rec := []string{
			s.Timestamp.Format(time.RFC3339),
			strconv.FormatInt(s.UploadLatencyP95.Milliseconds(), 10),
			strconv.FormatInt(s.CDNLatencyP95.Milliseconds(), 10),
			strconv.FormatFloat(s.CacheHitRatio, 'f', 4, 64),
			strconv.FormatFloat(s.ErrorRate, 'f', 4, 64),
			strconv.Itoa(s.ErrorSamples),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Health summarizes the monitor for health endpoints.
func (m *PerformanceMonitor) Health() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := map[string]interface{}{
		"state":     string(m.state),
		"snapshots": len(m.snapshots),
		"alerts":    len(m.alerts),
		"ticks":     m.tickCount,
	}
	if m.state == StateMonitoring {
		h["uptime"] = time.Since(m.startedAt).Round(time.Second).String()
	}
	return h
}

// Package rollback detects sustained error-rate breaches and drives the
// phased rollback state machine that restores the CDN and storage layer to
// a known-good state.
package rollback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/metrics"
	"github.com/mediaops/mediaops/pkg/errors"
)

// State of the trigger monitor loop.
type State string

const (
	StateStopped    State = "stopped"
	StateMonitoring State = "monitoring"
)

// TriggerType identifies which error signal breached.
type TriggerType string

const (
	TriggerCDNErrorRate     TriggerType = "cloudfront_error_rate"
	TriggerStorageErrorRate TriggerType = "storage_error_rate"
	TriggerUploadFailRate   TriggerType = "upload_failure_rate"
)

// Trigger is one sustained-breach event. Once Active is cleared the record
// is immutable history.
type Trigger struct {
	ID          string      `json:"id"`
	Type        TriggerType `json:"type"`
	Severity    string      `json:"severity"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	FirstBreach time.Time   `json:"firstBreach"`
	RaisedAt    time.Time   `json:"raisedAt"`
	ResolvedAt  time.Time   `json:"resolvedAt,omitempty"`
	Active      bool        `json:"active"`
}

// Stats is the error-signal surface the trigger monitor samples.
type Stats interface {
	ErrorRate(source string) metrics.ErrorMetric
}

// signal ties one trigger type to its metric source and threshold.
type signal struct {
	typ       TriggerType
	source    string
	threshold float64
}

// breachState tracks the sustained-breach window for one signal.
type breachState struct {
	breachSince time.Time // zero when under threshold
	underSince  time.Time // zero while breaching; set when an active trigger's metric recovers
	active      *Trigger
}

// TriggerMonitor applies sustained-breach logic to the error signals. A
// breach must hold continuously for the configured duration before a
// Trigger is raised; any single under-threshold tick resets the window. An
// active Trigger resolves only after the metric stays under threshold for
// the same duration.
type TriggerMonitor struct {
	stats   Stats
	cfg     config.RollbackConfig
	onRaise func(Trigger)
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	state   State
	stopCh  chan struct{}
	doneCh  chan struct{}
	signals []signal
	tracked map[TriggerType]*breachState
	history []Trigger
}

// NewTriggerMonitor builds a stopped monitor. onRaise is invoked for each
// newly raised Trigger, outside the monitor lock.
func NewTriggerMonitor(stats Stats, cfg config.RollbackConfig, onRaise func(Trigger)) *TriggerMonitor {
	signals := []signal{
		{TriggerCDNErrorRate, metrics.SourceCDN, cfg.CDNErrorRate},
		{TriggerStorageErrorRate, metrics.SourceStorage, cfg.StorageErrorRate},
		{TriggerUploadFailRate, metrics.SourceUpload, cfg.UploadFailRate},
	}
	tracked := make(map[TriggerType]*breachState, len(signals))
	for _, s := range signals {
		tracked[s.typ] = &breachState{}
	}
	return &TriggerMonitor{
		stats:   stats,
		cfg:     cfg,
		onRaise: onRaise,
		logger:  slog.Default().With("component", "trigger_monitor"),
		now:     time.Now,
		state:   StateStopped,
		signals: signals,
		tracked: tracked,
	}
}

// State reports whether the loop is running.
func (t *TriggerMonitor) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Start launches the sampling loop.
func (t *TriggerMonitor) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateMonitoring {
		return errors.New(errors.ErrCodeInvalidArgument, "trigger monitor is already running").
			WithComponent("trigger_monitor")
	}
	t.state = StateMonitoring
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.loop(t.stopCh, t.doneCh, t.cfg.Interval)
	t.logger.Info("trigger monitoring started",
		"interval", t.cfg.Interval, "sustained_duration", t.cfg.SustainedDuration)
	return nil
}

// Stop halts the loop, letting an in-flight tick finish.
func (t *TriggerMonitor) Stop() {
	t.mu.Lock()
	if t.state != StateMonitoring {
		t.mu.Unlock()
		return
	}
	t.state = StateStopped
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()

	close(stop)
	<-done
	t.logger.Info("trigger monitoring stopped")
}

func (t *TriggerMonitor) loop(stopCh <-chan struct{}, doneCh chan<- struct{}, interval time.Duration) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick samples every signal once and advances the breach windows. Raised
// triggers are handed to onRaise after the lock is released.
func (t *TriggerMonitor) Tick() {
	now := t.now().UTC()
	var raised []Trigger

	t.mu.Lock()
	for _, sig := range t.signals {
		if sig.threshold <= 0 {
			continue
		}
		m := t.stats.ErrorRate(sig.source)
		st := t.tracked[sig.typ]

		if m.Rate > sig.threshold {
			st.underSince = time.Time{}
			if st.breachSince.IsZero() {
				st.breachSince = now
			}
			if st.active == nil && now.Sub(st.breachSince) >= t.cfg.SustainedDuration {
				tr := Trigger{
					ID:          uuid.NewString(),
					Type:        sig.typ,
					Severity:    severityFor(m.Rate, sig.threshold),
					Value:       m.Rate,
					Threshold:   sig.threshold,
					FirstBreach: st.breachSince,
					RaisedAt:    now,
					Active:      true,
				}
				st.active = &tr
				t.history = append(t.history, tr)
				raised = append(raised, tr)
			}
			continue
		}

		// One under-threshold tick resets the breach window.
		st.breachSince = time.Time{}
		if st.active != nil {
			if st.underSince.IsZero() {
				st.underSince = now
			}
			if now.Sub(st.underSince) >= t.cfg.SustainedDuration {
				t.resolveLocked(st, now)
			}
		}
	}
	t.mu.Unlock()

	for _, tr := range raised {
		t.logger.Warn("rollback trigger raised",
			"trigger", tr.ID, "type", tr.Type,
			"value", tr.Value, "threshold", tr.Threshold)
		if t.onRaise != nil {
			t.onRaise(tr)
		}
	}
}

func (t *TriggerMonitor) resolveLocked(st *breachState, now time.Time) {
	for i := range t.history {
		if t.history[i].ID == st.active.ID {
			t.history[i].Active = false
			t.history[i].ResolvedAt = now
		}
	}
	t.logger.Info("rollback trigger resolved", "trigger", st.active.ID, "type", st.active.Type)
	st.active = nil
	st.underSince = time.Time{}
}

func severityFor(value, threshold float64) string {
	if value >= 2*threshold {
		return "critical"
	}
	return "warning"
}

// Triggers returns raised triggers, most recent first.
func (t *TriggerMonitor) Triggers() []Trigger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Trigger, 0, len(t.history))
	for i := len(t.history) - 1; i >= 0; i-- {
		out = append(out, t.history[i])
	}
	return out
}

// ActiveTriggers returns only the triggers still above threshold.
func (t *TriggerMonitor) ActiveTriggers() []Trigger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Trigger
	for _, st := range t.tracked {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	return out
}

// Evaluate reports, for every signal, the current value against its
// threshold without advancing any breach window. Used by the test-trigger
// endpoint.
func (t *TriggerMonitor) Evaluate() []map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]map[string]interface{}, 0, len(t.signals))
	for _, sig := range t.signals {
		m := t.stats.ErrorRate(sig.source)
		out = append(out, map[string]interface{}{
			"type":         string(sig.typ),
			"value":        m.Rate,
			"threshold":    sig.threshold,
			"samples":      m.SampleCount,
			"wouldTrigger": sig.threshold > 0 && m.Rate > sig.threshold,
		})
	}
	return out
}

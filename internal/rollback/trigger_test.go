package rollback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/metrics"
)

// fakeStats serves mutable error rates per source.
type fakeStats struct {
	rates map[string]float64
}

func (f *fakeStats) ErrorRate(source string) metrics.ErrorMetric {
	return metrics.ErrorMetric{Source: source, Rate: f.rates[source], SampleCount: 100}
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func triggerConfig() config.RollbackConfig {
	return config.RollbackConfig{
		SustainedDuration: 10 * time.Minute,
		CooldownWindow:    5 * time.Minute,
		Interval:          time.Minute,
		CDNErrorRate:      0.05,
		StorageErrorRate:  0.05,
		UploadFailRate:    0.10,
		InvalidationPaths: []string{"/*"},
	}
}

func newTestTriggerMonitor(stats Stats, onRaise func(Trigger)) (*TriggerMonitor, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tm := NewTriggerMonitor(stats, triggerConfig(), onRaise)
	tm.now = c.now
	return tm, c
}

func TestSustainedBreachRaisesOneTrigger(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceCDN: 0.06}}
	var raised []Trigger
	tm, clk := newTestTriggerMonitor(stats, func(tr Trigger) { raised = append(raised, tr) })

	// 6% for 11 consecutive minutes against a 10 minute window.
	for i := 0; i <= 11; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}

	require.Len(t, raised, 1)
	assert.Equal(t, TriggerCDNErrorRate, raised[0].Type)
	assert.InDelta(t, 0.06, raised[0].Value, 1e-9)
	assert.InDelta(t, 0.05, raised[0].Threshold, 1e-9)
	assert.True(t, raised[0].Active)
	assert.Len(t, tm.ActiveTriggers(), 1)
}

func TestSingleTickSpikeRaisesNothing(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceCDN: 0.06}}
	var raised []Trigger
	tm, clk := newTestTriggerMonitor(stats, func(tr Trigger) { raised = append(raised, tr) })

	tm.Tick()
	clk.advance(time.Minute)
	stats.rates[metrics.SourceCDN] = 0.01
	tm.Tick()
	clk.advance(time.Minute)

	// The dip reset the window; a fresh breach must hold the full
	// duration again.
	stats.rates[metrics.SourceCDN] = 0.06
	for i := 0; i < 9; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	assert.Empty(t, raised)

	for i := 0; i < 3; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	assert.Len(t, raised, 1)
}

func TestTriggerTypesTrackedIndependently(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{
		metrics.SourceCDN:     0.06,
		metrics.SourceStorage: 0.06,
	}}
	var raised []Trigger
	tm, clk := newTestTriggerMonitor(stats, func(tr Trigger) { raised = append(raised, tr) })

	for i := 0; i <= 10; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}

	require.Len(t, raised, 2)
	types := map[TriggerType]bool{raised[0].Type: true, raised[1].Type: true}
	assert.True(t, types[TriggerCDNErrorRate])
	assert.True(t, types[TriggerStorageErrorRate])
}

func TestActiveTriggerNotReRaised(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceCDN: 0.06}}
	var raised []Trigger
	tm, clk := newTestTriggerMonitor(stats, func(tr Trigger) { raised = append(raised, tr) })

	for i := 0; i <= 30; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	assert.Len(t, raised, 1)
}

func TestTriggerResolvesAfterFullWindowUnderThreshold(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceCDN: 0.06}}
	tm, clk := newTestTriggerMonitor(stats, nil)

	for i := 0; i <= 10; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	require.Len(t, tm.ActiveTriggers(), 1)

	stats.rates[metrics.SourceCDN] = 0.01
	for i := 0; i < 10; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	require.Len(t, tm.ActiveTriggers(), 1, "still within the recovery window")

	tm.Tick()
	assert.Empty(t, tm.ActiveTriggers())

	hist := tm.Triggers()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Active)
	assert.False(t, hist[0].ResolvedAt.IsZero())
}

func TestBriefRecoveryDoesNotResolve(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceCDN: 0.06}}
	tm, clk := newTestTriggerMonitor(stats, nil)

	for i := 0; i <= 10; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	require.Len(t, tm.ActiveTriggers(), 1)

	stats.rates[metrics.SourceCDN] = 0.01
	tm.Tick()
	clk.advance(time.Minute)
	stats.rates[metrics.SourceCDN] = 0.06
	tm.Tick()
	clk.advance(time.Minute)

	assert.Len(t, tm.ActiveTriggers(), 1)
}

func TestCriticalSeverityAtTwiceThreshold(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceUpload: 0.25}}
	var raised []Trigger
	tm, clk := newTestTriggerMonitor(stats, func(tr Trigger) { raised = append(raised, tr) })

	for i := 0; i <= 10; i++ {
		tm.Tick()
		clk.advance(time.Minute)
	}
	require.Len(t, raised, 1)
	assert.Equal(t, "critical", raised[0].Severity)
}

func TestEvaluateReportsWithoutRaising(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{metrics.SourceCDN: 0.08}}
	tm, _ := newTestTriggerMonitor(stats, nil)

	rows := tm.Evaluate()
	require.Len(t, rows, 3)
	byType := map[string]map[string]interface{}{}
	for _, r := range rows {
		byType[r["type"].(string)] = r
	}
	assert.Equal(t, true, byType[string(TriggerCDNErrorRate)]["wouldTrigger"])
	assert.Equal(t, false, byType[string(TriggerStorageErrorRate)]["wouldTrigger"])
	assert.Empty(t, tm.Triggers())
}

func TestTriggerMonitorLifecycle(t *testing.T) {
	stats := &fakeStats{rates: map[string]float64{}}
	tm := NewTriggerMonitor(stats, triggerConfig(), nil)

	assert.Equal(t, StateStopped, tm.State())
	require.NoError(t, tm.Start())
	assert.Equal(t, StateMonitoring, tm.State())
	assert.Error(t, tm.Start())
	tm.Stop()
	assert.Equal(t, StateStopped, tm.State())
	tm.Stop()
}

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorRateComputation(t *testing.T) {
	c := NewCollector(Config{Window: time.Minute})

	for i := 0; i < 8; i++ {
		c.RecordOperation(SourceUpload, 10*time.Millisecond, true)
	}
	c.RecordOperation(SourceUpload, 10*time.Millisecond, false)
	c.RecordOperation(SourceUpload, 10*time.Millisecond, false)

	m := c.ErrorRate(SourceUpload)
	assert.Equal(t, SourceUpload, m.Source)
	assert.Equal(t, 10, m.SampleCount)
	assert.InDelta(t, 0.2, m.Rate, 1e-9)
}

func TestErrorRateEmptyWindow(t *testing.T) {
	c := NewCollector(Config{})
	m := c.ErrorRate(SourceCDN)
	assert.Zero(t, m.Rate)
	assert.Zero(t, m.SampleCount)
}

func TestSourcesTrackedIndependently(t *testing.T) {
	c := NewCollector(Config{})
	c.RecordOperation(SourceCDN, time.Millisecond, false)
	c.RecordOperation(SourceStorage, time.Millisecond, true)

	assert.Equal(t, 1.0, c.ErrorRate(SourceCDN).Rate)
	assert.Equal(t, 0.0, c.ErrorRate(SourceStorage).Rate)
	assert.Zero(t, c.ErrorRate(SourceUpload).SampleCount)
}

func TestSampleRetentionBounded(t *testing.T) {
	c := NewCollector(Config{MaxSamples: 100})
	for i := 0; i < 500; i++ {
		c.RecordOperation(SourceStorage, time.Millisecond, true)
	}
	m := c.ErrorRate(SourceStorage)
	assert.Equal(t, 100, m.SampleCount)
}

func TestLatencyP95(t *testing.T) {
	c := NewCollector(Config{})
	for i := 1; i <= 100; i++ {
		c.RecordOperation(SourceUpload, time.Duration(i)*time.Millisecond, true)
	}
	p95 := c.LatencyP95(SourceUpload)
	assert.InDelta(t, 96, p95.Milliseconds(), 1)
}

func TestCacheHitRatio(t *testing.T) {
	c := NewCollector(Config{})
	assert.Equal(t, 1.0, c.CacheHitRatio())

	for i := 0; i < 9; i++ {
		c.RecordCacheResult(true)
	}
	c.RecordCacheResult(false)
	assert.InDelta(t, 0.9, c.CacheHitRatio(), 1e-9)
}

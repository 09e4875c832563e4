package rollback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaops/mediaops/internal/invalidation"
	"github.com/mediaops/mediaops/internal/metrics"
	"github.com/mediaops/mediaops/pkg/errors"
)

type fakeGateway struct {
	mu          sync.Mutex
	healthErr   error
	restoreErr  error
	healthCalls int
	restored    int
}

func (f *fakeGateway) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.healthErr
}

func (f *fakeGateway) RestoreLastKnownGood(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored++
	return f.restoreErr
}

type fakeInvalidator struct {
	mu        sync.Mutex
	err       error
	healthErr error
	calls     [][]string
}

func (f *fakeInvalidator) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, paths []string) (*invalidation.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, paths)
	if f.err != nil {
		return nil, f.err
	}
	return &invalidation.Batch{ID: "b1", Paths: paths, Status: invalidation.StatusCompleted}, nil
}

// lockedStats is safe for concurrent reads from the run goroutine.
type lockedStats struct {
	mu    sync.Mutex
	rates map[string]float64
}

func (s *lockedStats) ErrorRate(source string) metrics.ErrorMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return metrics.ErrorMetric{Source: source, Rate: s.rates[source], SampleCount: 50}
}

func (s *lockedStats) set(source string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[source] = rate
}

type orchFixture struct {
	orch    *Orchestrator
	gateway *fakeGateway
	inv     *fakeInvalidator
	stats   *lockedStats
	comms   *CommsLog
}

func newOrchFixture() *orchFixture {
	f := &orchFixture{
		gateway: &fakeGateway{},
		inv:     &fakeInvalidator{},
		stats:   &lockedStats{rates: map[string]float64{}},
		comms:   NewCommsLog(NewConsoleChannel()),
	}
	f.orch = NewOrchestrator(f.gateway, f.inv, f.stats, f.comms, triggerConfig())
	f.orch.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f
}

func (f *orchFixture) runToCompletion(t *testing.T, req TriggerRequest) *Execution {
	t.Helper()
	exec, err := f.orch.TriggerManual(context.Background(), req)
	require.NoError(t, err)
	f.orch.wait(exec.ID)
	return f.orch.Status()
}

func TestStatusIdleBeforeAnyExecution(t *testing.T) {
	f := newOrchFixture()
	assert.Equal(t, ExecIdle, f.orch.Status().Status)
}

func TestManualRollbackCompletes(t *testing.T) {
	f := newOrchFixture()
	final := f.runToCompletion(t, TriggerRequest{
		Reason:      "elevated cdn errors",
		InitiatedBy: "ops",
	})

	assert.Equal(t, ExecCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "ops", final.InitiatedBy)
	assert.False(t, final.FinishedAt.IsZero())

	require.Len(t, f.inv.calls, 1)
	assert.Equal(t, []string{"/*"}, f.inv.calls[0])
	assert.Equal(t, 1, f.gateway.restored)
	// Validation plus the post-restore verification.
	assert.Equal(t, 2, f.gateway.healthCalls)

	phases := make([]string, 0, len(final.Timeline))
	for _, e := range final.Timeline {
		if e.Phase != "" {
			phases = append(phases, e.Phase)
		}
	}
	assert.Equal(t, []string{
		PhaseInvalidateCDN, PhaseRestoreConfig, PhaseVerifyHealth, PhaseCooldownWatch,
	}, phases)
}

func TestManualRollbackRequiresReason(t *testing.T) {
	f := newOrchFixture()
	_, err := f.orch.TriggerManual(context.Background(), TriggerRequest{})
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrCodeInvalidArgument, e.Code)
}

func TestSecondTriggerRejectedWhileActive(t *testing.T) {
	f := newOrchFixture()
	release := make(chan struct{})
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		<-release
		return nil
	}

	first, err := f.orch.TriggerManual(context.Background(), TriggerRequest{Reason: "first"})
	require.NoError(t, err)

	// Wait until the run goroutine parks in the cooldown watch.
	require.Eventually(t, func() bool {
		return f.orch.Status().Status == ExecMonitoring
	}, time.Second, time.Millisecond)
	before := len(f.orch.Status().Timeline)

	_, err = f.orch.TriggerManual(context.Background(), TriggerRequest{Reason: "second"})
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrCodeExecutionActive, e.Code)
	assert.Equal(t, first.ID, e.Details["active_execution_id"])

	// The running execution is unaffected.
	assert.Len(t, f.orch.Status().Timeline, before)
	assert.Equal(t, first.ID, f.orch.Status().ID)

	close(release)
	f.orch.wait(first.ID)
	assert.Equal(t, ExecCompleted, f.orch.Status().Status)
}

func TestNewExecutionAllowedAfterTerminal(t *testing.T) {
	f := newOrchFixture()
	f.runToCompletion(t, TriggerRequest{Reason: "first"})
	final := f.runToCompletion(t, TriggerRequest{Reason: "second"})
	assert.Equal(t, ExecCompleted, final.Status)
	assert.Len(t, f.orch.History(), 2)
}

func TestValidationFailureFailsWithoutPhases(t *testing.T) {
	f := newOrchFixture()
	f.gateway.healthErr = errors.New(errors.ErrCodeServiceUnavailable, "bucket unreachable")

	final := f.runToCompletion(t, TriggerRequest{Reason: "broken"})
	assert.Equal(t, ExecFailed, final.Status)
	assert.Contains(t, final.Error, "storage health check failed")
	assert.Empty(t, f.inv.calls)
	assert.Zero(t, f.gateway.restored)
}

func TestDistributionCheckFailureFailsWithoutPhases(t *testing.T) {
	f := newOrchFixture()
	f.inv.healthErr = errors.New(errors.ErrCodeDistributionNotFound, "gone")

	final := f.runToCompletion(t, TriggerRequest{Reason: "no distribution"})
	assert.Equal(t, ExecFailed, final.Status)
	assert.Contains(t, final.Error, "cdn distribution check failed")
	assert.Empty(t, f.inv.calls)
	assert.Zero(t, f.gateway.restored)
}

func TestInvalidationFailureFailsExecution(t *testing.T) {
	f := newOrchFixture()
	f.inv.err = errors.New(errors.ErrCodeDistributionNotFound, "gone")

	final := f.runToCompletion(t, TriggerRequest{Reason: "bad paths"})
	assert.Equal(t, ExecFailed, final.Status)
	assert.Zero(t, f.gateway.restored, "restore must not run after a failed phase")
}

func TestRestoreFailureFailsExecution(t *testing.T) {
	f := newOrchFixture()
	f.gateway.restoreErr = errors.New(errors.ErrCodeRollbackValidation, "no snapshot")

	final := f.runToCompletion(t, TriggerRequest{Reason: "restore"})
	assert.Equal(t, ExecFailed, final.Status)
	assert.Contains(t, final.Error, "no snapshot")
}

func TestUnrecoveredMetricsYieldUnconfirmed(t *testing.T) {
	f := newOrchFixture()
	f.stats.set(metrics.SourceCDN, 0.20)

	final := f.runToCompletion(t, TriggerRequest{Reason: "still failing"})
	assert.Equal(t, ExecUnconfirmed, final.Status)
	assert.Equal(t, 1, f.gateway.restored, "phases completed before the cooldown verdict")
}

func TestAutomaticTriggerRunsExecution(t *testing.T) {
	f := newOrchFixture()
	f.orch.HandleTrigger(Trigger{
		ID:        "t1",
		Type:      TriggerCDNErrorRate,
		Value:     0.08,
		Threshold: 0.05,
	})
	f.orch.Drain()

	final := f.orch.Status()
	assert.Equal(t, ExecCompleted, final.Status)
	assert.Equal(t, "trigger_monitor", final.InitiatedBy)
	assert.Equal(t, "t1", final.TriggerID)
	assert.Equal(t, TriggerCDNErrorRate, final.TriggerType)
}

func TestAutomaticTriggerCoalescedWhileActive(t *testing.T) {
	f := newOrchFixture()
	release := make(chan struct{})
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		<-release
		return nil
	}

	first, err := f.orch.TriggerManual(context.Background(), TriggerRequest{Reason: "first"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.orch.Status().Status == ExecMonitoring
	}, time.Second, time.Millisecond)

	f.orch.HandleTrigger(Trigger{ID: "t2", Type: TriggerStorageErrorRate})
	assert.Equal(t, first.ID, f.orch.Status().ID)
	assert.Len(t, f.orch.History(), 1)

	close(release)
	f.orch.wait(first.ID)
}

func TestTransitionsRecordCommunications(t *testing.T) {
	f := newOrchFixture()
	f.runToCompletion(t, TriggerRequest{Reason: "comm check"})

	items, total, _ := f.comms.List(50, 0)
	require.NotEmpty(t, items)
	assert.Equal(t, len(items), total)
	// Most recent entry first: the completion message.
	assert.Equal(t, CommCompletion, items[0].Type)
	assert.Equal(t, "orchestrator", items[0].Sender)
}

func TestValidateWithoutExecution(t *testing.T) {
	f := newOrchFixture()
	require.NoError(t, f.orch.Validate(context.Background()))
	assert.Equal(t, ExecIdle, f.orch.Status().Status)

	f.gateway.healthErr = errors.New(errors.ErrCodeServiceUnavailable, "down")
	err := f.orch.Validate(context.Background())
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.ErrCodeRollbackValidation, e.Code)
}

func TestTimelineSpansExecutions(t *testing.T) {
	f := newOrchFixture()
	f.runToCompletion(t, TriggerRequest{Reason: "a"})
	f.runToCompletion(t, TriggerRequest{Reason: "b"})

	tl := f.orch.Timeline()
	assert.Greater(t, len(tl), 8)
	for i := 1; i < len(tl); i++ {
		assert.False(t, tl[i].Timestamp.Before(tl[i-1].Timestamp))
	}
}

package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediaops/mediaops/internal/config"
	"github.com/mediaops/mediaops/internal/invalidation"
	"github.com/mediaops/mediaops/internal/metrics"
	"github.com/mediaops/mediaops/pkg/errors"
)

// ExecStatus is the lifecycle status of one rollback execution.
type ExecStatus string

const (
	ExecIdle        ExecStatus = "Idle"
	ExecValidating  ExecStatus = "Validating"
	ExecExecuting   ExecStatus = "Executing"
	ExecMonitoring  ExecStatus = "Monitoring"
	ExecCompleted   ExecStatus = "Completed"
	ExecFailed      ExecStatus = "Failed"
	ExecUnconfirmed ExecStatus = "RolledBackUnconfirmed"
)

// terminal reports whether a status admits no further transitions.
func (s ExecStatus) terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecUnconfirmed
}

// Phase names within Executing.
const (
	PhaseInvalidateCDN = "invalidate_cdn_paths"
	PhaseRestoreConfig = "restore_last_known_good"
	PhaseVerifyHealth  = "verify_health"
	PhaseCooldownWatch = "cooldown_watch"
)

// TimelineEntry records one state or phase transition.
type TimelineEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Status    ExecStatus `json:"status"`
	Phase     string     `json:"phase,omitempty"`
	Message   string     `json:"message"`
}

// TriggerRequest describes a manual rollback request.
type TriggerRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
	InitiatedBy string `json:"initiatedBy"`
	Urgent      bool   `json:"urgent"`
}

// Execution is the record of one rollback run.
type Execution struct {
	ID          string          `json:"id"`
	Status      ExecStatus      `json:"status"`
	Phase       string          `json:"phase,omitempty"`
	Progress    int             `json:"progress"`
	Reason      string          `json:"reason"`
	Description string          `json:"description,omitempty"`
	InitiatedBy string          `json:"initiatedBy"`
	TriggerID   string          `json:"triggerId,omitempty"`
	TriggerType TriggerType     `json:"triggerType,omitempty"`
	Urgent      bool            `json:"urgent"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timeline    []TimelineEntry `json:"timeline"`
}

// ConfigGateway is the storage surface the orchestrator drives.
type ConfigGateway interface {
	HealthCheck(ctx context.Context) error
	RestoreLastKnownGood(ctx context.Context) error
}

// Invalidator purges CDN paths during the rollback phases.
type Invalidator interface {
	Invalidate(ctx context.Context, paths []string) (*invalidation.Batch, error)
	HealthCheck(ctx context.Context) error
}

// Orchestrator owns the rollback state machine. At most one execution is in
// a non-terminal status at any time; the guard is an in-process
// check-and-set, so rollback authority must stay single-instance.
type Orchestrator struct {
	gateway     ConfigGateway
	invalidator Invalidator
	stats       Stats
	comms       *CommsLog
	cfg         config.RollbackConfig
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	active  *Execution
	history []*Execution
	done    map[string]chan struct{}
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(gateway ConfigGateway, invalidator Invalidator, stats Stats, comms *CommsLog, cfg config.RollbackConfig) *Orchestrator {
	return &Orchestrator{
		gateway:     gateway,
		invalidator: invalidator,
		stats:       stats,
		comms:       comms,
		cfg:         cfg,
		logger:      slog.Default().With("component", "orchestrator"),
		sleep:       sleepDuration,
		done:        make(map[string]chan struct{}),
	}
}

func sleepDuration(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TriggerManual starts a rollback from an operator request. The sustained
// duration requirement does not apply, but the single-active-execution
// guard does: a request while one is active is rejected with no side
// effects on the running execution.
func (o *Orchestrator) TriggerManual(ctx context.Context, req TriggerRequest) (*Execution, error) {
	if req.Reason == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "rollback reason is required").
			WithComponent("orchestrator")
	}
	initiatedBy := req.InitiatedBy
	if initiatedBy == "" {
		initiatedBy = "manual"
	}
	return o.begin(&Execution{
		ID:          uuid.NewString(),
		Reason:      req.Reason,
		Description: req.Description,
		InitiatedBy: initiatedBy,
		Urgent:      req.Urgent,
	})
}

// HandleTrigger starts a rollback from an automatic trigger. Triggers that
// arrive while an execution is active are coalesced into it: logged and
// dropped, never queued.
func (o *Orchestrator) HandleTrigger(tr Trigger) {
	exec, err := o.begin(&Execution{
		ID:          uuid.NewString(),
		Reason:      fmt.Sprintf("%s at %.2f%% exceeded threshold %.2f%%", tr.Type, tr.Value*100, tr.Threshold*100),
		InitiatedBy: "trigger_monitor",
		TriggerID:   tr.ID,
		TriggerType: tr.Type,
	})
	if err != nil {
		o.logger.Warn("trigger coalesced into active execution",
			"trigger", tr.ID, "type", tr.Type, "error", err)
		return
	}
	o.logger.Info("automatic rollback started", "execution", exec.ID, "trigger", tr.ID)
}

// begin performs the check-and-set guard and launches the run goroutine.
func (o *Orchestrator) begin(exec *Execution) (*Execution, error) {
	o.mu.Lock()
	if o.active != nil && !o.active.Status.terminal() {
		activeID := o.active.ID
		o.mu.Unlock()
		return nil, errors.New(errors.ErrCodeExecutionActive, "a rollback execution is already active").
			WithDetail("active_execution_id", activeID).
			WithComponent("orchestrator").
			WithOperation("trigger")
	}
	exec.Status = ExecValidating
	exec.StartedAt = time.Now().UTC()
	o.active = exec
	o.history = append(o.history, exec)
	doneCh := make(chan struct{})
	o.done[exec.ID] = doneCh
	o.mu.Unlock()

	o.transition(exec, ExecValidating, "", "rollback execution started: "+exec.Reason, CommAlert, "high")

	// The run outlives the triggering request; it must not inherit the
	// request context.
	go func() {
		defer close(doneCh)
		o.run(context.Background(), exec)
	}()
	return o.snapshot(exec), nil
}

// run drives the phases to a terminal status.
func (o *Orchestrator) run(ctx context.Context, exec *Execution) {
	if err := o.validate(ctx); err != nil {
		o.fail(exec, err)
		return
	}
	o.setProgress(exec, 20)
	o.transition(exec, ExecExecuting, PhaseInvalidateCDN, "validation passed, invalidating CDN paths", CommUpdate, "high")

	if _, err := o.invalidator.Invalidate(ctx, o.cfg.InvalidationPaths); err != nil {
		o.fail(exec, err)
		return
	}
	o.setProgress(exec, 45)
	o.transition(exec, ExecExecuting, PhaseRestoreConfig, "CDN paths invalidated, restoring last known good configuration", CommUpdate, "high")

	if err := o.gateway.RestoreLastKnownGood(ctx); err != nil {
		o.fail(exec, err)
		return
	}
	o.setProgress(exec, 70)
	o.transition(exec, ExecExecuting, PhaseVerifyHealth, "configuration restored, verifying storage health", CommUpdate, "high")

	if err := o.gateway.HealthCheck(ctx); err != nil {
		o.fail(exec, err)
		return
	}
	o.setProgress(exec, 85)
	o.transition(exec, ExecMonitoring, PhaseCooldownWatch,
		fmt.Sprintf("phases complete, watching error rates for %s", o.cfg.CooldownWindow), CommUpdate, "normal")

	recovered := o.cooldownWatch(ctx)
	o.setProgress(exec, 100)
	if recovered {
		o.finish(exec, ExecCompleted, "error rates recovered, rollback confirmed", CommCompletion, "normal")
	} else {
		o.finish(exec, ExecUnconfirmed, "rollback phases completed but error rates did not recover within the cooldown window", CommAlert, "high")
	}
}

// validate checks configuration readiness and provider reachability.
func (o *Orchestrator) validate(ctx context.Context) error {
	if len(o.cfg.InvalidationPaths) == 0 {
		return errors.New(errors.ErrCodeRollbackValidation, "no rollback invalidation paths configured").
			WithComponent("orchestrator")
	}
	for _, p := range o.cfg.InvalidationPaths {
		if err := invalidation.ValidatePath(p); err != nil {
			return errors.New(errors.ErrCodeRollbackValidation, "invalid rollback invalidation path").
				WithCause(err).
				WithContext("path", p).
				WithComponent("orchestrator")
		}
	}
	if err := o.gateway.HealthCheck(ctx); err != nil {
		return errors.New(errors.ErrCodeRollbackValidation, "storage health check failed").
			WithCause(err).
			WithComponent("orchestrator")
	}
	if err := o.invalidator.HealthCheck(ctx); err != nil {
		return errors.New(errors.ErrCodeRollbackValidation, "cdn distribution check failed").
			WithCause(err).
			WithComponent("orchestrator")
	}
	return nil
}

// Validate runs the readiness checks without starting an execution.
func (o *Orchestrator) Validate(ctx context.Context) error {
	return o.validate(ctx)
}

// cooldownWatch polls the error signals over the cooldown window and
// reports whether every signal ended under its threshold.
func (o *Orchestrator) cooldownWatch(ctx context.Context) bool {
	interval := o.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	steps := int(o.cfg.CooldownWindow / interval)
	if steps < 1 {
		steps = 1
	}
	recovered := false
	for i := 0; i < steps; i++ {
		if err := o.sleep(ctx, interval); err != nil {
			return false
		}
		recovered = o.signalsHealthy()
	}
	return recovered
}

func (o *Orchestrator) signalsHealthy() bool {
	checks := []struct {
		source    string
		threshold float64
	}{
		{metrics.SourceCDN, o.cfg.CDNErrorRate},
		{metrics.SourceStorage, o.cfg.StorageErrorRate},
		{metrics.SourceUpload, o.cfg.UploadFailRate},
	}
	for _, c := range checks {
		if c.threshold <= 0 {
			continue
		}
		if o.stats.ErrorRate(c.source).Rate > c.threshold {
			return false
		}
	}
	return true
}

func (o *Orchestrator) fail(exec *Execution, err error) {
	o.mu.Lock()
	exec.Error = err.Error()
	o.mu.Unlock()
	o.logger.Error("rollback execution failed", "execution", exec.ID, "error", err)
	o.finish(exec, ExecFailed, "rollback failed: "+err.Error(), CommAlert, "critical")
}

func (o *Orchestrator) finish(exec *Execution, status ExecStatus, msg string, ct CommType, priority string) {
	o.mu.Lock()
	exec.FinishedAt = time.Now().UTC()
	o.mu.Unlock()
	o.transition(exec, status, "", msg, ct, priority)
}

// transition moves the execution, appends a timeline entry, and records a
// Communication. Every state change goes through here.
func (o *Orchestrator) transition(exec *Execution, status ExecStatus, phase, msg string, ct CommType, priority string) {
	now := time.Now().UTC()
	o.mu.Lock()
	exec.Status = status
	exec.Phase = phase
	exec.Timeline = append(exec.Timeline, TimelineEntry{
		Timestamp: now,
		Status:    status,
		Phase:     phase,
		Message:   msg,
	})
	o.mu.Unlock()

	o.logger.Info("rollback transition",
		"execution", exec.ID, "status", status, "phase", phase)
	if o.comms != nil {
		o.comms.Record(context.Background(), Communication{
			Type:     ct,
			Message:  msg,
			Priority: priority,
			Sender:   "orchestrator",
		})
	}
}

func (o *Orchestrator) setProgress(exec *Execution, p int) {
	o.mu.Lock()
	exec.Progress = p
	o.mu.Unlock()
}

// snapshot copies an execution under the lock so callers never observe a
// record the run goroutine is still mutating.
func (o *Orchestrator) snapshot(exec *Execution) *Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := *exec
	cp.Timeline = append([]TimelineEntry(nil), exec.Timeline...)
	return &cp
}

// Status returns the current execution, or an idle placeholder when none
// has run.
func (o *Orchestrator) Status() *Execution {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil {
		return &Execution{Status: ExecIdle}
	}
	return o.snapshot(active)
}

// History returns all executions, most recent first.
func (o *Orchestrator) History() []*Execution {
	o.mu.Lock()
	ids := make([]*Execution, len(o.history))
	copy(ids, o.history)
	o.mu.Unlock()

	out := make([]*Execution, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, o.snapshot(ids[i]))
	}
	return out
}

// Timeline returns every timeline entry across all executions in
// chronological order.
func (o *Orchestrator) Timeline() []TimelineEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []TimelineEntry
	for _, exec := range o.history {
		out = append(out, exec.Timeline...)
	}
	return out
}

// wait blocks until the given execution reaches a terminal status. Used in
// tests and graceful shutdown.
func (o *Orchestrator) wait(id string) {
	o.mu.Lock()
	ch, ok := o.done[id]
	o.mu.Unlock()
	if ok {
		<-ch
	}
}

// Drain waits for the active execution, if any, to finish.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	var id string
	if o.active != nil && !o.active.Status.terminal() {
		id = o.active.ID
	}
	o.mu.Unlock()
	if id != "" {
		o.wait(id)
	}
}

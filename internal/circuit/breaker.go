// Package circuit provides a provider-call circuit breaker for the storage
// gateway. Sustained transient failures open the breaker so retries stop
// hammering a degraded provider; after a reset timeout a single probe is
// let through to test recovery.
package circuit

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/mediaops/mediaops/pkg/errors"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker.
type Config struct {
	// Consecutive counted failures that trip the breaker.
	FailureThreshold int

	// How long the breaker stays open before allowing a probe.
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts toward the threshold.
	// The default counts only retryable classified errors, so permanent
	// conditions like access-denied never open the breaker.
	IsFailure func(err error) bool
}

// Counts is a snapshot of breaker activity.
type Counts struct {
	Requests            uint64 `json:"requests"`
	Failures            uint64 `json:"failures"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probing  bool
}

func defaultIsFailure(err error) bool {
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return classified.Retryable
	}
	return true
}

func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// Do runs fn if the breaker admits the call and records its outcome.
// When the breaker is open it fails fast with a retryable
// service-unavailable error carrying the breaker name.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return nil
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
	}
	return errors.New(errors.ErrCodeServiceUnavailable, "circuit breaker is open").
		WithComponent("circuit").
		WithContext("breaker", b.name).
		WithDetail("retry_after", b.cfg.ResetTimeout.String())
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Requests++
	failed := err != nil && b.cfg.IsFailure(err)
	if b.state == StateHalfOpen {
		b.probing = false
		if failed {
			b.counts.Failures++
			b.trip()
			return
		}
		b.state = StateClosed
		b.counts.ConsecutiveFailures = 0
		return
	}

	if !failed {
		b.counts.ConsecutiveFailures = 0
		return
	}
	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	if b.state == StateClosed && b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

// trip requires b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/mediaops/mediaops/pkg/errors"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestSuccessFirstAttempt(t *testing.T) {
	attempts, err := New(fastConfig()).Do(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryableThenSuccess(t *testing.T) {
	calls := 0
	attempts, err := New(fastConfig()).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New(errors.ErrCodeNetworkError, "connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", attempts)
	}
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	calls := 0
	attempts, err := New(fastConfig()).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeAccessDenied, "denied")
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("Terminal error must fail after exactly 1 attempt, got %d", attempts)
	}
}

func TestUnclassifiedErrorNotRetried(t *testing.T) {
	attempts, err := New(fastConfig()).Do(context.Background(), func(ctx context.Context) error {
		return stderrors.New("plain error")
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Unclassified errors are terminal, got %d attempts", attempts)
	}
}

func TestExhaustionSurfacesRetryExhausted(t *testing.T) {
	attempts, err := New(fastConfig()).Do(context.Background(), func(ctx context.Context) error {
		return errors.New(errors.ErrCodeThrottled, "slow down")
	})
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !stderrors.Is(err, errors.New(errors.ErrCodeRetryExhausted, "")) {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var seen []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	}
	_, _ = New(cfg).Do(context.Background(), func(ctx context.Context) error {
		return errors.New(errors.ErrCodeServiceUnavailable, "503")
	})
	if len(seen) != 2 {
		t.Errorf("Expected 2 retry callbacks, got %v", seen)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxAttempts = 10

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := New(cfg).Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeNetworkError, "down")
	})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if calls > 2 {
		t.Errorf("Cancellation should stop retries, got %d calls", calls)
	}
}

func TestFixedRetriesThrottling(t *testing.T) {
	calls := 0
	err := Fixed(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeInvalidationThrottled, "too many in progress")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestFixedTerminalStopsEarly(t *testing.T) {
	calls := 0
	err := Fixed(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeDistributionNotFound, "gone")
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Terminal error must not be retried, got %d calls", calls)
	}
}

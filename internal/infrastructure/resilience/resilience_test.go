package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestExecutor_RetryBound(t *testing.T) {
	ex := New[string]("store", fastConfig(5))

	_, calls, err := ex.Do(context.Background(), func(context.Context) (string, error) {
		return "", rperrors.NetworkWrap(errors.New("store unavailable"), "upload", "upload failed")
	})

	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	ex := New[string]("store", fastConfig(5))

	n := 0
	v, calls, err := ex.Do(context.Background(), func(context.Context) (string, error) {
		n++
		if n < 3 {
			return "", rperrors.NetworkWrap(errors.New("503 from store"), "upload", "upload failed")
		}
		return "uploaded", nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if v != "uploaded" || calls != 3 {
		t.Errorf("Do() = %q after %d calls, want uploaded after 3", v, calls)
	}
}

func TestExecutor_PermanentErrorIsNotRetried(t *testing.T) {
	ex := New[string]("store", fastConfig(5))

	_, calls, err := ex.Do(context.Background(), func(context.Context) (string, error) {
		return "", rperrors.Artifact("upload", "bundle missing")
	})

	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecutor_SingleAttemptHasNoRetrier(t *testing.T) {
	ex := New[int]("once", fastConfig(1))

	_, calls, err := ex.Do(context.Background(), func(context.Context) (int, error) {
		return 0, rperrors.NetworkWrap(errors.New("down"), "op", "call failed")
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if s := ex.CircuitBreakerState(); s != "disabled" {
		t.Errorf("CircuitBreakerState() = %q, want disabled", s)
	}
	if err := ex.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestExecutor_NilRunsOnce(t *testing.T) {
	var ex *Executor[int]
	v, calls, err := ex.Do(context.Background(), func(context.Context) (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if v != 42 || calls != 1 {
		t.Errorf("Do() = %d after %d calls, want 42 after 1", v, calls)
	}
}

func TestStoreUploadConfig(t *testing.T) {
	if got := StoreUploadConfig(0).Attempts; got != 5 {
		t.Errorf("StoreUploadConfig(0).Attempts = %d, want 5", got)
	}
	if got := StoreUploadConfig(3).Attempts; got != 3 {
		t.Errorf("StoreUploadConfig(3).Attempts = %d, want 3", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("upload: %w", context.DeadlineExceeded), false},
		{"recoverable structured", rperrors.NetworkWrap(errors.New("reset"), "op", "call failed"), true},
		{"permanent structured", rperrors.Config("op", "bad token"), false},
		{"plain 503", errors.New("store returned 503"), true},
		{"plain 401", errors.New("store returned 401"), false},
		{"plain unknown", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

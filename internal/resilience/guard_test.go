package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCall_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	val, err := Call(context.Background(), cb, time.Second, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Errorf("expected ok, got %q", val)
	}
}

func TestCall_TimesOutWhenDependencyIgnoresContext(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Call(context.Background(), cb, 20*time.Millisecond, func(_ context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call was not bounded: %s", elapsed)
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected timeout to trip the breaker, got %s", cb.State())
	}
}

func TestCall_DependencyHonoursDeadline(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	_, err := Call(context.Background(), cb, 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
}

func TestCall_RecoversPanic(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	_, err := Call(context.Background(), cb, time.Second, func(_ context.Context) (int, error) {
		panic("index out of range")
	})
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Value != "index out of range" {
		t.Errorf("unexpected panic value %v", pe.Value)
	}
}

func TestCall_ParentCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, cb, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("cancellation must not trip the breaker, got %s", cb.State())
	}
}

func TestCall_OpenCircuitShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("down") })

	called := false
	_, err := Call(context.Background(), cb, time.Second, func(_ context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("dependency must not be called while the circuit is open")
	}
}

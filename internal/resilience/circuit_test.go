package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("anthropic: 529 overloaded")

// testBreaker returns a breaker whose clock the test advances by hand.
func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	now := time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errUpstream })
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	fail(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())

	fail(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("call must not reach an open dependency")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessClearsFailures(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	fail(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	fail(cb, 2)

	assert.Equal(t, CircuitClosed, cb.State(), "failures must be consecutive")
}

func TestCircuitBreaker_ProbeClosesAfterCooldown(t *testing.T) {
	cb, now := testBreaker(1, 30*time.Second)
	fail(cb, 1)
	require.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(29 * time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return nil }), ErrCircuitOpen)

	*now = now.Add(time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, now := testBreaker(3, 30*time.Second)
	fail(cb, 3)

	*now = now.Add(time.Minute)
	fail(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State(), "one failed probe reopens regardless of threshold")

	*now = now.Add(10 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State(), "cooldown restarts from the failed probe")
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	cb, now := testBreaker(1, time.Second)
	fail(cb, 1)
	*now = now.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Concurrent extraction workers must not pile onto a recovering API.
	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(cb.Execute(context.Background(), func(context.Context) error { return nil }), ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), rejected.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	cb, _ := testBreaker(1, time.Minute)

	err := cb.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())

	fail(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	invalid := errors.New("invalid model output")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return IsTransient(err) },
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return invalid })
	assert.Equal(t, CircuitClosed, cb.State(), "permanent errors say nothing about availability")

	_ = cb.Execute(context.Background(), func(context.Context) error { return NewTransientError(errUpstream, 529) })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	fail(cb, 3)
	now = now.Add(time.Second)
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestExecuteVal(t *testing.T) {
	cb, _ := testBreaker(1, time.Minute)

	n, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, _ = ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 0, errUpstream })
	n, err = ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 7, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, n)
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	assert.Empty(t, sb.States())

	anthropic := sb.Get(ServiceAnthropic)
	assert.Same(t, anthropic, sb.Get(ServiceAnthropic))
	sb.Get(ServiceAuditStore)

	fail(anthropic, 1)
	assert.Equal(t, map[string]string{
		ServiceAnthropic:  "open",
		ServiceAuditStore: "closed",
	}, sb.States())
}

func TestServiceBreakers_ConcurrentGet(t *testing.T) {
	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())
	got := make([]*CircuitBreaker, 16)

	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = sb.Get(ServiceSourceIndex)
		}(i)
	}
	wg.Wait()

	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

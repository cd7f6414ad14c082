//nolint:testpackage // drives the breaker clock directly
package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errUnavailable = errors.New("unavailable")
	errRejected    = errors.New("rejected")
)

func newTestBreaker(clock *time.Time) *Breaker {
	b := New(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		ShouldTrip:       func(err error) bool { return errors.Is(err, errUnavailable) },
	})
	b.now = func() time.Time { return *clock }
	return b
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := time.Now()
	b := newTestBreaker(&clock)
	fail := func() error { return errUnavailable }

	for range 2 {
		if err := b.Execute(t.Context(), fail); !errors.Is(err, errUnavailable) {
			t.Fatalf("Execute() error = %v, want errUnavailable", err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	called := false
	err := b.Execute(t.Context(), func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() on open circuit error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn was called while the circuit was open")
	}
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	t.Parallel()

	clock := time.Now()
	b := newTestBreaker(&clock)
	for range 2 {
		_ = b.Execute(t.Context(), func() error { return errUnavailable })
	}

	clock = clock.Add(2 * time.Minute)

	if err := b.Execute(t.Context(), func() error { return nil }); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed after a successful trial call", b.State())
	}
}

func TestBreaker_IgnoresNonTrippingErrors(t *testing.T) {
	t.Parallel()

	clock := time.Now()
	b := newTestBreaker(&clock)

	for range 5 {
		_ = b.Execute(t.Context(), func() error { return errRejected })
	}

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed; rejected errors must not trip the breaker", b.State())
	}
}

func TestBreaker_CancelledContext(t *testing.T) {
	t.Parallel()

	clock := time.Now()
	b := newTestBreaker(&clock)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
}

package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New(DefaultConfig())

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want %v", b.State(), StateClosed)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Errorf("State() = %v, want %v", b.State(), StateOpen)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() error = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want %v after interleaved success", b.State(), StateClosed)
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() error = %v, want ErrOpen", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown error = %v, want nil", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("State() = %v, want %v", b.State(), StateHalfOpen)
	}
}

func TestBreaker_ClosesAfterProbeSuccesses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want %v after one probe success", b.State(), StateHalfOpen)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want %v", b.State(), StateClosed)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Errorf("State() = %v, want %v", b.State(), StateOpen)
	}
}

func TestBreaker_Do(t *testing.T) {
	b := New(Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute})

	boom := errors.New("boom")
	fail := func() error { return boom }

	if err := b.Do(fail); !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want boom", err)
	}
	if err := b.Do(fail); !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want boom", err)
	}

	// Breaker is now open; the function must not run.
	ran := false
	err := b.Do(func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Do() error = %v, want ErrOpen", err)
	}
	if ran {
		t.Error("Do() ran the function while open")
	}
}

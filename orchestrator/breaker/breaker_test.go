package breaker

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream down")

func failing() (interface{}, error) { return nil, errUpstream }
func succeeding() (interface{}, error) { return "ok", nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("fetch", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2})

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if b.GetState() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.GetState())
	}

	// Fourth call must be refused without invoking the function.
	invoked := false
	_, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return nil, nil
	})
	var open *OpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if invoked {
		t.Fatal("breaker invoked the function while open")
	}
	if open.FailureCount != 3 {
		t.Fatalf("OpenError.FailureCount = %d, want 3", open.FailureCount)
	}
}

func TestBreaker_RecoveryCycle(t *testing.T) {
	b := New("fetch", Config{FailureThreshold: 3, RecoveryTimeout: 50 * time.Millisecond, SuccessThreshold: 2})

	for i := 0; i < 3; i++ {
		b.Execute(failing)
	}
	if b.GetState() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.GetState())
	}

	time.Sleep(60 * time.Millisecond)

	// First probe transitions to HALF_OPEN and succeeds.
	if _, err := b.Execute(succeeding); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.GetState() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after one probe success, got %s", b.GetState())
	}

	// Second success closes the circuit and clears the failure count.
	if _, err := b.Execute(succeeding); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if b.GetState() != StateClosed {
		t.Fatalf("expected CLOSED after success threshold, got %s", b.GetState())
	}
	if got := b.Stats().CurrentFailureCount; got != 0 {
		t.Fatalf("failure count after recovery = %d, want 0", got)
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New("fetch", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 2})

	b.Execute(failing)
	if b.GetState() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.GetState())
	}

	time.Sleep(30 * time.Millisecond)
	b.Execute(failing) // probe fails
	if b.GetState() != StateOpen {
		t.Fatalf("expected re-OPEN after failed probe, got %s", b.GetState())
	}
}

func TestBreaker_StatsInvariant(t *testing.T) {
	b := New("fetch", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	b.Execute(succeeding)
	b.Execute(failing)
	b.Execute(failing) // opens
	b.Execute(succeeding)
	b.Execute(succeeding) // both blocked

	s := b.Stats()
	if s.TotalRequests != s.TotalSuccesses+s.TotalFailures+s.CircuitBlocked {
		t.Fatalf("invariant broken: total=%d succ=%d fail=%d blocked=%d",
			s.TotalRequests, s.TotalSuccesses, s.TotalFailures, s.CircuitBlocked)
	}
	if s.CircuitBlocked != 2 {
		t.Fatalf("blocked = %d, want 2", s.CircuitBlocked)
	}
	// Blocked calls never count toward the failure rate.
	want := float64(s.TotalFailures) / float64(s.TotalFailures+s.TotalSuccesses)
	if s.FailureRate != want {
		t.Fatalf("failure rate = %v, want %v", s.FailureRate, want)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New("fetch", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	b.Execute(failing)
	if b.GetState() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.GetState())
	}

	b.Reset()
	if b.GetState() != StateClosed {
		t.Fatalf("expected CLOSED after reset, got %s", b.GetState())
	}
	if _, err := b.Execute(succeeding); err != nil {
		t.Fatalf("call after reset failed: %v", err)
	}
}

func TestRegistry_SharedByName(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	r.Get("fetch").Execute(failing)
	if got := r.Get("fetch").GetState(); got != StateOpen {
		t.Fatalf("second Get returned fresh breaker, state = %s", got)
	}
	if got := r.Get("embed").GetState(); got != StateClosed {
		t.Fatalf("breakers not independent per name, embed state = %s", got)
	}

	if !r.Reset("fetch") {
		t.Fatal("Reset returned false for known breaker")
	}
	if r.Reset("nope") {
		t.Fatal("Reset returned true for unknown breaker")
	}

	stats := r.AllStats()
	if len(stats) != 2 {
		t.Fatalf("AllStats returned %d entries, want 2", len(stats))
	}
}

package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ErrorPct:       50,
		WindowDuration: time.Second,
		OpenDuration:   30 * time.Millisecond,
		HalfOpenProbes: 2,
	}
}

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 100; i++ {
		b.RecordFailure()
	}
	if !b.Allow() {
		t.Fatal("disabled breaker rejected a request")
	}
}

func TestTripsOnErrorRate(t *testing.T) {
	b := New(testConfig())
	b.RecordSuccess()
	b.RecordFailure() // 50% error rate meets the threshold

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a request")
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("breaker did not trip: %s", b.State())
	}

	time.Sleep(40 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe not allowed after open duration")
	}
	if !b.Allow() {
		t.Fatal("second probe not allowed")
	}
	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("breaker did not close after successful probes: %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe not allowed")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen the breaker: %s", b.State())
	}
}

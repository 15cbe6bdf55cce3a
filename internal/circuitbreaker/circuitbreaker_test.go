package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// TestCircuitBreaker_OpensAfterThreshold verifies that the breaker opens after
// FailureThreshold consecutive failures and then disallows fetches.
func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newClock()
	cb := New("tempest", Config{FailureThreshold: 3, Timeout: time.Minute, Now: clock.Now})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Fatalf("after %d failures state = %s, want closed", i+1, cb.State())
		}
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("Allow() = true while open, want false")
	}
}

// TestCircuitBreaker_HalfOpenProbe verifies that the timeout moves an open
// breaker to half-open, that successes close it, and that a failed probe
// reopens it.
func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newClock()
	var transitions []string
	cb := New("tempest", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		Now:              clock.Now,
		OnStateChange: func(source string, from, to State) {
			transitions = append(transitions, source+":"+from.String()+"->"+to.String())
		},
	})

	cb.RecordFailure()
	clock.Advance(61 * time.Second)
	if !cb.Allow() {
		t.Fatal("Allow() = false after timeout, want true")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("failed probe: state = %s, want open", cb.State())
	}

	clock.Advance(61 * time.Second)
	cb.Allow()
	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("one success: state = %s, want half_open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}

	want := []string{
		"tempest:closed->open",
		"tempest:open->half_open",
		"tempest:half_open->open",
		"tempest:open->half_open",
		"tempest:half_open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

// TestCircuitBreaker_Recovery verifies the recovery streak: zero Since for a
// source that never failed, a streak start stamped on the first success after
// a failure, and a reset on the next failure.
func TestCircuitBreaker_Recovery(t *testing.T) {
	clock := newClock()
	cb := New("tempest", Config{FailureThreshold: 5, Now: clock.Now})

	cb.RecordSuccess()
	cb.RecordSuccess()
	r := cb.Recovery()
	if r.Cycles != 2 || !r.Since.IsZero() {
		t.Errorf("never failed: Recovery() = %+v, want 2 cycles and zero Since", r)
	}

	cb.RecordFailure()
	if r := cb.Recovery(); r.Cycles != 0 || !r.Since.IsZero() {
		t.Errorf("after failure: Recovery() = %+v, want empty", r)
	}

	clock.Advance(time.Minute)
	start := clock.Now()
	cb.RecordSuccess()
	clock.Advance(time.Minute)
	cb.RecordSuccess()
	cb.RecordSuccess()
	r = cb.Recovery()
	if r.Cycles != 3 {
		t.Errorf("Cycles = %d, want 3", r.Cycles)
	}
	if !r.Since.Equal(start) {
		t.Errorf("Since = %v, want %v", r.Since, start)
	}
}

// TestRegistry_For verifies that the registry returns one breaker per source
// and reports every known state.
func TestRegistry_For(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1})
	a := reg.For("tempest")
	if reg.For("tempest") != a {
		t.Error("For() returned a different breaker for the same source")
	}
	reg.For("metar").RecordFailure()

	states := reg.States()
	if len(states) != 2 {
		t.Fatalf("States() len = %d, want 2", len(states))
	}
	if states["tempest"] != StateClosed {
		t.Errorf("tempest = %s, want closed", states["tempest"])
	}
	if states["metar"] != StateOpen {
		t.Errorf("metar = %s, want open", states["metar"])
	}
}

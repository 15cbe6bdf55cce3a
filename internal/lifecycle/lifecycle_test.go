package lifecycle

import "testing"

// TestCurrentPhase_DefaultStarting verifies that the process starts in PhaseStarting.
func TestCurrentPhase_DefaultStarting(t *testing.T) {
	if got := Phase(0); got != PhaseStarting {
		t.Errorf("zero Phase = %v, want starting", got)
	}
}

// TestSetShuttingDown verifies the draining transitions.
func TestSetShuttingDown(t *testing.T) {
	defer SetPhase(PhaseStarting)

	SetPhase(PhaseServing)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true while serving, want false")
	}
	SetShuttingDown(true)
	if !IsShuttingDown() || CurrentPhase().String() != "shutting-down" {
		t.Errorf("after SetShuttingDown(true) phase = %v", CurrentPhase())
	}
	SetShuttingDown(false)
	if IsShuttingDown() || CurrentPhase() != PhaseServing {
		t.Errorf("after SetShuttingDown(false) phase = %v, want serving", CurrentPhase())
	}
}

// TestSetShuttingDown_FalseKeepsStarting verifies that clearing the flag does
// not mark a starting process as serving.
func TestSetShuttingDown_FalseKeepsStarting(t *testing.T) {
	defer SetPhase(PhaseStarting)
	SetPhase(PhaseStarting)
	SetShuttingDown(false)
	if CurrentPhase() != PhaseStarting {
		t.Errorf("phase = %v, want starting", CurrentPhase())
	}
}

// Package lifecycle holds the process phase read by the health endpoint.
package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase.
type Phase int32

const (
	// PhaseStarting is set until the first refresh round has completed.
	PhaseStarting Phase = iota
	PhaseServing
	// PhaseDraining is set when SIGTERM/SIGINT is received.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

var phase atomic.Int32

// SetPhase records the current phase.
func SetPhase(p Phase) {
	phase.Store(int32(p))
}

// CurrentPhase returns the current phase.
func CurrentPhase() Phase {
	return Phase(phase.Load())
}

// SetShuttingDown moves the process into (or back out of) draining.
// Health returns 503 with status shutting-down while draining.
func SetShuttingDown(v bool) {
	if v {
		SetPhase(PhaseDraining)
		return
	}
	phase.CompareAndSwap(int32(PhaseDraining), int32(PhaseServing))
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return CurrentPhase() == PhaseDraining
}

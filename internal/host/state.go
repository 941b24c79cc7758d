// Package host instantiates plugins, runs their lifecycle, and monitors
// their health. The Host owns the instance arena; all access goes through
// its methods, never ambient globals.
package host

// State is a plugin instance's lifecycle state.
type State string

const (
	StateDiscovered   State = "discovered"
	StateResolved     State = "resolved"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// validTransitions encodes the lifecycle state machine:
// Discovered → Resolved → Initializing → Running ⇄ Degraded → Stopped/Failed.
// Setup failure during Initializing goes straight to Failed; there is no
// partially-Running state.
var validTransitions = map[State][]State{
	StateDiscovered:   {StateResolved, StateFailed},
	StateResolved:     {StateInitializing, StateFailed},
	StateInitializing: {StateRunning, StateFailed},
	StateRunning:      {StateDegraded, StateStopped, StateFailed},
	StateDegraded:     {StateRunning, StateInitializing, StateStopped, StateFailed},
	StateStopped:      {StateInitializing},
	StateFailed:       {StateInitializing},
}

// canTransition reports whether from → to is a legal lifecycle move.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

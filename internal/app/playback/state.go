// Package playback provides real-time track playback: the emission queue, the worker that
// drains it and the controller that owns their lifecycle.
package playback

// State represents the controller playback state.
type State int32

const (
	StateStopped State = iota // No worker live
	StateRunning              // Exactly one worker live
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// WorkerState represents the lifecycle state of a single worker.
type WorkerState int32

const (
	WorkerCreated  WorkerState = iota // Not started yet
	WorkerRunning                     // Draining the queue
	WorkerStopping                    // Stop requested, loop not yet exited
	WorkerStopped                     // Terminal
)

// String returns the string representation of the worker state.
func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

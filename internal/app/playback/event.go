package playback

// EventType represents a playback status event type.
type EventType int

const (
	EventLoadStarted  EventType = iota // Track source started loading
	EventLoadFinished                  // Track source finished loading
	EventLoadError                     // A point or the whole load failed
	EventStateChanged                  // Playback state changed (running/stopped)
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventLoadStarted:
		return "load_started"
	case EventLoadFinished:
		return "load_finished"
	case EventLoadError:
		return "load_error"
	case EventStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Event represents a playback status event.
type Event struct {
	Type      EventType
	SessionID string // Session the event belongs to (empty if none loaded)
	State     State  // Current playback state
	Message   string // Error message (EventLoadError only)
	Fatal     bool   // The whole load failed and the session is discarded (EventLoadError only)
}

package engine

// State is the orchestrator lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Active
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

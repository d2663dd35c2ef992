package pipeline

// State is the lifecycle of one processing loop instance.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

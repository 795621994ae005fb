package worker

// State is a worker lifecycle state.
type State int32

const (
	// StateNew is the initial state before Run is invoked.
	StateNew State = iota
	// StatePoweringOn covers the poweron checks.
	StatePoweringOn
	// StateRunning covers the main processing loop.
	StateRunning
	// StatePoweringOff covers the poweroff checks after the loop exits.
	StatePoweringOff
	// StateStopped is the terminal state of a graceful shutdown.
	StateStopped
	// StateTerminated is the absorbing state entered on forced
	// termination; the poweroff checks are skipped.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePoweringOn:
		return "powering_on"
	case StateRunning:
		return "running"
	case StatePoweringOff:
		return "powering_off"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Final reports whether the state is terminal.
func (s State) Final() bool {
	return s == StateStopped || s == StateTerminated
}

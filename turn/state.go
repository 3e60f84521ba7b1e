package turn

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle means no turn is open.
	StateIdle State = iota
	// StateOpen means a turn was started and telemetry is accumulating.
	StateOpen
	// StateFinalizing means Finalize is assembling and persisting the record.
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

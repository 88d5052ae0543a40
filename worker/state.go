package worker

// State is the lifecycle state of a Loop.
type State int32

const (
	// StateInit means Run has not validated its configuration yet
	StateInit State = iota
	// StateDeclaringTopology means the exchanges and queues are being declared
	StateDeclaringTopology
	// StateConsuming means deliveries are being processed
	StateConsuming
	// StateTerminated means the consumer was cancelled and Run returned normally
	StateTerminated
	// StateRestartRequired means the connection is gone and the process must restart
	StateRestartRequired
	// StateFailed means Run stopped on a configuration, topology, decode or broker error
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDeclaringTopology:
		return "declaring_topology"
	case StateConsuming:
		return "consuming"
	case StateTerminated:
		return "terminated"
	case StateRestartRequired:
		return "restart_required"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

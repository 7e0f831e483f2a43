package mqtt

// State is the lifecycle state of a Manager
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRecovering:
		return "RECOVERING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Role decides whether the manager subscribes after connecting
type Role string

const (
	RoleSubscriber Role = "subscriber"
	RolePublisher  Role = "publisher"
)

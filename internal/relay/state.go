package relay

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle       State = iota // telephony connected, no start frame yet
	StateConnecting              // start received, realtime connection opening
	StateActive                  // relaying both directions
	StateClosing                 // teardown in progress
	StateClosed                  // resources released, out of the registry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminal reports whether s is Closing or Closed.
func (s State) terminal() bool {
	return s >= StateClosing
}

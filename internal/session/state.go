package session

// State is the session lifecycle position. It only moves forward.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConnectAck
	StateSubscribing
	StateReceiving
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConnectAck:
		return "awaiting-connect-ack"
	case StateSubscribing:
		return "subscribing"
	case StateReceiving:
		return "receiving"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

package recognize

// ConnectionState tracks the lifecycle of one transcription socket.
//
// Unopened -> Initializing -> AwaitingReady -> Streaming -> Draining -> Closed
//
// Errored is absorbing and reachable from any non-terminal state.
type ConnectionState int32

const (
	// StateUnopened is the initial state before Open.
	StateUnopened ConnectionState = iota

	// StateInitializing means the transport dial is in flight.
	StateInitializing

	// StateAwaitingReady means the handshake was sent and the socket is
	// waiting for the service's first readiness signal.
	StateAwaitingReady

	// StateStreaming means the service acknowledged readiness and binary
	// audio may be transmitted.
	StateStreaming

	// StateDraining means the stop message was acknowledged and the socket
	// is closing down cleanly.
	StateDraining

	// StateClosed is the clean terminal state.
	StateClosed

	// StateErrored is the failure terminal state.
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateInitializing:
		return "initializing"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

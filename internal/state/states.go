// Package state provides the finite state machine for the WhatsApp session lifecycle.
package state

// State represents a phase of the single transport session.
type State string

const (
	// StateInitializing is the phase between process start (or a restart)
	// and the first lifecycle signal from the transport.
	StateInitializing State = "initializing"

	// Pairing and login phases.
	StateQRPending     State = "qr_pending"
	StateAuthenticated State = "authenticated"
	StateLoading       State = "loading"

	// StateConnected is the normal operating state; dispatch is allowed.
	StateConnected State = "connected"

	// Failure phases.
	StateAuthFailure  State = "auth_failure"
	StateDisconnected State = "disconnected"
	StateError        State = "error"

	// StateRestarting covers teardown until re-initialization fires.
	StateRestarting State = "restarting"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsDispatchable returns true if the session phase permits sending messages.
// The ready flag is checked separately; see Machine.IsReady.
func (s State) IsDispatchable() bool {
	switch s {
	case StateConnected, StateAuthenticated:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states that only a restart can leave.
func (s State) IsTerminal() bool {
	switch s {
	case StateAuthFailure, StateError:
		return true
	default:
		return false
	}
}

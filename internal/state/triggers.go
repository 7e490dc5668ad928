package state

// Trigger represents a lifecycle event that causes a state transition.
type Trigger string

const (
	TriggerQRIssued       Trigger = "qr_issued"
	TriggerAuthenticated  Trigger = "authenticated"
	TriggerReady          Trigger = "ready"
	TriggerLoading        Trigger = "loading"
	TriggerAuthFailure    Trigger = "auth_failure"
	TriggerDisconnected   Trigger = "disconnected"
	TriggerTransportFault Trigger = "transport_fault"
	TriggerRestart        Trigger = "restart"
	TriggerInitialize     Trigger = "initialize"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}

// Package session manages the single long-lived WhatsApp session: it owns
// the lifecycle state machine, consumes transport events in arrival order,
// and provides explicit restart control.
package session

import (
	"time"
)

// EventKind represents the type of lifecycle event from the transport.
type EventKind int

const (
	EventQRIssued EventKind = iota
	EventAuthenticated
	EventReady
	EventLoading
	EventAuthFailure
	EventDisconnected
)

// String returns the string representation of the event kind.
func (e EventKind) String() string {
	switch e {
	case EventQRIssued:
		return "qr_issued"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventLoading:
		return "loading"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// LifecycleEvent is a lifecycle signal emitted by the transport collaborator.
type LifecycleEvent struct {
	Kind      EventKind
	QRCode    string // set for EventQRIssued
	Percent   int    // set for EventLoading
	Detail    string
	Timestamp time.Time
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind) LifecycleEvent {
	return LifecycleEvent{Kind: kind, Timestamp: time.Now()}
}

package session

import (
	"context"
)

// Transport is the external collaborator that implements the actual
// connection to the messaging network. It reports lifecycle signals on the
// Events channel and is torn down and re-initialized across restarts.
type Transport interface {
	// Initialize establishes the connection. Lifecycle events start flowing
	// on the Events channel once called.
	Initialize(ctx context.Context) error

	// Destroy tears the connection down. The Events channel stays open so a
	// later Initialize reuses it.
	Destroy() error

	// SendText sends a text message and returns the transport-assigned
	// message ID.
	SendText(ctx context.Context, jid string, text string) (string, error)

	// ConnectionState queries the transport's own view of the connection.
	ConnectionState(ctx context.Context) (string, error)

	// Events returns the lifecycle event channel. Events are delivered in
	// the order the transport observed them.
	Events() <-chan LifecycleEvent
}

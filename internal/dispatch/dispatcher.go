package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harundwi/wa-gateway/internal/phone"
	"github.com/harundwi/wa-gateway/internal/state"
)

// Sentinel errors a transport implementation wraps so outcomes can be
// classified structurally instead of by message text.
var (
	ErrRecipientInvalid      = errors.New("chat not found")
	ErrRecipientUnregistered = errors.New("phone number is not registered")
	ErrTransportFault        = errors.New("transport evaluation failed")
)

// NotReadyError is returned when dispatch is rejected before any transport
// call is made.
type NotReadyError struct {
	State state.State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session not ready, current state: %s", e.State)
}

// Sender is the transport send operation the coordinator invokes.
type Sender interface {
	SendText(ctx context.Context, jid string, text string) (string, error)
}

// Dispatcher gates sends on session readiness, applies a fixed pacing delay,
// and classifies transport failures. Concurrent dispatches may overlap; the
// readiness gate and the machine provide the only synchronization needed.
type Dispatcher struct {
	machine *state.Machine
	sender  Sender
	pacing  time.Duration
	log     *slog.Logger
}

// New creates a Dispatcher. pacing is the fixed delay applied before every
// transport send, a deliberate throttle against rate-limit detection on the
// underlying network.
func New(machine *state.Machine, sender Sender, pacing time.Duration, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		machine: machine,
		sender:  sender,
		pacing:  pacing,
		log:     log,
	}
}

// Dispatch sends payload to addr. Failures surface as outcome values; the
// only errors returned are the readiness rejection (before any transport
// call) and context cancellation during pacing.
func (d *Dispatcher) Dispatch(ctx context.Context, addr phone.Address, payload string) (Outcome, error) {
	st := d.machine.MustState()
	if !d.machine.IsReady() || !st.IsDispatchable() {
		return Outcome{}, &NotReadyError{State: st}
	}

	if d.pacing > 0 {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(d.pacing):
		}
	}

	id, err := d.sender.SendText(ctx, addr.JID(), payload)
	if err == nil {
		d.log.Info("message dispatched", "to", addr.JID(), "message_id", id)
		return Outcome{Kind: KindSent, MessageID: id}, nil
	}

	out := d.classify(err)
	d.log.Warn("dispatch failed", "to", addr.JID(), "outcome", out.Kind, "error", err)

	// A transport-internal fault means the session itself is unhealthy, not
	// just this recipient: demote global session health.
	if out.Kind == KindTransportFaulted {
		if smErr := d.machine.Fire(context.Background(), state.TriggerTransportFault); smErr != nil {
			d.log.Error("state transition failed", "trigger", state.TriggerTransportFault, "error", smErr)
		}
	}

	return out, nil
}

// classify maps a send failure to an outcome. Structured sentinel checks come
// first; substring matching on the failure text is a fallback only, since the
// transport library's phrasing is not a stable contract.
func (d *Dispatcher) classify(err error) Outcome {
	msg := err.Error()

	switch {
	case errors.Is(err, ErrRecipientInvalid) || containsFold(msg, "chat not found"):
		return Outcome{Kind: KindRecipientInvalid, Detail: msg}
	case errors.Is(err, ErrRecipientUnregistered) || containsFold(msg, "not registered"):
		return Outcome{Kind: KindRecipientUnregistered, Detail: msg}
	case errors.Is(err, ErrTransportFault) || containsFold(msg, "evaluation failed"):
		return Outcome{Kind: KindTransportFaulted, Detail: msg}
	default:
		return Outcome{Kind: KindUnknown, Detail: msg}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

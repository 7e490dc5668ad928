package state

import (
	"context"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Timings holds the grace-period durations. The transport's "authenticated"
// and "loading complete" signals are observed to precede true operational
// readiness by a few seconds; absent a contradicting event within the grace
// window the machine promotes itself to Connected.
type Timings struct {
	AuthGrace    time.Duration
	LoadingGrace time.Duration
}

// DefaultTimings returns the empirically chosen grace periods.
func DefaultTimings() Timings {
	return Timings{
		AuthGrace:    5 * time.Second,
		LoadingGrace: 3 * time.Second,
	}
}

// Machine wraps the stateless state machine with session-specific behavior:
// a cached ready flag and fire-once grace timers. All mutation funnels
// through Fire and the Notify helpers; there is no external way to set state.
type Machine struct {
	sm      *stateless.StateMachine
	timings Timings

	readyMu sync.RWMutex
	ready   bool

	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Initializing.
func NewMachine(t Timings) *Machine {
	m := &Machine{
		timings:   t,
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateInitializing)

	sm.Configure(StateInitializing).
		Permit(TriggerQRIssued, StateQRPending).
		Permit(TriggerAuthenticated, StateAuthenticated).
		Permit(TriggerReady, StateConnected).
		Permit(TriggerLoading, StateLoading).
		Permit(TriggerAuthFailure, StateAuthFailure).
		Permit(TriggerDisconnected, StateDisconnected).
		Permit(TriggerTransportFault, StateError).
		Permit(TriggerRestart, StateRestarting)

	// QR codes rotate, so the issue event re-enters QRPending.
	sm.Configure(StateQRPending).
		PermitReentry(TriggerQRIssued).
		Permit(TriggerAuthenticated, StateAuthenticated).
		Permit(TriggerReady, StateConnected).
		Permit(TriggerLoading, StateLoading).
		Permit(TriggerAuthFailure, StateAuthFailure).
		Permit(TriggerDisconnected, StateDisconnected).
		Permit(TriggerTransportFault, StateError).
		Permit(TriggerRestart, StateRestarting)

	sm.Configure(StateAuthenticated).
		PermitReentry(TriggerAuthenticated).
		Permit(TriggerReady, StateConnected).
		Permit(TriggerLoading, StateLoading).
		Permit(TriggerQRIssued, StateQRPending).
		Permit(TriggerAuthFailure, StateAuthFailure).
		Permit(TriggerDisconnected, StateDisconnected).
		Permit(TriggerTransportFault, StateError).
		Permit(TriggerRestart, StateRestarting)

	sm.Configure(StateLoading).
		PermitReentry(TriggerLoading).
		Permit(TriggerReady, StateConnected).
		Permit(TriggerAuthenticated, StateAuthenticated).
		Permit(TriggerQRIssued, StateQRPending).
		Permit(TriggerAuthFailure, StateAuthFailure).
		Permit(TriggerDisconnected, StateDisconnected).
		Permit(TriggerTransportFault, StateError).
		Permit(TriggerRestart, StateRestarting)

	sm.Configure(StateConnected).
		PermitReentry(TriggerReady).
		Permit(TriggerAuthenticated, StateAuthenticated).
		Permit(TriggerLoading, StateLoading).
		Permit(TriggerQRIssued, StateQRPending).
		Permit(TriggerAuthFailure, StateAuthFailure).
		Permit(TriggerDisconnected, StateDisconnected).
		Permit(TriggerTransportFault, StateError).
		Permit(TriggerRestart, StateRestarting)

	// Terminal until restart.
	sm.Configure(StateAuthFailure).
		Permit(TriggerRestart, StateRestarting)

	// The transport may auto-reconnect; the machine only reflects it.
	sm.Configure(StateDisconnected).
		Permit(TriggerQRIssued, StateQRPending).
		Permit(TriggerAuthenticated, StateAuthenticated).
		Permit(TriggerReady, StateConnected).
		Permit(TriggerLoading, StateLoading).
		Permit(TriggerAuthFailure, StateAuthFailure).
		Permit(TriggerTransportFault, StateError).
		Permit(TriggerRestart, StateRestarting)

	sm.Configure(StateError).
		Permit(TriggerDisconnected, StateDisconnected).
		Permit(TriggerRestart, StateRestarting)

	// Teardown emits disconnect noise from the transport; swallow it.
	sm.Configure(StateRestarting).
		PermitReentry(TriggerRestart).
		Ignore(TriggerDisconnected).
		Permit(TriggerInitialize, StateInitializing)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		m.updateReady(to)

		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// updateReady maintains the cached ready flag. Entering Connected asserts
// readiness, Authenticated and Loading leave it untouched, everything else
// clears it.
func (m *Machine) updateReady(to State) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()

	switch to {
	case StateConnected:
		m.ready = true
	case StateAuthenticated, StateLoading:
		// unchanged
	default:
		m.ready = false
	}
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) error {
	return m.sm.FireCtx(ctx, trigger)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger)
}

// IsReady returns true while the session is believed capable of dispatching.
func (m *Machine) IsReady() bool {
	m.readyMu.RLock()
	defer m.readyMu.RUnlock()
	return m.ready
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// NotifyAuthenticated records the transport's authenticated signal and arms
// the auth grace timer. If the session is still Authenticated when the timer
// fires it is promoted to Connected. The timer is fire-once and never
// cancelled; the state-equality check at fire time makes a stale timer a
// no-op (e.g. after a disconnect during the grace window).
func (m *Machine) NotifyAuthenticated(ctx context.Context) error {
	if err := m.sm.FireCtx(ctx, TriggerAuthenticated); err != nil {
		return err
	}

	time.AfterFunc(m.timings.AuthGrace, func() {
		if m.MustState() != StateAuthenticated {
			return
		}
		_ = m.Fire(context.Background(), TriggerReady)
	})
	return nil
}

// NotifyLoading records a loading-progress signal. At 100 percent it arms the
// loading grace timer; if the session is still Loading and not yet ready when
// the timer fires it is promoted to Connected.
func (m *Machine) NotifyLoading(ctx context.Context, percent int) error {
	if err := m.sm.FireCtx(ctx, TriggerLoading); err != nil {
		return err
	}

	if percent < 100 {
		return nil
	}

	time.AfterFunc(m.timings.LoadingGrace, func() {
		if m.MustState() != StateLoading || m.IsReady() {
			return
		}
		_ = m.Fire(context.Background(), TriggerReady)
	})
	return nil
}

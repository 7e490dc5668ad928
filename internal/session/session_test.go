package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harundwi/wa-gateway/internal/config"
	"github.com/harundwi/wa-gateway/internal/state"
)

// fakeTransport drives the session from tests by pushing lifecycle events.
type fakeTransport struct {
	events chan LifecycleEvent

	initCalls    atomic.Int64
	destroyCalls atomic.Int64
	initErr      error
	destroyErr   error
	connState    string
	connStateErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan LifecycleEvent, 16)}
}

func (f *fakeTransport) Initialize(ctx context.Context) error {
	f.initCalls.Add(1)
	return f.initErr
}

func (f *fakeTransport) Destroy() error {
	f.destroyCalls.Add(1)
	return f.destroyErr
}

func (f *fakeTransport) SendText(ctx context.Context, jid, text string) (string, error) {
	return "FAKE_ID", nil
}

func (f *fakeTransport) ConnectionState(ctx context.Context) (string, error) {
	return f.connState, f.connStateErr
}

func (f *fakeTransport) Events() <-chan LifecycleEvent {
	return f.events
}

func (f *fakeTransport) emit(kind EventKind) {
	f.events <- NewEvent(kind)
}

func testConfig() *config.Config {
	return &config.Config{
		RestartDelay:     20 * time.Millisecond,
		ReinitMaxRetries: 2,
		ReinitBaseDelay:  5 * time.Millisecond,
		ReinitMaxDelay:   20 * time.Millisecond,
	}
}

func testMachine() *state.Machine {
	return state.NewMachine(state.Timings{
		AuthGrace:    20 * time.Millisecond,
		LoadingGrace: 20 * time.Millisecond,
	})
}

func newTestSession(t *testing.T, transport Transport) *Session {
	t.Helper()
	s := New(testConfig(), testMachine(), transport, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Stop)
	return s
}

func TestSessionInitialState(t *testing.T) {
	s := newTestSession(t, newFakeTransport())
	assert.Equal(t, state.StateInitializing, s.CurrentState())
	assert.False(t, s.IsReady())
}

func TestSessionEventsDriveMachine(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	ft.emit(EventQRIssued)
	require.Eventually(t, func() bool {
		return s.CurrentState() == state.StateQRPending
	}, time.Second, 5*time.Millisecond)

	ft.emit(EventAuthenticated)
	require.Eventually(t, func() bool {
		return s.CurrentState() == state.StateAuthenticated
	}, time.Second, 5*time.Millisecond)

	ft.emit(EventReady)
	require.Eventually(t, func() bool {
		return s.CurrentState() == state.StateConnected && s.IsReady()
	}, time.Second, 5*time.Millisecond)
}

func TestSessionForwardsQRCodes(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	evt := NewEvent(EventQRIssued)
	evt.QRCode = "pairing-code-1"
	ft.events <- evt

	select {
	case code := <-s.QRChannel():
		assert.Equal(t, "pairing-code-1", code)
	case <-time.After(time.Second):
		t.Fatal("QR code not forwarded")
	}
}

func TestSessionDisconnectClearsReady(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	ft.emit(EventReady)
	require.Eventually(t, func() bool { return s.IsReady() }, time.Second, 5*time.Millisecond)

	ft.emit(EventDisconnected)
	require.Eventually(t, func() bool {
		return s.CurrentState() == state.StateDisconnected && !s.IsReady()
	}, time.Second, 5*time.Millisecond)
}

func TestSessionInitializeFaultsOnError(t *testing.T) {
	ft := newFakeTransport()
	ft.initErr = errors.New("socket refused")
	s := newTestSession(t, ft)

	err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, state.StateError, s.CurrentState())
}

func TestSessionInitializeNoFaultOnCancel(t *testing.T) {
	ft := newFakeTransport()
	ft.initErr = context.Canceled
	s := newTestSession(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Initialize(ctx)
	require.Error(t, err)
	assert.Equal(t, state.StateInitializing, s.CurrentState())
}

func TestSessionRestartCycle(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	ft.emit(EventReady)
	require.Eventually(t, func() bool { return s.IsReady() }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.RequestRestart(context.Background()))
	assert.Equal(t, state.StateRestarting, s.CurrentState())
	assert.False(t, s.IsReady())
	assert.EqualValues(t, 1, ft.destroyCalls.Load())

	// After the delay the session re-enters Initializing and reconnects.
	require.Eventually(t, func() bool {
		return ft.initCalls.Load() >= 1 && s.CurrentState() == state.StateInitializing
	}, time.Second, 5*time.Millisecond)
}

func TestSessionRestartIdempotent(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	require.NoError(t, s.RequestRestart(context.Background()))
	require.NoError(t, s.RequestRestart(context.Background()))
	assert.Equal(t, state.StateRestarting, s.CurrentState())
	assert.EqualValues(t, 2, ft.destroyCalls.Load())

	require.Eventually(t, func() bool {
		return ft.initCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSessionRestartTeardownFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.destroyErr = errors.New("teardown failed")
	s := newTestSession(t, ft)

	err := s.RequestRestart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teardown")
}

func TestSessionReinitRetriesThenFaults(t *testing.T) {
	ft := newFakeTransport()
	ft.initErr = errors.New("still down")
	s := newTestSession(t, ft)

	require.NoError(t, s.RequestRestart(context.Background()))

	// Initial attempt plus retries, then the machine lands in error.
	require.Eventually(t, func() bool {
		return s.CurrentState() == state.StateError
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, ft.initCalls.Load(), int64(2))
}

func TestSessionLiveStatePrefersTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.connState = "connecting"
	s := newTestSession(t, ft)

	got, ready := s.LiveState(context.Background())
	assert.Equal(t, "connecting", got)
	assert.False(t, ready)
}

func TestSessionLiveStateFallsBack(t *testing.T) {
	ft := newFakeTransport()
	ft.connStateErr = errors.New("no client")
	s := newTestSession(t, ft)

	got, _ := s.LiveState(context.Background())
	assert.Equal(t, "initializing", got)
}

func TestSessionAuthFailureIsSticky(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	ft.emit(EventAuthFailure)
	require.Eventually(t, func() bool {
		return s.CurrentState() == state.StateAuthFailure
	}, time.Second, 5*time.Millisecond)

	// Late lifecycle noise must not move the machine out of auth failure.
	ft.emit(EventDisconnected)
	ft.emit(EventReady)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, state.StateAuthFailure, s.CurrentState())

	// Only an explicit restart recovers.
	require.NoError(t, s.RequestRestart(context.Background()))
	assert.Equal(t, state.StateRestarting, s.CurrentState())
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/harundwi/wa-gateway/internal/config"
	"github.com/harundwi/wa-gateway/internal/state"
	"github.com/harundwi/wa-gateway/internal/store"
)

// Session owns the single transport session for the process. All lifecycle
// events funnel through one processing goroutine in arrival order; state is
// mutated only via the machine's transition rules.
type Session struct {
	machine   *state.Machine
	transport Transport
	store     *store.Store
	log       *slog.Logger

	restartDelay time.Duration
	reinitBase   time.Duration
	reinitMax    time.Duration
	reinitTries  int

	qrChan chan string

	restartMu    sync.Mutex
	restartTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a session manager and starts its event-processing goroutine.
// The store may be nil; transitions are then only logged.
func New(cfg *config.Config, machine *state.Machine, transport Transport, storeDB *store.Store, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		machine:      machine,
		transport:    transport,
		store:        storeDB,
		log:          log,
		restartDelay: cfg.RestartDelay,
		reinitBase:   cfg.ReinitBaseDelay,
		reinitMax:    cfg.ReinitMaxDelay,
		reinitTries:  cfg.ReinitMaxRetries,
		qrChan:       make(chan string, 10),
		ctx:          ctx,
		cancel:       cancel,
	}

	machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		s.log.Info("state transition", "from", from, "to", to, "trigger", trigger)

		if s.store != nil {
			if err := s.store.Transitions.Log(ctx, from.String(), to.String(), trigger.String()); err != nil {
				s.log.Error("failed to log transition", "error", err)
			}
		}
	})

	s.wg.Add(1)
	go s.processEvents()

	return s
}

// Initialize connects the transport. Lifecycle events drive the machine from
// there; this only fails if the connection attempt itself fails.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.transport.Initialize(ctx); err != nil {
		// Don't fault on clean context cancellation (normal shutdown path).
		if ctx.Err() == nil {
			if smErr := s.machine.Fire(context.Background(), state.TriggerTransportFault); smErr != nil {
				s.log.Error("state transition failed", "trigger", state.TriggerTransportFault, "error", smErr)
			}
		}
		return fmt.Errorf("transport initialize: %w", err)
	}
	return nil
}

// CurrentState returns the current session state.
func (s *Session) CurrentState() state.State {
	return s.machine.MustState()
}

// IsReady returns true if the session is believed dispatch-capable.
func (s *Session) IsReady() bool {
	return s.machine.IsReady()
}

// Machine returns the state machine (used by the dispatcher and tests).
func (s *Session) Machine() *state.Machine {
	return s.machine
}

// LiveState returns the transport's own view of the connection when it can be
// queried, falling back to the last-known machine state.
func (s *Session) LiveState(ctx context.Context) (string, bool) {
	cs, err := s.transport.ConnectionState(ctx)
	if err == nil && cs != "" {
		return cs, s.machine.IsReady()
	}
	if err != nil {
		s.log.Debug("live state query failed, using last-known state", "error", err)
	}
	return s.machine.MustState().String(), s.machine.IsReady()
}

// QRChannel returns the channel carrying pairing codes for out-of-band
// rendering.
func (s *Session) QRChannel() <-chan string {
	return s.qrChan
}

// RequestRestart tears the transport down and schedules re-initialization
// after the configured delay. It is idempotent: calling it while already
// restarting re-arms the timer.
func (s *Session) RequestRestart(ctx context.Context) error {
	if err := s.machine.Fire(ctx, state.TriggerRestart); err != nil {
		return fmt.Errorf("restart transition: %w", err)
	}

	if err := s.transport.Destroy(); err != nil {
		return fmt.Errorf("transport teardown: %w", err)
	}

	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartTimer = time.AfterFunc(s.restartDelay, s.reinitialize)

	return nil
}

// reinitialize runs after the restart delay: back to Initializing, then
// reconnect with exponential backoff.
func (s *Session) reinitialize() {
	if s.ctx.Err() != nil {
		return
	}

	if err := s.machine.Fire(s.ctx, state.TriggerInitialize); err != nil {
		s.log.Error("state transition failed", "trigger", state.TriggerInitialize, "error", err)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.reinitBase
	bo.MaxInterval = s.reinitMax
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return s.transport.Initialize(s.ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.reinitTries)), s.ctx))
	if err != nil {
		s.log.Error("re-initialization failed", "error", err)
		if s.ctx.Err() == nil {
			_ = s.machine.Fire(context.Background(), state.TriggerTransportFault)
		}
	}
}

// Stop shuts the session down: stops the event loop, cancels any pending
// re-initialization, and tears down the transport.
func (s *Session) Stop() {
	s.cancel()

	s.restartMu.Lock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartMu.Unlock()

	if err := s.transport.Destroy(); err != nil {
		s.log.Error("transport teardown failed on stop", "error", err)
	}
	s.wg.Wait()
}

// processEvents is the single event-processing goroutine.
func (s *Session) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Session) handleEvent(evt LifecycleEvent) {
	s.log.Debug("processing lifecycle event", "kind", evt.Kind)

	var err error
	switch evt.Kind {
	case EventQRIssued:
		err = s.machine.Fire(s.ctx, state.TriggerQRIssued)
		select {
		case s.qrChan <- evt.QRCode:
		default:
			s.log.Warn("QR channel full, dropping code")
		}
	case EventAuthenticated:
		err = s.machine.NotifyAuthenticated(s.ctx)
	case EventReady:
		err = s.machine.Fire(s.ctx, state.TriggerReady)
	case EventLoading:
		err = s.machine.NotifyLoading(s.ctx, evt.Percent)
	case EventAuthFailure:
		err = s.machine.Fire(s.ctx, state.TriggerAuthFailure)
	case EventDisconnected:
		err = s.machine.Fire(s.ctx, state.TriggerDisconnected)
	}

	// An event that doesn't apply in the current state is expected noise
	// (e.g. disconnect during restart teardown handled by Ignore, or late
	// signals after an auth failure).
	if err != nil {
		s.log.Debug("lifecycle event not applicable", "kind", evt.Kind, "state", s.machine.MustState(), "error", err)
	}
}

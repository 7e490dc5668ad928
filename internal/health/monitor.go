// Package health tracks gateway liveness: uptime, dispatch counters, and
// restart counts.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harundwi/wa-gateway/internal/state"
)

// Status represents the health status of the gateway.
type Status struct {
	State            string    `json:"state"`
	Ready            bool      `json:"ready"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	DispatchesSent   int64     `json:"dispatches_sent"`
	DispatchesFailed int64     `json:"dispatches_failed"`
	RestartCount     int64     `json:"restart_count"`
	LastDispatch     time.Time `json:"last_dispatch"`
}

// Monitor tracks gateway health counters.
type Monitor struct {
	machine *state.Machine

	startTime        time.Time
	dispatchesSent   atomic.Int64
	dispatchesFailed atomic.Int64
	restartCount     atomic.Int64

	mu           sync.RWMutex
	lastDispatch time.Time
}

// NewMonitor creates a new health monitor.
func NewMonitor(machine *state.Machine) *Monitor {
	return &Monitor{
		machine:   machine,
		startTime: time.Now(),
	}
}

// GetStatus returns the current health status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	last := m.lastDispatch
	m.mu.RUnlock()

	return Status{
		State:            m.machine.MustState().String(),
		Ready:            m.machine.IsReady(),
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		DispatchesSent:   m.dispatchesSent.Load(),
		DispatchesFailed: m.dispatchesFailed.Load(),
		RestartCount:     m.restartCount.Load(),
		LastDispatch:     last,
	}
}

// RecordDispatch records a dispatch attempt and its outcome.
func (m *Monitor) RecordDispatch(sent bool) {
	if sent {
		m.dispatchesSent.Add(1)
	} else {
		m.dispatchesFailed.Add(1)
	}
	m.mu.Lock()
	m.lastDispatch = time.Now()
	m.mu.Unlock()
}

// RecordRestart records an explicit session restart.
func (m *Monitor) RecordRestart() {
	m.restartCount.Add(1)
}

// LastDispatchTime returns the time of the last dispatch attempt.
func (m *Monitor) LastDispatchTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDispatch
}

// Package recovery orchestrates the transition from degraded to healthy
// connectivity: validate the link, drain the backlog in priority order,
// confirm delivery, then resume normal operation.
package recovery

import (
	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/types"
)

// State is the recovery state machine position.
type State int

const (
	StateOffline State = iota
	StateReconnecting
	StateSyncing
	StateOnline
)

// String returns the diagnostic name of the state.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateReconnecting:
		return "reconnecting"
	case StateSyncing:
		return "syncing"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Connectivity is the health view the manager consumes.
type Connectivity interface {
	CanPublish() bool
	Recovering() bool
}

// Backlog is the queue view used to decide when a drain is complete.
type Backlog interface {
	Contains(types.MessageID) bool
	Len() int
	PendingIDs() []types.MessageID
}

// pauseAfterFailures returns Syncing to Reconnecting after this many
// consecutive publish failures, backing off a half-recovered link.
const pauseAfterFailures = 2

// Manager drives the Offline/Reconnecting/Syncing/Online state machine.
type Manager struct {
	state   State
	monitor Connectivity
	backlog Backlog
	logger  *zap.Logger

	// drainSet snapshots the queued message IDs at entry to Syncing; the
	// drain completes when none remain queued.
	drainSet            []types.MessageID
	consecutiveFailures int
}

// NewManager starts Offline; the first health checks promote it.
func NewManager(monitor Connectivity, backlog Backlog, logger *zap.Logger) *Manager {
	return &Manager{
		state:   StateOffline,
		monitor: monitor,
		backlog: backlog,
		logger:  logger,
	}
}

// State returns the current position.
func (m *Manager) State() State {
	return m.state
}

// ShouldPublish gates the transport publisher: delivery runs only while
// Syncing or Online.
func (m *Manager) ShouldPublish() bool {
	return m.state == StateSyncing || m.state == StateOnline
}

// Step advances the state machine with this tick's publish results.
func (m *Manager) Step(delivered, failures int) {
	if delivered > 0 {
		m.consecutiveFailures = 0
	}
	m.consecutiveFailures += failures

	switch m.state {
	case StateOffline:
		if m.monitor.Recovering() {
			m.to(StateReconnecting)
		}
	case StateReconnecting:
		if m.monitor.CanPublish() {
			m.drainSet = m.backlog.PendingIDs()
			m.consecutiveFailures = 0
			m.to(StateSyncing)
		} else if !m.monitor.Recovering() {
			m.to(StateOffline)
		}
	case StateSyncing:
		if !m.monitor.CanPublish() {
			m.to(StateReconnecting)
			return
		}
		if m.consecutiveFailures >= pauseAfterFailures {
			// Half-recovered link: stop hammering it and re-verify.
			m.consecutiveFailures = 0
			m.to(StateReconnecting)
			return
		}
		if m.drainComplete() {
			m.drainSet = nil
			m.to(StateOnline)
		}
	case StateOnline:
		if !m.monitor.CanPublish() {
			m.to(StateOffline)
		}
	}
}

// drainComplete reports whether every message queued at entry to Syncing
// has reached a terminal state, or the queue emptied entirely.
func (m *Manager) drainComplete() bool {
	if m.backlog.Len() == 0 {
		return true
	}
	for _, id := range m.drainSet {
		if m.backlog.Contains(id) {
			return false
		}
	}
	return true
}

func (m *Manager) to(next State) {
	if next == m.state {
		return
	}
	m.logger.Info("recovery state change",
		zap.Stringer("from", m.state),
		zap.Stringer("to", next),
		zap.Int("backlog", m.backlog.Len()))
	m.state = next
}

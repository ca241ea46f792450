// Package connectivity tracks network and broker reachability with
// hysteresis, gating the transport publisher.
package connectivity

import (
	"context"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/types"
)

// Probe checks one connectivity layer. A nil error counts as a success.
// Probes must respect the context deadline; a hung probe stalls the whole
// cooperative loop.
type Probe func(ctx context.Context) error

// link is one tracked layer with its hysteresis counters. A link only flips
// Down after downThreshold consecutive failures and Up after upThreshold
// consecutive successes, so flapping connections cannot cause publish storms.
type link struct {
	name       string
	state      types.LinkState
	probe      Probe
	okStreak   int
	failStreak int
}

// Monitor tracks the network link and the broker transport independently
// and combines them into a single publish gate.
type Monitor struct {
	network   link
	transport link

	downThreshold int
	upThreshold   int
	logger        *zap.Logger
}

// NewMonitor creates a monitor with both links assumed Down until probes
// prove otherwise; the device boots into its degraded path, not out of it.
func NewMonitor(networkProbe, transportProbe Probe, downThreshold, upThreshold int, logger *zap.Logger) *Monitor {
	return &Monitor{
		network:       link{name: "network", probe: networkProbe},
		transport:     link{name: "transport", probe: transportProbe},
		downThreshold: downThreshold,
		upThreshold:   upThreshold,
		logger:        logger,
	}
}

// Check runs one health check round against both layers.
func (m *Monitor) Check(ctx context.Context) {
	m.checkLink(ctx, &m.network)
	m.checkLink(ctx, &m.transport)
}

func (m *Monitor) checkLink(ctx context.Context, l *link) {
	if err := l.probe(ctx); err != nil {
		l.failStreak++
		l.okStreak = 0
		if l.state == types.LinkUp && l.failStreak >= m.downThreshold {
			l.state = types.LinkDown
			m.logger.Warn("link down", zap.String("link", l.name), zap.Error(err))
		}
		return
	}
	l.okStreak++
	l.failStreak = 0
	if l.state == types.LinkDown && l.okStreak >= m.upThreshold {
		l.state = types.LinkUp
		m.logger.Info("link up", zap.String("link", l.name))
	}
}

// CanPublish is true iff both network and transport are Up.
func (m *Monitor) CanPublish() bool {
	return m.network.state == types.LinkUp && m.transport.state == types.LinkUp
}

// Recovering reports whether either link has begun a successful probe
// streak while still Down; the recovery manager uses this to leave Offline.
func (m *Monitor) Recovering() bool {
	return (m.network.state == types.LinkDown && m.network.okStreak > 0) ||
		(m.transport.state == types.LinkDown && m.transport.okStreak > 0) ||
		m.network.state == types.LinkUp || m.transport.state == types.LinkUp
}

// NetworkState returns the network-layer state for diagnostics.
func (m *Monitor) NetworkState() types.LinkState {
	return m.network.state
}

// TransportState returns the broker-layer state for diagnostics.
func (m *Monitor) TransportState() types.LinkState {
	return m.transport.state
}

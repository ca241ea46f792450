// Package presence derives a debounced presence state from periodic radio
// scans for a configured beacon identity.
package presence

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/types"
)

// Transition records one presence state change. Each transition maps to
// exactly one status update message.
type Transition struct {
	From types.PresenceStatus
	To   types.PresenceStatus
	At   time.Duration
}

// Detector runs the scan/debounce state machine. Poll-driven: Tick starts
// and polls scan cycles, never blocking the cooperative loop.
type Detector struct {
	cfg     config.BeaconConfig
	scanner Scanner
	clk     clock.Clock
	logger  *zap.Logger

	// beaconAddr is the normalized target identity; empty means the unit is
	// unconfigured and runs degraded (no scanning, distinct diagnostic).
	beaconAddr string

	status                types.PresenceStatus
	consecutiveDetections int
	consecutiveMisses     int
	lastSeenAt            time.Duration

	scanning     bool
	nextScanAt   time.Duration
	scanFailures int
}

// NewDetector creates a detector for the configured beacon. An empty or
// all-zero MAC leaves the detector in degraded mode: the control loop keeps
// running, presence stays Absent, and Unconfigured reports true.
func NewDetector(cfg config.BeaconConfig, scanner Scanner, clk clock.Clock, logger *zap.Logger) *Detector {
	addr := strings.ToUpper(strings.TrimSpace(cfg.MAC))
	if strings.Trim(addr, "0:") == "" {
		addr = ""
	}
	d := &Detector{
		cfg:        cfg,
		scanner:    scanner,
		clk:        clk,
		logger:     logger,
		beaconAddr: addr,
		status:     types.PresenceUnknown,
	}
	if addr == "" {
		logger.Warn("beacon identity unconfigured, presence detection disabled")
	}
	return d
}

// Unconfigured reports the degraded no-beacon diagnostic flag.
func (d *Detector) Unconfigured() bool {
	return d.beaconAddr == ""
}

// Status returns the current debounced presence state.
func (d *Detector) Status() types.PresenceStatus {
	if d.beaconAddr == "" {
		// Degraded mode reports Absent rather than pretending presence.
		return types.PresenceAbsent
	}
	return d.status
}

// LastSeen returns the uptime of the last qualifying detection.
func (d *Detector) LastSeen() time.Duration {
	return d.lastSeenAt
}

// ScanFailures counts radio driver errors since boot (treated as misses).
func (d *Detector) ScanFailures() int {
	return d.scanFailures
}

// Tick advances the detector: starts a scan cycle when due, polls a running
// one, and evaluates completed cycles. Returns a Transition when the
// debounced state changed, else nil. Never returns an error that should
// stop the loop; radio faults are degraded to misses.
func (d *Detector) Tick() *Transition {
	if d.beaconAddr == "" {
		return nil
	}
	now := d.clk.Uptime()

	if !d.scanning {
		if now < d.nextScanAt {
			return nil
		}
		if err := d.scanner.Begin(d.cfg.ScanDuration); err != nil {
			d.scanFailures++
			d.logger.Warn("scan start failed, counting cycle as miss", zap.Error(err))
			d.nextScanAt = now + d.cfg.ScanInterval
			return d.evaluate(false, now)
		}
		d.scanning = true
		return nil
	}

	advs, done, err := d.scanner.Poll()
	if err != nil {
		d.scanning = false
		d.scanFailures++
		d.logger.Warn("scan poll failed, counting cycle as miss", zap.Error(err))
		d.nextScanAt = now + d.cfg.ScanInterval
		return d.evaluate(false, now)
	}
	if !done {
		return nil
	}
	d.scanning = false
	d.nextScanAt = now + d.cfg.ScanInterval

	return d.evaluate(d.qualifies(advs), now)
}

// qualifies coalesces the cycle's advertisements (max RSSI per identity
// wins) and applies the identity match and RSSI gate.
func (d *Detector) qualifies(advs []Advertisement) bool {
	best := -1 << 31
	seen := false
	for _, adv := range advs {
		if !strings.EqualFold(adv.Addr, d.beaconAddr) {
			continue
		}
		seen = true
		if adv.RSSI > best {
			best = adv.RSSI
		}
	}
	return seen && best >= d.cfg.RSSIThreshold
}

// evaluate applies one completed cycle's outcome to the debounce state
// machine and returns the resulting transition, if any.
func (d *Detector) evaluate(qualifying bool, now time.Duration) *Transition {
	if qualifying {
		d.consecutiveDetections++
		d.consecutiveMisses = 0
		d.lastSeenAt = now
		if d.status != types.PresencePresent && d.consecutiveDetections >= d.cfg.DebounceCount {
			return d.transition(types.PresencePresent, now)
		}
		return nil
	}

	d.consecutiveMisses++
	d.consecutiveDetections = 0
	if d.status != types.PresenceAbsent && now-d.lastSeenAt > d.cfg.AbsenceTimeout {
		return d.transition(types.PresenceAbsent, now)
	}
	return nil
}

func (d *Detector) transition(to types.PresenceStatus, now time.Duration) *Transition {
	t := &Transition{From: d.status, To: to, At: now}
	d.status = to
	d.consecutiveDetections = 0
	d.consecutiveMisses = 0
	d.logger.Info("presence transition",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Duration("uptime", now))
	return t
}

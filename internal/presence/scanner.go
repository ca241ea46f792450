package presence

import (
	"math/rand"
	"strings"
	"time"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/types"
)

// Advertisement is one observed radio advertisement: sender identity,
// signal strength, and whatever manufacturer payload the beacon attached.
// Receive-only; no pairing or connection is ever established.
type Advertisement struct {
	Addr         string
	RSSI         int
	Manufacturer []byte
}

// Scanner is the radio capability the detector consumes. A scan cycle is
// started with Begin and polled with Poll so the cooperative loop never
// blocks on the radio.
type Scanner interface {
	// Begin starts a scan cycle of the given duration. Returns
	// ErrScanInProgress if a cycle is already running.
	Begin(duration time.Duration) error
	// Poll reports the advertisements observed so far and whether the
	// cycle has completed. Advertisements are only consumed once done.
	Poll() (advs []Advertisement, done bool, err error)
}

// SimScanner is a deterministic-enough beacon simulator for development
// rigs without radio hardware. Present toggles whether the configured
// beacon is advertised; RSSI jitters around a base value.
type SimScanner struct {
	clk clock.Clock

	BeaconAddr string
	BaseRSSI   int
	Jitter     int
	Present    bool

	scanning bool
	deadline time.Duration
	observed []Advertisement
}

// NewSimScanner returns a simulator advertising beaconAddr at around
// baseRSSI when Present.
func NewSimScanner(clk clock.Clock, beaconAddr string, baseRSSI, jitter int) *SimScanner {
	return &SimScanner{
		clk:        clk,
		BeaconAddr: strings.ToUpper(beaconAddr),
		BaseRSSI:   baseRSSI,
		Jitter:     jitter,
		Present:    true,
	}
}

// Begin starts a simulated scan cycle.
func (s *SimScanner) Begin(duration time.Duration) error {
	if s.scanning {
		return types.ErrScanInProgress
	}
	s.scanning = true
	s.deadline = s.clk.Uptime() + duration
	s.observed = nil
	if s.Present {
		// A couple of advertisements per cycle, so coalescing has work to do.
		n := 1 + rand.Intn(3)
		for i := 0; i < n; i++ {
			rssi := s.BaseRSSI
			if s.Jitter > 0 {
				rssi += rand.Intn(2*s.Jitter+1) - s.Jitter
			}
			s.observed = append(s.observed, Advertisement{Addr: s.BeaconAddr, RSSI: rssi})
		}
	}
	// Ambient noise from unrelated devices.
	s.observed = append(s.observed, Advertisement{Addr: "DE:AD:BE:EF:00:01", RSSI: -90})
	return nil
}

// Poll completes the cycle once the simulated duration has elapsed.
func (s *SimScanner) Poll() ([]Advertisement, bool, error) {
	if !s.scanning {
		return nil, false, nil
	}
	if s.clk.Uptime() < s.deadline {
		return nil, false, nil
	}
	s.scanning = false
	return s.observed, true, nil
}

package presence

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/types"
)

const beaconMAC = "AA:BB:CC:DD:EE:FF"

// scriptScanner replays a fixed sequence of scan cycle results.
type scriptScanner struct {
	cycles   [][]Advertisement
	idx      int
	beginErr error
	pollErr  error
	scanning bool
}

func (s *scriptScanner) Begin(duration time.Duration) error {
	if s.beginErr != nil {
		return s.beginErr
	}
	if s.scanning {
		return types.ErrScanInProgress
	}
	s.scanning = true
	return nil
}

func (s *scriptScanner) Poll() ([]Advertisement, bool, error) {
	if !s.scanning {
		return nil, false, nil
	}
	s.scanning = false
	if s.pollErr != nil {
		return nil, false, s.pollErr
	}
	var advs []Advertisement
	if s.idx < len(s.cycles) {
		advs = s.cycles[s.idx]
	}
	s.idx++
	return advs, true, nil
}

func testBeaconConfig() config.BeaconConfig {
	return config.BeaconConfig{
		MAC:            beaconMAC,
		RSSIThreshold:  -80,
		ScanInterval:   3 * time.Second,
		ScanDuration:   2 * time.Second,
		DebounceCount:  2,
		AbsenceTimeout: 30 * time.Second,
	}
}

// runCycle drives one full scan cycle: one tick to start, one to complete.
func runCycle(t *testing.T, d *Detector, clk *clock.Fake) *Transition {
	t.Helper()
	if tr := d.Tick(); tr != nil {
		t.Fatalf("unexpected transition while starting scan: %+v", tr)
	}
	tr := d.Tick()
	clk.Advance(3 * time.Second)
	return tr
}

func TestDebounceToPresent(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{cycles: [][]Advertisement{
		{{Addr: beaconMAC, RSSI: -70}},
		{{Addr: beaconMAC, RSSI: -72}},
	}}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	if d.Status() != types.PresenceUnknown {
		t.Fatalf("expected unknown at boot, got %v", d.Status())
	}

	// First qualifying cycle: detection counted, no transition yet.
	if tr := runCycle(t, d, clk); tr != nil {
		t.Fatalf("single detection must not transition, got %+v", tr)
	}
	if d.Status() != types.PresenceUnknown {
		t.Errorf("status changed before debounce satisfied: %v", d.Status())
	}

	// Second consecutive qualifying cycle meets the debounce count.
	tr := runCycle(t, d, clk)
	if tr == nil {
		t.Fatal("expected transition to present")
	}
	if tr.From != types.PresenceUnknown || tr.To != types.PresencePresent {
		t.Errorf("unexpected transition %+v", tr)
	}
	if d.Status() != types.PresencePresent {
		t.Errorf("expected present, got %v", d.Status())
	}
}

func TestWeakSignalDoesNotQualify(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{cycles: [][]Advertisement{
		{{Addr: beaconMAC, RSSI: -85}},
		{{Addr: beaconMAC, RSSI: -90}},
		{{Addr: beaconMAC, RSSI: -81}},
	}}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	for i := 0; i < 3; i++ {
		if tr := runCycle(t, d, clk); tr != nil {
			t.Fatalf("cycle %d: weak signal transitioned: %+v", i, tr)
		}
	}
	if d.Status() != types.PresenceUnknown {
		t.Errorf("expected unknown, got %v", d.Status())
	}
}

func TestCoalescingTakesStrongestSighting(t *testing.T) {
	clk := clock.NewFake()
	// Each cycle carries one weak and one strong sighting of the beacon
	// plus unrelated noise; the strongest must win.
	cycle := []Advertisement{
		{Addr: beaconMAC, RSSI: -95},
		{Addr: "11:22:33:44:55:66", RSSI: -40},
		{Addr: beaconMAC, RSSI: -65},
	}
	sc := &scriptScanner{cycles: [][]Advertisement{cycle, cycle}}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	runCycle(t, d, clk)
	tr := runCycle(t, d, clk)
	if tr == nil || tr.To != types.PresencePresent {
		t.Errorf("expected present via coalesced max RSSI, got %+v", tr)
	}
}

func TestCaseInsensitiveIdentityMatch(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{cycles: [][]Advertisement{
		{{Addr: "aa:bb:cc:dd:ee:ff", RSSI: -60}},
		{{Addr: "aa:bb:cc:dd:ee:ff", RSSI: -60}},
	}}
	cfg := testBeaconConfig()
	cfg.MAC = "aa:bb:cc:dd:ee:ff"
	d := NewDetector(cfg, sc, clk, zap.NewNop())

	runCycle(t, d, clk)
	if tr := runCycle(t, d, clk); tr == nil || tr.To != types.PresencePresent {
		t.Errorf("lowercase identity must match, got %+v", tr)
	}
}

func TestAbsenceAfterTimeout(t *testing.T) {
	clk := clock.NewFake()
	cycles := [][]Advertisement{
		{{Addr: beaconMAC, RSSI: -70}},
		{{Addr: beaconMAC, RSSI: -70}},
	}
	// Many empty cycles follow.
	for i := 0; i < 20; i++ {
		cycles = append(cycles, nil)
	}
	sc := &scriptScanner{cycles: cycles}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	runCycle(t, d, clk)
	if tr := runCycle(t, d, clk); tr == nil || tr.To != types.PresencePresent {
		t.Fatalf("expected present first, got %+v", tr)
	}
	lastSeen := d.LastSeen()

	// Misses accumulate but the transition waits for the absence timeout.
	var absent *Transition
	for i := 0; i < 20 && absent == nil; i++ {
		absent = runCycle(t, d, clk)
		if absent == nil && clk.Uptime()-lastSeen > 40*time.Second {
			t.Fatal("no absence transition well past the timeout")
		}
	}
	if absent == nil {
		t.Fatal("expected transition to absent")
	}
	if absent.From != types.PresencePresent || absent.To != types.PresenceAbsent {
		t.Errorf("unexpected transition %+v", absent)
	}
	if absent.At-lastSeen <= 30*time.Second {
		t.Errorf("absent declared too early: %v after last sighting", absent.At-lastSeen)
	}
}

func TestSingleMissDoesNotFlap(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{cycles: [][]Advertisement{
		{{Addr: beaconMAC, RSSI: -70}},
		{{Addr: beaconMAC, RSSI: -70}},
		nil, // one missed cycle
		{{Addr: beaconMAC, RSSI: -70}},
		{{Addr: beaconMAC, RSSI: -70}},
	}}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	runCycle(t, d, clk)
	runCycle(t, d, clk)
	if tr := runCycle(t, d, clk); tr != nil {
		t.Fatalf("one miss within the timeout transitioned: %+v", tr)
	}
	if d.Status() != types.PresencePresent {
		t.Errorf("expected still present, got %v", d.Status())
	}
	runCycle(t, d, clk)
	runCycle(t, d, clk)
	if d.Status() != types.PresencePresent {
		t.Errorf("expected present after recovery, got %v", d.Status())
	}
}

func TestScanFailureCountsAsMiss(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{pollErr: errors.New("hci timeout")}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	if tr := d.Tick(); tr != nil { // starts scan
		t.Fatalf("unexpected transition: %+v", tr)
	}
	d.Tick() // poll fails
	if d.ScanFailures() != 1 {
		t.Errorf("expected 1 scan failure, got %d", d.ScanFailures())
	}
	// The loop keeps running; failures never panic or wedge the detector.
	clk.Advance(3 * time.Second)
	d.Tick()
	d.Tick()
	if d.ScanFailures() != 2 {
		t.Errorf("expected 2 scan failures, got %d", d.ScanFailures())
	}
}

func TestBeginFailureCountsAsMiss(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{beginErr: errors.New("radio busy")}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	if tr := d.Tick(); tr != nil {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	if d.ScanFailures() != 1 {
		t.Errorf("expected 1 scan failure, got %d", d.ScanFailures())
	}
	// Next attempt waits for the scan interval like a completed cycle.
	d.Tick()
	if d.ScanFailures() != 1 {
		t.Errorf("failed start must back off to the interval, got %d failures", d.ScanFailures())
	}
	clk.Advance(3 * time.Second)
	d.Tick()
	if d.ScanFailures() != 2 {
		t.Errorf("expected 2 scan failures, got %d", d.ScanFailures())
	}
}

func TestUnconfiguredBeaconRunsDegraded(t *testing.T) {
	for _, mac := range []string{"", "00:00:00:00:00:00", "  "} {
		t.Run("mac="+mac, func(t *testing.T) {
			clk := clock.NewFake()
			cfg := testBeaconConfig()
			cfg.MAC = mac
			d := NewDetector(cfg, &scriptScanner{}, clk, zap.NewNop())

			if !d.Unconfigured() {
				t.Error("expected unconfigured flag")
			}
			if d.Status() != types.PresenceAbsent {
				t.Errorf("degraded mode must report absent, got %v", d.Status())
			}
			if tr := d.Tick(); tr != nil {
				t.Errorf("degraded mode must not transition, got %+v", tr)
			}
		})
	}
}

func TestScanIntervalRespected(t *testing.T) {
	clk := clock.NewFake()
	sc := &scriptScanner{cycles: [][]Advertisement{
		{{Addr: beaconMAC, RSSI: -70}},
		{{Addr: beaconMAC, RSSI: -70}},
	}}
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	d.Tick() // starts cycle 0
	d.Tick() // completes cycle 0
	// Interval not yet elapsed: ticks must not start a new cycle.
	clk.Advance(1 * time.Second)
	d.Tick()
	if sc.idx != 1 {
		t.Errorf("scan started before interval elapsed, cycles=%d", sc.idx)
	}
	clk.Advance(2 * time.Second)
	d.Tick()
	d.Tick()
	if sc.idx != 2 {
		t.Errorf("expected second cycle after interval, cycles=%d", sc.idx)
	}
}

func TestSimScannerQualifies(t *testing.T) {
	clk := clock.NewFake()
	sc := NewSimScanner(clk, beaconMAC, -70, 3)
	d := NewDetector(testBeaconConfig(), sc, clk, zap.NewNop())

	var present bool
	for i := 0; i < 10 && !present; i++ {
		d.Tick() // start
		clk.Advance(2 * time.Second)
		if tr := d.Tick(); tr != nil && tr.To == types.PresencePresent {
			present = true
		}
		clk.Advance(1 * time.Second)
	}
	if !present {
		t.Error("simulator never satisfied the debounce")
	}
}

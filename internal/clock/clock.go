// Package clock provides the device uptime clock.
//
// All correctness-critical timestamps on the unit are durations since boot,
// never wall-clock times: NTP sync is display-only and may jump. Go's
// time.Since reads the monotonic clock, which gives the uptime semantics of
// the hardware millisecond counter without overflow concerns.
package clock

import "time"

// Clock yields the current device uptime.
type Clock interface {
	Uptime() time.Duration
}

// System is the real uptime clock, anchored at construction.
type System struct {
	start time.Time
}

// NewSystem returns a Clock anchored at the moment of the call. Construct
// exactly once at boot and share the instance.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Uptime returns the monotonic duration since boot.
func (s *System) Uptime() time.Duration {
	return time.Since(s.start)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	now time.Duration
}

// NewFake returns a Fake starting at zero uptime.
func NewFake() *Fake {
	return &Fake{}
}

// Uptime returns the current fake uptime.
func (f *Fake) Uptime() time.Duration {
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.now += d
}

// Set moves the fake clock to an absolute uptime.
func (f *Fake) Set(d time.Duration) {
	f.now = d
}

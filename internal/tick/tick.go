// Package tick models the wrapping 16-bit simulation step counter shared by
// prediction, rollback and clock synchronisation.
package tick

import "strconv"

// Tick identifies one discrete fixed-step simulation update. It wraps at 65536.
type Tick uint16

// Diff returns the shortest signed distance travelled from a to b on the
// 65536-slot cycle. Diff(a, b) == -Diff(b, a) in wrapping arithmetic.
func Diff(a, b Tick) int16 {
	return int16(uint16(b) - uint16(a))
}

// Sub returns t - other as a signed wrapping distance.
func (t Tick) Sub(other Tick) int16 { return Diff(other, t) }

// Add moves the tick by n steps in either direction, wrapping as needed.
func (t Tick) Add(n int16) Tick { return Tick(uint16(t) + uint16(n)) }

// Next returns the following tick.
func (t Tick) Next() Tick { return t + 1 }

// Before reports whether t precedes other on the shortest path.
func (t Tick) Before(other Tick) bool { return Diff(t, other) > 0 }

// After reports whether t follows other on the shortest path.
func (t Tick) After(other Tick) bool { return Diff(t, other) < 0 }

// AtOrBefore reports whether t equals or precedes other.
func (t Tick) AtOrBefore(other Tick) bool { return Diff(t, other) >= 0 }

// Between reports whether t lies in the inclusive window [from, to].
func (t Tick) Between(from, to Tick) bool {
	return Diff(from, t) >= 0 && Diff(t, to) >= 0
}

func (t Tick) String() string { return strconv.FormatUint(uint64(t), 10) }

// Compare orders a and b for sorting helpers: -1 when a is before b, 1 when
// after and 0 when equal.
func Compare(a, b Tick) int {
	switch d := Diff(a, b); {
	case d > 0:
		return -1
	case d < 0:
		return 1
	default:
		return 0
	}
}

// Clock is the local tick counter. The zero value starts at tick 0.
type Clock struct {
	now Tick
}

// NewClock constructs a clock positioned at start.
func NewClock(start Tick) *Clock {
	return &Clock{now: start}
}

// Now returns the current tick.
func (c *Clock) Now() Tick {
	if c == nil {
		return 0
	}
	return c.now
}

// AdvanceBy moves the clock forward by n ticks.
func (c *Clock) AdvanceBy(n uint16) {
	if c == nil {
		return
	}
	c.now += Tick(n)
}

// Set snaps the clock to t, used by hard resyncs and rollback rewinds.
func (c *Clock) Set(t Tick) {
	if c == nil {
		return
	}
	c.now = t
}

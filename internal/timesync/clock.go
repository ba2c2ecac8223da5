package timesync

import (
	"time"

	"driftpursuit/prediction/internal/tick"
)

// VirtualClock follows the local wall clock at an adjustable speed and can be
// shifted to line up with the server clock.
type VirtualClock struct {
	lastReal time.Time
	now      time.Time
	speed    float64
	started  bool
}

// NewVirtualClock constructs a clock running at normal speed.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{speed: 1}
}

// Observe advances the virtual time by the real time elapsed since the last
// observation scaled by the current speed, and returns the new virtual time.
func (c *VirtualClock) Observe(real time.Time) time.Time {
	if !c.started {
		c.lastReal = real
		c.now = real
		c.started = true
		return c.now
	}
	elapsed := real.Sub(c.lastReal)
	if elapsed > 0 {
		c.now = c.now.Add(c.Scale(elapsed))
		c.lastReal = real
	}
	return c.now
}

// Scale converts a real duration into virtual time at the current speed.
func (c *VirtualClock) Scale(real time.Duration) time.Duration {
	return time.Duration(float64(real) * c.speed)
}

// Now returns the last observed virtual time.
func (c *VirtualClock) Now() time.Time { return c.now }

// Shift moves the virtual clock by d in either direction.
func (c *VirtualClock) Shift(d time.Duration) { c.now = c.now.Add(d) }

// Speed reports the relative playback speed.
func (c *VirtualClock) Speed() float64 { return c.speed }

// SetSpeed changes the relative playback speed. Non-positive values reset it.
func (c *VirtualClock) SetSpeed(speed float64) {
	if speed <= 0 {
		speed = 1
	}
	c.speed = speed
}

// TicksSince converts the virtual time elapsed since anchor into whole ticks.
func TicksSince(anchor, now time.Time, step time.Duration) int {
	if step <= 0 {
		return 0
	}
	return int(now.Sub(anchor) / step)
}

// TickAt estimates the tick running at now given that anchorTick started at anchor.
func TickAt(anchorTick tick.Tick, anchor, now time.Time, step time.Duration) tick.Tick {
	return anchorTick + tick.Tick(uint16(TicksSince(anchor, now, step)))
}

// Package interpolation renders non-predicted entities between confirmed
// server snapshots.
package interpolation

import (
	"driftpursuit/prediction/internal/tick"
)

// LerpFunc blends from towards to by t in [0, 1].
type LerpFunc[C any] func(from, to C, t float64) C

type sample[C any] struct {
	tick  tick.Tick
	value C
}

// Buffer keeps the most recent confirmed samples of one component in tick order.
type Buffer[C any] struct {
	samples  []sample[C]
	capacity int
	lerp     LerpFunc[C]
}

// NewBuffer creates a buffer retaining capacity samples. A nil lerp snaps to
// the older sample.
func NewBuffer[C any](capacity int, lerp LerpFunc[C]) *Buffer[C] {
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer[C]{samples: make([]sample[C], 0, capacity), capacity: capacity, lerp: lerp}
}

// Push appends a confirmed sample. Samples at or before the newest tick are
// ignored; it reports whether the sample was kept.
func (b *Buffer[C]) Push(t tick.Tick, value C) bool {
	if n := len(b.samples); n > 0 && !t.After(b.samples[n-1].tick) {
		return false
	}
	if len(b.samples) == b.capacity {
		copy(b.samples, b.samples[1:])
		b.samples = b.samples[:len(b.samples)-1]
	}
	b.samples = append(b.samples, sample[C]{tick: t, value: value})
	return true
}

// Len returns the number of buffered samples.
func (b *Buffer[C]) Len() int { return len(b.samples) }

// Reset drops all samples.
func (b *Buffer[C]) Reset() { b.samples = b.samples[:0] }

// Sample returns the value at target plus overstep, a fraction of a tick in
// [0, 1). Targets outside the buffered range clamp to the nearest sample.
func (b *Buffer[C]) Sample(target tick.Tick, overstep float64) (C, bool) {
	var zero C
	if len(b.samples) == 0 {
		return zero, false
	}
	first := b.samples[0]
	if target.Before(first.tick) {
		return first.value, true
	}

	for i := 0; i < len(b.samples)-1; i++ {
		from, to := b.samples[i], b.samples[i+1]
		if target.Before(from.tick) || !target.Before(to.tick) {
			continue
		}
		span := float64(tick.Diff(from.tick, to.tick))
		t := (float64(tick.Diff(from.tick, target)) + clampUnit(overstep)) / span
		if b.lerp == nil {
			return from.value, true
		}
		return b.lerp(from.value, to.value, clampUnit(t)), true
	}

	return b.samples[len(b.samples)-1].value, true
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Package input stores the local player's inputs per tick so that a rollback
// can feed the simulation exactly what it saw the first time.
package input

import (
	"driftpursuit/prediction/internal/tick"
)

// DropReason enumerates why an input was rejected by the buffer.
type DropReason string

const (
	DropReasonNone   DropReason = ""
	DropReasonStale  DropReason = "stale"
	DropReasonFuture DropReason = "future"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether an input was stored.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Stale  uint64 `json:"stale"`
	Future uint64 `json:"future"`
}

// Config bounds the ticks an input may be recorded for relative to the
// current tick.
type Config struct {
	// Window is how many past ticks stay addressable, normally the rollback window.
	Window int
	// MaxLead is how far ahead of the current tick an input may be scheduled.
	MaxLead int
}

type entry[I any] struct {
	tick  tick.Tick
	input I
	used  bool
}

// Buffer is a tick-indexed ring of inputs.
type Buffer[I any] struct {
	cfg     Config
	slots   []entry[I]
	mask    int
	drops   DropCounters
	newest  tick.Tick
	started bool
}

// NewBuffer allocates a buffer covering cfg.Window past ticks and cfg.MaxLead future ticks.
func NewBuffer[I any](cfg Config) *Buffer[I] {
	//1.- Normalise the bounds so a zero config still keeps a usable window.
	if cfg.Window <= 0 {
		cfg.Window = 64
	}
	if cfg.MaxLead < 0 {
		cfg.MaxLead = 0
	}
	size := 1
	for size < cfg.Window+cfg.MaxLead+1 {
		size <<= 1
	}
	return &Buffer[I]{cfg: cfg, slots: make([]entry[I], size), mask: size - 1}
}

// Set records in as the input for t while the simulation is at current.
func (b *Buffer[I]) Set(current, t tick.Tick, in I) Decision {
	age := int(tick.Diff(t, current))
	switch {
	case age >= b.cfg.Window:
		b.drops.Stale++
		return Decision{Reason: DropReasonStale}
	case -age > b.cfg.MaxLead:
		b.drops.Future++
		return Decision{Reason: DropReasonFuture}
	}
	b.slots[int(t)&b.mask] = entry[I]{tick: t, input: in, used: true}
	if !b.started || t.After(b.newest) {
		b.newest = t
		b.started = true
	}
	return Decision{Accepted: true}
}

// Get returns the input recorded for exactly t.
func (b *Buffer[I]) Get(t tick.Tick) (I, bool) {
	e := b.slots[int(t)&b.mask]
	if !e.used || e.tick != t || !b.live(t) {
		var zero I
		return zero, false
	}
	return e.input, true
}

// GetOrLast returns the input for t, or when none was recorded the closest
// earlier input: a held key keeps being held until told otherwise.
func (b *Buffer[I]) GetOrLast(t tick.Tick) (I, bool) {
	if in, ok := b.Get(t); ok {
		return in, true
	}
	cursor := t
	for i := 0; i < b.cfg.Window; i++ {
		cursor = cursor.Add(-1)
		if in, ok := b.Get(cursor); ok {
			return in, true
		}
	}
	var zero I
	return zero, false
}

// Drops returns the drop counters accumulated so far.
func (b *Buffer[I]) Drops() DropCounters { return b.drops }

// Reset forgets every stored input.
func (b *Buffer[I]) Reset() {
	for i := range b.slots {
		b.slots[i] = entry[I]{}
	}
	b.started = false
}

func (b *Buffer[I]) live(t tick.Tick) bool {
	if !b.started {
		return false
	}
	age := int(tick.Diff(t, b.newest))
	return age >= 0 && age < len(b.slots)
}

// Package history keeps a bounded per-tick record of predicted component values.
package history

import (
	"errors"
	"fmt"

	"driftpursuit/prediction/internal/tick"
)

// MaxCapacity is the largest supported window; anything larger would make
// wrapping comparisons ambiguous.
const MaxCapacity = 1 << 15

// ErrNonMonotonic reports a push for a tick older than the newest entry.
var ErrNonMonotonic = errors.New("history push must not go backwards")

// Kind enumerates how a component changed at a tick.
type Kind uint8

const (
	// Added marks the tick at which the component appeared on the entity.
	Added Kind = iota + 1
	// Updated carries the component value after the tick was simulated.
	Updated
	// Removed marks the tick at which the component was removed.
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// State is the recorded change for one tick.
type State[C any] struct {
	Kind  Kind
	Value C
}

// Present reports whether the state carries a usable component value.
func (s State[C]) Present() bool { return s.Kind == Added || s.Kind == Updated }

type slot[C any] struct {
	tick  tick.Tick
	state State[C]
	used  bool
}

// History is a fixed-capacity ring indexed by tick. The capacity is a power of
// two so slot positions stay stable across the 65535 -> 0 wrap; pushing a new
// tick silently evicts whatever lived in its slot.
type History[C any] struct {
	slots     []slot[C]
	mask      int
	newest    tick.Tick
	hasNewest bool
}

// New allocates a history able to answer lookups for the last depth ticks.
func New[C any](depth int) *History[C] {
	capacity := roundCapacity(depth)
	return &History[C]{
		slots: make([]slot[C], capacity),
		mask:  capacity - 1,
	}
}

func roundCapacity(depth int) int {
	if depth < 2 {
		depth = 2
	}
	if depth > MaxCapacity {
		depth = MaxCapacity
	}
	capacity := 1
	for capacity < depth {
		capacity <<= 1
	}
	return capacity
}

// Capacity reports the number of ticks retained.
func (h *History[C]) Capacity() int {
	if h == nil {
		return 0
	}
	return len(h.slots)
}

// Push records state for t. Pushing the newest tick again replaces it, pushing
// an older tick fails with ErrNonMonotonic.
func (h *History[C]) Push(t tick.Tick, state State[C]) error {
	if h == nil {
		return errors.New("history not initialised")
	}
	if h.hasNewest && t.Before(h.newest) {
		return fmt.Errorf("%w: tick %d is older than %d", ErrNonMonotonic, t, h.newest)
	}
	h.slots[int(t)&h.mask] = slot[C]{tick: t, state: state, used: true}
	h.newest = t
	h.hasNewest = true
	return nil
}

// Get returns the exact state recorded for t.
func (h *History[C]) Get(t tick.Tick) (State[C], bool) {
	if h == nil || !h.hasNewest {
		return State[C]{}, false
	}
	if !h.inWindow(t) {
		return State[C]{}, false
	}
	s := h.slots[int(t)&h.mask]
	if !s.used || s.tick != t {
		return State[C]{}, false
	}
	return s.state, true
}

// Value returns the component value recorded at t when it was added or updated.
func (h *History[C]) Value(t tick.Tick) (C, bool) {
	state, ok := h.Get(t)
	if !ok || !state.Present() {
		var zero C
		return zero, false
	}
	return state.Value, true
}

// Newest returns the most recent tick pushed.
func (h *History[C]) Newest() (tick.Tick, bool) {
	if h == nil {
		return 0, false
	}
	return h.newest, h.hasNewest
}

// Latest returns the state recorded at the newest tick.
func (h *History[C]) Latest() (tick.Tick, State[C], bool) {
	if h == nil || !h.hasNewest {
		return 0, State[C]{}, false
	}
	state, ok := h.Get(h.newest)
	return h.newest, state, ok
}

// TruncateAfter drops every entry newer than t so a replay can regenerate them.
func (h *History[C]) TruncateAfter(t tick.Tick) {
	if h == nil || !h.hasNewest {
		return
	}
	if !t.Before(h.newest) {
		return
	}
	//1.- Walk back from the newest entry until the cut point, clearing slots.
	cursor := h.newest
	for steps := 0; steps < len(h.slots) && cursor.After(t); steps++ {
		idx := int(cursor) & h.mask
		if h.slots[idx].used && h.slots[idx].tick == cursor {
			h.slots[idx] = slot[C]{}
		}
		cursor = cursor.Add(-1)
	}
	//2.- The cut point becomes the newest tick so the replay may push from there.
	h.newest = t
}

// Clear forgets every entry, used when prediction restarts after a hard resync.
func (h *History[C]) Clear() {
	if h == nil {
		return
	}
	for i := range h.slots {
		h.slots[i] = slot[C]{}
	}
	h.newest = 0
	h.hasNewest = false
}

// Len counts the entries that are still inside the lookup window.
func (h *History[C]) Len() int {
	if h == nil || !h.hasNewest {
		return 0
	}
	count := 0
	for _, s := range h.slots {
		if s.used && h.inWindow(s.tick) {
			count++
		}
	}
	return count
}

func (h *History[C]) inWindow(t tick.Tick) bool {
	age := int(tick.Diff(t, h.newest))
	return age >= 0 && age < len(h.slots)
}

package interpolation

import (
	"fmt"

	"github.com/yohamta/donburi"

	"driftpursuit/prediction/internal/tick"
)

// Channel interpolates one component kind for every entity it tracks.
type Channel interface {
	Kind() string
	Push(entity donburi.Entity, t tick.Tick, value any) error
	// Apply writes the sampled value into each tracked entity and returns how
	// many entities were updated.
	Apply(world donburi.World, target tick.Tick, overstep float64) int
	Forget(entity donburi.Entity)
	Reset()
}

// Set groups the channels of one session.
type Set struct {
	capacity int
	channels map[string]Channel
	order    []Channel
}

// NewSet creates a set whose per-entity buffers keep capacity samples.
func NewSet(capacity int) *Set {
	return &Set{capacity: capacity, channels: make(map[string]Channel)}
}

// Register adds an interpolated component kind.
func Register[C any](s *Set, kind string, ct *donburi.ComponentType[C], lerp LerpFunc[C]) error {
	if kind == "" || ct == nil {
		return fmt.Errorf("register interpolation %q: kind and component type are required", kind)
	}
	if _, exists := s.channels[kind]; exists {
		return fmt.Errorf("register interpolation %q: kind already registered", kind)
	}
	ch := &channel[C]{kind: kind, ct: ct, lerp: lerp, capacity: s.capacity, buffers: make(map[donburi.Entity]*Buffer[C])}
	s.channels[kind] = ch
	s.order = append(s.order, ch)
	return nil
}

// Channel looks up the channel for kind.
func (s *Set) Channel(kind string) (Channel, bool) {
	ch, ok := s.channels[kind]
	return ch, ok
}

// Apply samples every channel at target.
func (s *Set) Apply(world donburi.World, target tick.Tick, overstep float64) int {
	updated := 0
	for _, ch := range s.order {
		updated += ch.Apply(world, target, overstep)
	}
	return updated
}

// Forget drops the buffers of entity in every channel.
func (s *Set) Forget(entity donburi.Entity) {
	for _, ch := range s.order {
		ch.Forget(entity)
	}
}

// Reset clears every buffered sample.
func (s *Set) Reset() {
	for _, ch := range s.order {
		ch.Reset()
	}
}

type channel[C any] struct {
	kind     string
	ct       *donburi.ComponentType[C]
	lerp     LerpFunc[C]
	capacity int
	buffers  map[donburi.Entity]*Buffer[C]
}

func (c *channel[C]) Kind() string { return c.kind }

func (c *channel[C]) Push(entity donburi.Entity, t tick.Tick, value any) error {
	typed, ok := value.(C)
	if !ok {
		return fmt.Errorf("%s: expected %T, got %T", c.kind, typed, value)
	}
	buf, ok := c.buffers[entity]
	if !ok {
		buf = NewBuffer(c.capacity, c.lerp)
		c.buffers[entity] = buf
	}
	buf.Push(t, typed)
	return nil
}

func (c *channel[C]) Apply(world donburi.World, target tick.Tick, overstep float64) int {
	updated := 0
	for entity, buf := range c.buffers {
		if !world.Valid(entity) {
			delete(c.buffers, entity)
			continue
		}
		value, ok := buf.Sample(target, overstep)
		if !ok {
			continue
		}
		entry := world.Entry(entity)
		if entry.HasComponent(c.ct) {
			c.ct.Set(entry, &value)
		} else {
			donburi.Add(entry, c.ct, &value)
		}
		updated++
	}
	return updated
}

func (c *channel[C]) Forget(entity donburi.Entity) { delete(c.buffers, entity) }

func (c *channel[C]) Reset() {
	for _, buf := range c.buffers {
		buf.Reset()
	}
}

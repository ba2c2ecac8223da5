package prediction

import (
	"testing"

	"github.com/yohamta/donburi"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
)

type position struct {
	X int
}

type heading struct {
	Degrees int
}

type fixture struct {
	world     donburi.World
	registry  *Registry
	mapping   *EntityMap
	clock     *tick.Clock
	position  *donburi.ComponentType[position]
	heading   *donburi.ComponentType[heading]
	confirmed donburi.Entity
	predicted donburi.Entity
	steps     []tick.Tick
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		world:    donburi.NewWorld(),
		registry: NewRegistry(64),
		mapping:  NewEntityMap(),
		clock:    tick.NewClock(0),
		position: donburi.NewComponentType[position](),
		heading:  donburi.NewComponentType[heading](),
	}
	if err := Register(f.registry, "position", f.position, func(a, b position) bool { return a == b }); err != nil {
		t.Fatalf("register position: %v", err)
	}
	if err := Register(f.registry, "heading", f.heading, nil); err != nil {
		t.Fatalf("register heading: %v", err)
	}

	f.confirmed = f.world.Create(f.position, f.heading)
	f.predicted = f.world.Create(f.position, f.heading)
	f.mapping.Link(f.confirmed, f.predicted)
	f.registry.Attach(f.world.Entry(f.predicted))
	if err := f.registry.Record(f.world, f.mapping, f.clock.Now()); err != nil {
		t.Fatalf("record initial tick: %v", err)
	}
	return f
}

// stepFunc moves the predicted entity one unit per tick.
func (f *fixture) stepFunc() StepFunc {
	return func(now tick.Tick) {
		f.steps = append(f.steps, now)
		pos := f.position.Get(f.world.Entry(f.predicted))
		pos.X++
	}
}

// forward simulates and records ticks until the clock reaches target.
func (f *fixture) forward(t *testing.T, target tick.Tick) {
	t.Helper()
	step := f.stepFunc()
	for f.clock.Now() != target {
		f.clock.AdvanceBy(1)
		step(f.clock.Now())
		if err := f.registry.Record(f.world, f.mapping, f.clock.Now()); err != nil {
			t.Fatalf("record tick %d: %v", f.clock.Now(), err)
		}
	}
	f.steps = nil
}

func (f *fixture) predictedX() int {
	return f.position.Get(f.world.Entry(f.predicted)).X
}

func (f *fixture) recordedX(t *testing.T, at tick.Tick) int {
	t.Helper()
	h, _ := f.registry.Handler("position")
	value, ok := h.Predicted(f.world.Entry(f.predicted), at)
	if !ok {
		t.Fatalf("no prediction recorded at tick %d", at)
	}
	return value.(position).X
}

func (f *fixture) detector() *Detector {
	return NewDetector(f.world, f.registry, f.mapping, logging.NewTestLogger())
}

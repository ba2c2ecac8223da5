package prediction

import (
	"errors"
	"testing"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
)

func (f *fixture) replayer(maxTicks int) *Replayer {
	return NewReplayer(f.world, f.registry, f.mapping, f.clock, f.stepFunc(), maxTicks, logging.NewTestLogger())
}

func TestWindowSize(t *testing.T) {
	cases := []struct {
		confirmed, current tick.Tick
		want               int
	}{
		{confirmed: 7, current: 10, want: 4},
		{confirmed: 10, current: 10, want: 1},
		{confirmed: 65534, current: 1, want: 4},
		{confirmed: 11, current: 10, want: 0},
	}
	for _, tc := range cases {
		if got := WindowSize(tc.confirmed, tc.current); got != tc.want {
			t.Fatalf("WindowSize(%d, %d) = %d, want %d", tc.confirmed, tc.current, got, tc.want)
		}
	}
}

func TestReplayStepsFromConfirmedTick(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 10)

	var ctrl Controller
	_, _ = ctrl.Trigger(7)

	result, err := f.replayer(200).Replay(&ctrl)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Ticks != 4 || len(f.steps) != 4 {
		t.Fatalf("expected 4 replayed steps, got result %+v steps %v", result, f.steps)
	}
	want := []tick.Tick{8, 9, 10, 11}
	for i, got := range f.steps {
		if got != want[i] {
			t.Fatalf("step %d simulated tick %d, want %d", i, got, want[i])
		}
	}
	if ctrl.State() != DidRollback {
		t.Fatalf("expected did_rollback after replay, got %s", ctrl.State())
	}
	if !ctrl.Advance() || ctrl.State() != Default {
		t.Fatalf("expected default on the following frame, got %s", ctrl.State())
	}
}

func TestReplayCorrectsMisprediction(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 8)

	//1.- The server says the entity was at 3 on tick 5 while we predicted 5.
	update := AuthoritativeUpdate{Entity: f.confirmed, Kind: "position", Value: position{X: 3}, Tick: 5}
	h, _ := f.registry.Handler("position")
	if err := h.ApplyConfirmed(f.world.Entry(f.confirmed), update.Value); err != nil {
		t.Fatalf("apply confirmed: %v", err)
	}

	var ctrl Controller
	f.detector().Check(&ctrl, 5, []AuthoritativeUpdate{update})
	if ctrl.State() != ShouldRollback {
		t.Fatalf("expected rollback request, got %s", ctrl.State())
	}

	if _, err := f.replayer(200).Replay(&ctrl); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if got := f.recordedX(t, 5); got != 3 {
		t.Fatalf("expected history at 5 overwritten with 3, got %d", got)
	}
	if got := f.recordedX(t, 8); got != 6 {
		t.Fatalf("expected corrected prediction 6 at tick 8, got %d", got)
	}
	if f.clock.Now() != 9 || f.predictedX() != 7 {
		t.Fatalf("expected replay to produce tick 9 at 7, got tick %d at %d", f.clock.Now(), f.predictedX())
	}
}

func TestReplayRejectsWindowBeyondCap(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 40)

	var ctrl Controller
	_, _ = ctrl.Trigger(2)

	_, err := f.replayer(16).Replay(&ctrl)
	if !errors.Is(err, ErrInvalidRollbackWindow) {
		t.Fatalf("expected invalid window, got %v", err)
	}
	if ctrl.State() != Default || len(f.steps) != 0 || f.clock.Now() != 40 {
		t.Fatalf("rejected replay must not simulate, state %s steps %v tick %d", ctrl.State(), f.steps, f.clock.Now())
	}
}

func TestReplayRejectsFutureConfirmedTick(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 4)

	var ctrl Controller
	_, _ = ctrl.Trigger(9)

	if _, err := f.replayer(200).Replay(&ctrl); !errors.Is(err, ErrInvalidRollbackWindow) {
		t.Fatalf("expected invalid window for a confirmed tick ahead of the clock, got %v", err)
	}
	if ctrl.State() != Default {
		t.Fatalf("expected controller reset, got %s", ctrl.State())
	}
}

func TestReplayRequiresPendingRollback(t *testing.T) {
	f := newFixture(t)
	var ctrl Controller
	if _, err := f.replayer(200).Replay(&ctrl); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestReplayRestoresRemovedComponent(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 6)

	//1.- The server never had a heading for the confirmed entity.
	confirmed := f.world.Entry(f.confirmed)
	confirmed.RemoveComponent(f.heading)

	var ctrl Controller
	_, _ = ctrl.Trigger(4)
	if _, err := f.replayer(200).Replay(&ctrl); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if f.world.Entry(f.predicted).HasComponent(f.heading) {
		t.Fatalf("expected heading removed from the predicted entity")
	}
	h, _ := f.registry.Handler("heading")
	if _, ok := h.Predicted(f.world.Entry(f.predicted), 4); ok {
		t.Fatalf("expected heading recorded as removed at the rollback tick")
	}
}

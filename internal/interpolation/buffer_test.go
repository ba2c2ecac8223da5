package interpolation

import (
	"math"
	"testing"

	"github.com/yohamta/donburi"

	"driftpursuit/prediction/internal/tick"
)

type point struct {
	X, Y float64
}

func lerpPoint(from, to point, t float64) point {
	return point{X: from.X + (to.X-from.X)*t, Y: from.Y + (to.Y-from.Y)*t}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBufferSampleBlendsSurroundingSnapshots(t *testing.T) {
	buf := NewBuffer(8, lerpPoint)
	buf.Push(10, point{X: 0})
	buf.Push(14, point{X: 40, Y: 8})

	cases := []struct {
		target   tick.Tick
		overstep float64
		want     point
	}{
		{target: 10, want: point{X: 0}},
		{target: 11, want: point{X: 10, Y: 2}},
		{target: 12, overstep: 0.5, want: point{X: 25, Y: 5}},
		{target: 14, want: point{X: 40, Y: 8}},
	}
	for _, tc := range cases {
		got, ok := buf.Sample(tc.target, tc.overstep)
		if !ok || !near(got.X, tc.want.X) || !near(got.Y, tc.want.Y) {
			t.Fatalf("Sample(%d, %v) = %+v, want %+v", tc.target, tc.overstep, got, tc.want)
		}
	}
}

func TestBufferSampleClampsOutsideRange(t *testing.T) {
	buf := NewBuffer(8, lerpPoint)
	if _, ok := buf.Sample(0, 0); ok {
		t.Fatalf("expected empty buffer to miss")
	}
	buf.Push(20, point{X: 1})
	buf.Push(22, point{X: 3})

	if got, _ := buf.Sample(5, 0); got.X != 1 {
		t.Fatalf("expected clamp to first sample, got %+v", got)
	}
	if got, _ := buf.Sample(30, 0.9); got.X != 3 {
		t.Fatalf("expected clamp to last sample, got %+v", got)
	}
}

func TestBufferAcrossWrapAndEviction(t *testing.T) {
	buf := NewBuffer(2, lerpPoint)
	buf.Push(65534, point{X: 0})
	buf.Push(0, point{X: 20})
	if buf.Push(65535, point{X: 99}) {
		t.Fatalf("expected out of order sample to be ignored")
	}

	if got, _ := buf.Sample(65535, 0); !near(got.X, 10) {
		t.Fatalf("expected midpoint across wrap, got %+v", got)
	}

	buf.Push(2, point{X: 40})
	if buf.Len() != 2 {
		t.Fatalf("expected capacity bound, got %d", buf.Len())
	}
	if got, _ := buf.Sample(65534, 0); got.X != 20 {
		t.Fatalf("expected evicted head to clamp to oldest kept sample, got %+v", got)
	}
}

func TestSetAppliesSampledValues(t *testing.T) {
	world := donburi.NewWorld()
	ct := donburi.NewComponentType[point]()
	set := NewSet(8)
	if err := Register(set, "point", ct, lerpPoint); err != nil {
		t.Fatalf("register: %v", err)
	}

	remote := world.Create(ct)
	ch, _ := set.Channel("point")
	if err := ch.Push(remote, 1, point{X: 0}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := ch.Push(remote, 3, point{X: 10}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := ch.Push(remote, 4, "bogus"); err == nil {
		t.Fatalf("expected mistyped value to be rejected")
	}

	if updated := set.Apply(world, 2, 0); updated != 1 {
		t.Fatalf("expected one entity updated, got %d", updated)
	}
	if got := ct.Get(world.Entry(remote)); !near(got.X, 5) {
		t.Fatalf("expected interpolated x 5, got %+v", got)
	}

	world.Remove(remote)
	if updated := set.Apply(world, 2, 0); updated != 0 {
		t.Fatalf("expected removed entity dropped, got %d", updated)
	}
}

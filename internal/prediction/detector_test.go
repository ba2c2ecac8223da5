package prediction

import (
	"bytes"
	"strings"
	"testing"

	"driftpursuit/prediction/internal/logging"
)

func TestDetectorTriggersOnDivergence(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 8)

	var ctrl Controller
	report := f.detector().Check(&ctrl, 5, []AuthoritativeUpdate{
		{Entity: f.confirmed, Kind: "position", Value: position{X: 3}, Tick: 5},
	})

	if !report.Triggered || ctrl.State() != ShouldRollback {
		t.Fatalf("expected rollback request, got report %+v state %s", report, ctrl.State())
	}
	if ctrl.RollbackTick() != 5 || report.OldestMismatch != 5 {
		t.Fatalf("unexpected rollback tick %d / oldest %d", ctrl.RollbackTick(), report.OldestMismatch)
	}
}

func TestDetectorIgnoresMatchingPrediction(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 8)

	var ctrl Controller
	report := f.detector().Check(&ctrl, 5, []AuthoritativeUpdate{
		{Entity: f.confirmed, Kind: "position", Value: position{X: 5}, Tick: 5},
		{Entity: f.confirmed, Kind: "heading", Value: heading{}, Tick: 5},
	})

	if report.Diverged() || ctrl.State() != Default {
		t.Fatalf("expected no divergence, got %+v state %s", report, ctrl.State())
	}
	if report.Compared != 2 {
		t.Fatalf("expected both updates compared, got %d", report.Compared)
	}
}

func TestDetectorTriggersOncePerFrameAndCollectsKinds(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 8)

	var ctrl Controller
	report := f.detector().Check(&ctrl, 7, []AuthoritativeUpdate{
		{Entity: f.confirmed, Kind: "position", Value: position{X: 100}, Tick: 7},
		{Entity: f.confirmed, Kind: "heading", Value: heading{Degrees: 90}, Tick: 7},
		{Entity: f.confirmed, Kind: "position", Value: position{X: 100}, Tick: 6},
	})

	if ctrl.State() != ShouldRollback || ctrl.RollbackTick() != 7 {
		t.Fatalf("unexpected controller %s at %d", ctrl.State(), ctrl.RollbackTick())
	}
	if !report.Mismatched.Contains("position", "heading") || report.Mismatched.Cardinality() != 2 {
		t.Fatalf("expected both kinds reported, got %v", report.Mismatched)
	}
	if report.OldestMismatch != 6 {
		t.Fatalf("expected oldest mismatch 6, got %d", report.OldestMismatch)
	}
	if report.Compared != 3 {
		t.Fatalf("expected all updates compared for diagnostics, got %d", report.Compared)
	}
}

func TestDetectorSkipsUnknownPredictions(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 8)
	stranger := f.world.Create(f.position)

	var ctrl Controller
	report := f.detector().Check(&ctrl, 8, []AuthoritativeUpdate{
		{Entity: stranger, Kind: "position", Value: position{X: 1}, Tick: 8},
		{Entity: f.confirmed, Kind: "velocity", Value: 3, Tick: 8},
		{Entity: f.confirmed, Kind: "position", Value: position{X: 1}, Tick: 200},
	})

	if report.Skipped != 2 {
		t.Fatalf("expected unmapped entity and unknown kind skipped, got %d", report.Skipped)
	}
	if report.Compared != 0 || ctrl.State() != Default {
		t.Fatalf("history misses must be no-ops, got %+v state %s", report, ctrl.State())
	}
}

func TestDetectorRecoversFromUnexpectedState(t *testing.T) {
	f := newFixture(t)
	f.forward(t, 8)

	var buf bytes.Buffer
	detector := NewDetector(f.world, f.registry, f.mapping, logging.NewWriterLogger(&buf, logging.DebugLevel))

	var ctrl Controller
	_, _ = ctrl.Trigger(1)
	_ = ctrl.Complete()

	report := detector.Check(&ctrl, 4, []AuthoritativeUpdate{
		{Entity: f.confirmed, Kind: "position", Value: position{X: -1}, Tick: 4},
	})
	if !report.Triggered || ctrl.State() != ShouldRollback || ctrl.RollbackTick() != 4 {
		t.Fatalf("expected reset then trigger, got %+v state %s at %d", report, ctrl.State(), ctrl.RollbackTick())
	}
	out := buf.String()
	if !strings.Contains(out, "unexpected rollback state") {
		t.Fatalf("expected error log, got %s", out)
	}
	if !strings.Contains(out, "prediction mismatch") {
		t.Fatalf("expected debug dump of mismatch, got %s", out)
	}
}

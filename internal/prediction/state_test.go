package prediction

import (
	"errors"
	"testing"
)

func TestControllerLifecycle(t *testing.T) {
	var ctrl Controller
	if ctrl.State() != Default {
		t.Fatalf("expected zero controller in default state, got %s", ctrl.State())
	}

	triggered, err := ctrl.Trigger(42)
	if err != nil || !triggered {
		t.Fatalf("expected first trigger to transition, got %v %v", triggered, err)
	}
	if ctrl.State() != ShouldRollback || ctrl.RollbackTick() != 42 {
		t.Fatalf("unexpected state after trigger: %s at %d", ctrl.State(), ctrl.RollbackTick())
	}

	triggered, err = ctrl.Trigger(50)
	if err != nil || triggered {
		t.Fatalf("expected second trigger to be a no-op, got %v %v", triggered, err)
	}
	if ctrl.RollbackTick() != 42 {
		t.Fatalf("second trigger must not move the rollback tick, got %d", ctrl.RollbackTick())
	}

	if err := ctrl.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ctrl.State() != DidRollback {
		t.Fatalf("expected did_rollback, got %s", ctrl.State())
	}
	if !ctrl.Advance() || ctrl.State() != Default {
		t.Fatalf("expected advance back to default, got %s", ctrl.State())
	}
	if ctrl.Advance() {
		t.Fatalf("advance from default must report false")
	}
}

func TestControllerIllegalTransitions(t *testing.T) {
	var ctrl Controller
	if err := ctrl.Complete(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition completing from default, got %v", err)
	}

	_, _ = ctrl.Trigger(3)
	_ = ctrl.Complete()
	if _, err := ctrl.Trigger(4); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition triggering from did_rollback, got %v", err)
	}

	ctrl.Reset()
	if ctrl.State() != Default || ctrl.RollbackTick() != 0 {
		t.Fatalf("reset left %s at %d", ctrl.State(), ctrl.RollbackTick())
	}
}

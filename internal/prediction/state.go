// Package prediction detects mispredicted components and replays the fixed
// step simulation from the last confirmed tick.
package prediction

import (
	"errors"
	"fmt"

	"driftpursuit/prediction/internal/tick"
)

var (
	// ErrIllegalTransition reports a rollback state change the state machine forbids.
	ErrIllegalTransition = errors.New("illegal rollback state transition")
	// ErrInvalidRollbackWindow reports a replay length below one tick or above the cap.
	ErrInvalidRollbackWindow = errors.New("invalid rollback window")
	// ErrMissingMapping reports a confirmed entity without a predicted counterpart.
	ErrMissingMapping = errors.New("no predicted entity for confirmed entity")
	// ErrUnknownKind reports an update for a component kind nobody registered.
	ErrUnknownKind = errors.New("unregistered component kind")
)

// RollbackState is the per-connection rollback lifecycle.
type RollbackState int

const (
	// Default is the steady state.
	Default RollbackState = iota
	// ShouldRollback means a divergence was detected and a replay is pending.
	ShouldRollback
	// DidRollback lasts for the single frame following a replay.
	DidRollback
)

func (s RollbackState) String() string {
	switch s {
	case Default:
		return "default"
	case ShouldRollback:
		return "should_rollback"
	case DidRollback:
		return "did_rollback"
	default:
		return fmt.Sprintf("rollback_state(%d)", int(s))
	}
}

// Controller owns the rollback state of one client session.
type Controller struct {
	state        RollbackState
	rollbackTick tick.Tick
}

// State returns the current rollback state.
func (c *Controller) State() RollbackState { return c.state }

// RollbackTick returns the confirmed tick the pending replay starts from.
func (c *Controller) RollbackTick() tick.Tick { return c.rollbackTick }

// Trigger requests a rollback from confirmed. It reports whether this call
// performed the Default -> ShouldRollback transition; a second trigger while
// a replay is pending is a no-op.
func (c *Controller) Trigger(confirmed tick.Tick) (bool, error) {
	switch c.state {
	case Default:
		c.state = ShouldRollback
		c.rollbackTick = confirmed
		return true, nil
	case ShouldRollback:
		return false, nil
	default:
		return false, fmt.Errorf("%w: trigger while %s", ErrIllegalTransition, c.state)
	}
}

// Complete marks the pending replay as done.
func (c *Controller) Complete() error {
	if c.state != ShouldRollback {
		return fmt.Errorf("%w: complete while %s", ErrIllegalTransition, c.state)
	}
	c.state = DidRollback
	return nil
}

// Advance ends the one-frame DidRollback state. It returns true when it did.
func (c *Controller) Advance() bool {
	if c.state != DidRollback {
		return false
	}
	c.state = Default
	return true
}

// Reset drops any pending rollback and returns to Default.
func (c *Controller) Reset() {
	c.state = Default
	c.rollbackTick = 0
}

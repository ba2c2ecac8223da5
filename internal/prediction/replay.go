package prediction

import (
	"fmt"

	"github.com/yohamta/donburi"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
)

// StepFunc advances the external simulation by exactly one tick. The caller
// supplies the input recorded for t.
type StepFunc func(t tick.Tick)

// ReplayResult describes one completed replay.
type ReplayResult struct {
	From  tick.Tick
	To    tick.Tick
	Ticks int
}

// Replayer resets predicted entities to the confirmed state and resimulates
// up to the present.
type Replayer struct {
	world    donburi.World
	registry *Registry
	mapper   EntityMapper
	clock    *tick.Clock
	step     StepFunc
	maxTicks int
	logger   *logging.Logger
}

// NewReplayer builds a replay driver. clock holds the last simulated tick and
// is moved forward by the replay.
func NewReplayer(world donburi.World, registry *Registry, mapper EntityMapper, clock *tick.Clock, step StepFunc, maxTicks int, logger *logging.Logger) *Replayer {
	if logger == nil {
		logger = logging.L()
	}
	return &Replayer{
		world:    world,
		registry: registry,
		mapper:   mapper,
		clock:    clock,
		step:     step,
		maxTicks: maxTicks,
		logger:   logger,
	}
}

// WindowSize returns how many ticks a replay from confirmed must simulate when
// current is the last simulated tick.
func WindowSize(confirmed, current tick.Tick) int {
	return int(tick.Diff(confirmed, current)) + 1
}

// Replay runs the pending rollback. It must only be called while the
// controller is in ShouldRollback. An out of range window resets the
// controller and leaves the world untouched.
func (r *Replayer) Replay(ctrl *Controller) (ReplayResult, error) {
	if ctrl.State() != ShouldRollback {
		return ReplayResult{}, fmt.Errorf("%w: replay while %s", ErrIllegalTransition, ctrl.State())
	}

	confirmed := ctrl.RollbackTick()
	current := r.clock.Now()
	n := WindowSize(confirmed, current)
	if n < 1 || n > r.maxTicks {
		ctrl.Reset()
		return ReplayResult{}, fmt.Errorf("%w: %d ticks from %d to %d (cap %d)", ErrInvalidRollbackWindow, n, confirmed, current, r.maxTicks)
	}

	//1.- Reset every predicted entity to its confirmed counterpart.
	for _, pair := range r.mapper.Pairs() {
		if !r.world.Valid(pair.Predicted) {
			continue
		}
		var confirmedEntry *donburi.Entry
		if r.world.Valid(pair.Confirmed) {
			confirmedEntry = r.world.Entry(pair.Confirmed)
		}
		for _, h := range r.registry.Handlers() {
			if err := h.Restore(r.world.Entry(pair.Predicted), confirmedEntry, confirmed); err != nil {
				r.logger.Error("restoring predicted component",
					logging.String("kind", h.Kind()),
					logging.Uint16("tick", uint16(confirmed)),
					logging.Error(err),
				)
			}
		}
	}

	//2.- Resimulate and record exactly as forward play does.
	r.clock.Set(confirmed)
	for i := 0; i < n; i++ {
		r.clock.AdvanceBy(1)
		now := r.clock.Now()
		r.step(now)
		if err := r.registry.Record(r.world, r.mapper, now); err != nil {
			r.logger.Error("recording replayed tick", logging.Error(err))
		}
	}

	if err := ctrl.Complete(); err != nil {
		return ReplayResult{}, err
	}
	return ReplayResult{From: confirmed, To: r.clock.Now(), Ticks: n}, nil
}

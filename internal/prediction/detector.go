package prediction

import (
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sanity-io/litter"
	"github.com/yohamta/donburi"
	"golang.org/x/time/rate"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
)

// AuthoritativeUpdate is one confirmed component value received from the server.
type AuthoritativeUpdate struct {
	Entity donburi.Entity
	Kind   string
	Value  any
	Tick   tick.Tick
}

// Report summarises one divergence pass.
type Report struct {
	Compared   int
	Skipped    int
	Mismatched mapset.Set[string]
	// OldestMismatch is the earliest tick whose prediction disagreed.
	OldestMismatch tick.Tick
	Triggered      bool
}

// Diverged reports whether any compared component disagreed.
func (r Report) Diverged() bool { return r.Mismatched != nil && r.Mismatched.Cardinality() > 0 }

// Detector compares authoritative updates against recorded predictions.
type Detector struct {
	world    donburi.World
	registry *Registry
	mapper   EntityMapper
	logger   *logging.Logger

	warnings rate.Sometimes
}

// NewDetector wires a detector over the session's world and mapping.
func NewDetector(world donburi.World, registry *Registry, mapper EntityMapper, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.L()
	}
	return &Detector{
		world:    world,
		registry: registry,
		mapper:   mapper,
		logger:   logger,
		warnings: rate.Sometimes{First: 3, Interval: time.Second},
	}
}

// Check compares every update with the prediction recorded for its tick and
// requests at most one rollback, starting from confirmed. Updates whose
// prediction is unknown are ignored.
func (d *Detector) Check(ctrl *Controller, confirmed tick.Tick, updates []AuthoritativeUpdate) Report {
	report := Report{Mismatched: mapset.NewThreadUnsafeSet[string]()}
	oldestSet := false

	for _, update := range updates {
		predicted, err := d.resolve(update)
		if err != nil {
			report.Skipped++
			d.warnings.Do(func() {
				d.logger.Warn("skipping authoritative update",
					logging.String("kind", update.Kind),
					logging.Uint16("tick", uint16(update.Tick)),
					logging.Error(err),
				)
			})
			continue
		}

		handler, _ := d.registry.Handler(update.Kind)
		mismatch, found, err := handler.Compare(predicted, update.Tick, update.Value)
		if err != nil {
			report.Skipped++
			d.logger.Error("comparing authoritative update", logging.String("kind", update.Kind), logging.Error(err))
			continue
		}
		if !found {
			continue
		}
		report.Compared++
		if !mismatch {
			continue
		}

		report.Mismatched.Add(update.Kind)
		if !oldestSet || update.Tick.Before(report.OldestMismatch) {
			report.OldestMismatch = update.Tick
			oldestSet = true
		}
		if d.logger.Enabled(logging.DebugLevel) {
			local, _ := handler.Predicted(predicted, update.Tick)
			d.logger.Debug("prediction mismatch",
				logging.String("kind", update.Kind),
				logging.Uint16("tick", uint16(update.Tick)),
				logging.String("predicted", litter.Sdump(local)),
				logging.String("confirmed", litter.Sdump(update.Value)),
			)
		}

		//1.- Only the first mismatch transitions; later ones are diagnostics.
		if d.trigger(ctrl, confirmed) {
			report.Triggered = true
		}
	}

	if report.Diverged() {
		d.logger.Info("divergence detected",
			logging.Strings("kinds", report.Mismatched.ToSlice()),
			logging.Uint16("oldest_mismatch", uint16(report.OldestMismatch)),
			logging.Uint16("rollback_tick", uint16(ctrl.RollbackTick())),
		)
	}
	return report
}

func (d *Detector) trigger(ctrl *Controller, confirmed tick.Tick) bool {
	triggered, err := ctrl.Trigger(confirmed)
	if err == nil {
		return triggered
	}
	d.logger.Error("unexpected rollback state during divergence check",
		logging.String("state", ctrl.State().String()),
		logging.Error(err),
	)
	ctrl.Reset()
	triggered, _ = ctrl.Trigger(confirmed)
	return triggered
}

func (d *Detector) resolve(update AuthoritativeUpdate) (*donburi.Entry, error) {
	if _, ok := d.registry.Handler(update.Kind); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, update.Kind)
	}
	predicted, ok := d.mapper.Predicted(update.Entity)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrMissingMapping, update.Entity)
	}
	if !d.world.Valid(predicted) {
		return nil, fmt.Errorf("%w: predicted entity %v no longer exists", ErrMissingMapping, predicted)
	}
	return d.world.Entry(predicted), nil
}

// IsSkippable reports whether err describes an update the detector ignores.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrMissingMapping) || errors.Is(err, ErrUnknownKind)
}

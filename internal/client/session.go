// Package client runs the per-connection prediction frame: receive, clock
// sync, divergence checks, rollback replay, forward simulation and
// interpolation, in that order.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yohamta/donburi"
	"golang.org/x/time/rate"

	"driftpursuit/prediction/internal/config"
	"driftpursuit/prediction/internal/input"
	"driftpursuit/prediction/internal/interpolation"
	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/prediction"
	"driftpursuit/prediction/internal/recording"
	"driftpursuit/prediction/internal/simulation"
	"driftpursuit/prediction/internal/tick"
	"driftpursuit/prediction/internal/timesync"
	"driftpursuit/prediction/internal/wire"
)

// maxStepsPerFrame bounds forward catch-up after a stall.
const maxStepsPerFrame = 8

// PredictedTag marks entities the session predicts locally; step functions
// query it to find what they should simulate.
var PredictedTag = donburi.NewTag()

// InterpolatedTag marks entities rendered from interpolation buffers.
var InterpolatedTag = donburi.NewTag()

// ErrNotSynced reports an operation that needs a synchronised tick clock.
var ErrNotSynced = errors.New("session clock not synchronised")

// PingTransport delivers pings to the server. Pongs come back through
// Session.EnqueuePong.
type PingTransport interface {
	SendPing(ctx context.Context, ping timesync.Ping) error
}

// StepFunc advances the external simulation by one tick with the input
// recorded for it. replaying is true while a rollback resimulates.
type StepFunc[I any] func(t tick.Tick, in I, replaying bool)

// Options wires a session to its collaborators.
type Options[I any] struct {
	Config   *config.Config
	World    donburi.World
	Registry *prediction.Registry
	// Interpolation is optional; without it confirmed values of untracked
	// entities are only applied to the confirmed entities.
	Interpolation *interpolation.Set
	Step          StepFunc[I]
	Transport     PingTransport
	// Journal is optional; nil disables recording.
	Journal *recording.Journal
	Monitor *simulation.FrameMonitor
	Logger  *logging.Logger
	// Now defaults to time.Now and is only used to time frames.
	Now func() time.Time
}

// FrameReport describes what one frame did.
type FrameReport struct {
	Tick       tick.Tick
	Phase      timesync.Phase
	Received   int
	Resync     timesync.ResyncKind
	Divergence prediction.Report
	Replay     prediction.ReplayResult
	Simulated  int
}

// appliedKey identifies the newest confirmed value applied per component.
type appliedKey struct {
	entity donburi.Entity
	kind   string
}

type pongDelivery struct {
	pong       timesync.Pong
	receivedAt time.Time
}

// Session holds all prediction state of one client connection.
type Session[I any] struct {
	id     uuid.UUID
	cfg    *config.Config
	step   time.Duration
	logger *logging.Logger
	now    func() time.Time

	world        donburi.World
	registry     *prediction.Registry
	predicted    *prediction.EntityMap
	interpolated *prediction.EntityMap
	interp       *interpolation.Set
	applied      map[appliedKey]tick.Tick

	clock    *tick.Clock
	ctrl     prediction.Controller
	detector *prediction.Detector
	replayer *prediction.Replayer
	sync     *timesync.Synchronizer
	inputs   *input.Buffer[I]
	acc      *simulation.Accumulator
	simulate StepFunc[I]

	transport PingTransport
	journal   *recording.Journal
	monitor   *simulation.FrameMonitor

	pongWarnings   rate.Sometimes
	updateWarnings rate.Sometimes
	syncWarnings   rate.Sometimes

	mu      sync.Mutex
	updates []prediction.AuthoritativeUpdate
	pongs   []pongDelivery

	started          bool
	lastVirtual      time.Time
	latestServerTick tick.Tick
	hasServerTick    bool
}

// NewSession validates opts and builds a session in the handshake phase.
func NewSession[I any](opts Options[I]) (*Session[I], error) {
	if opts.World == nil || opts.Registry == nil || opts.Step == nil {
		return nil, errors.New("session requires a world, a registry and a step function")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	id := uuid.New()
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	logger = logger.With(logging.String("session_id", id.String()))
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	synchronizer, err := timesync.NewSynchronizer(timesync.Config{
		HandshakePings:      cfg.Sync.HandshakePings,
		PingInterval:        cfg.Sync.PingInterval,
		HandshakeTimeout:    cfg.Sync.HandshakeTimeout,
		HandshakeRetries:    cfg.Sync.HandshakeRetries,
		MaxClockError:       cfg.Sync.MaxClockError,
		SoftResyncThreshold: cfg.Sync.SoftResyncThreshold,
		SpeedupFactor:       cfg.Sync.SpeedupFactor,
	}, timesync.NewVirtualClock())
	if err != nil {
		return nil, fmt.Errorf("clock sync: %w", err)
	}

	s := &Session[I]{
		id:           id,
		cfg:          cfg,
		step:         cfg.TickDuration(),
		logger:       logger,
		now:          now,
		world:        opts.World,
		registry:     opts.Registry,
		predicted:    prediction.NewEntityMap(),
		interpolated: prediction.NewEntityMap(),
		applied:      make(map[appliedKey]tick.Tick),
		interp:       opts.Interpolation,
		clock:        tick.NewClock(0),
		sync:         synchronizer,
		inputs: input.NewBuffer[I](input.Config{
			Window:  cfg.Rollback.MaxReplayTicks,
			MaxLead: cfg.TickRate,
		}),
		acc:            simulation.NewAccumulator(cfg.TickDuration()),
		simulate:       opts.Step,
		transport:      opts.Transport,
		journal:        opts.Journal,
		monitor:        opts.Monitor,
		pongWarnings:   rate.Sometimes{First: 3, Interval: time.Second},
		updateWarnings: rate.Sometimes{First: 3, Interval: time.Second},
		syncWarnings:   rate.Sometimes{First: 1, Interval: time.Second},
	}
	s.detector = prediction.NewDetector(s.world, s.registry, s.predicted, logger)
	s.replayer = prediction.NewReplayer(s.world, s.registry, s.predicted, s.clock, s.replayStep, cfg.Rollback.MaxReplayTicks, logger)
	return s, nil
}

// AttachTransport sets the ping transport. Transports usually need the
// session's EnqueuePong as their sink, so they are attached after creation.
func (s *Session[I]) AttachTransport(t PingTransport) { s.transport = t }

// AttachJournal enables recording into j, which is typically named after ID.
func (s *Session[I]) AttachJournal(j *recording.Journal) { s.journal = j }

// ID identifies the session in logs and journals.
func (s *Session[I]) ID() uuid.UUID { return s.id }

// Tick returns the last simulated tick.
func (s *Session[I]) Tick() tick.Tick { return s.clock.Now() }

// Synced reports whether the handshake completed and prediction is running.
func (s *Session[I]) Synced() bool { return s.started }

// Phase reports the clock synchronisation phase.
func (s *Session[I]) Phase() timesync.Phase { return s.sync.Phase() }

// RollbackState reports the rollback state machine.
func (s *Session[I]) RollbackState() prediction.RollbackState { return s.ctrl.State() }

// LatestServerTick returns the newest confirmed tick received.
func (s *Session[I]) LatestServerTick() (tick.Tick, bool) {
	return s.latestServerTick, s.hasServerTick
}

// Predicted returns the predicted entity shadowing confirmed.
func (s *Session[I]) Predicted(confirmed donburi.Entity) (donburi.Entity, bool) {
	return s.predicted.Predicted(confirmed)
}

// Interpolated returns the interpolated entity mirroring confirmed.
func (s *Session[I]) Interpolated(confirmed donburi.Entity) (donburi.Entity, bool) {
	return s.interpolated.Predicted(confirmed)
}

// Predict starts predicting confirmed locally. The predicted entity starts as
// a copy of the confirmed components.
func (s *Session[I]) Predict(confirmed donburi.Entity) (donburi.Entity, error) {
	if !s.world.Valid(confirmed) {
		return 0, fmt.Errorf("predict: confirmed entity %v does not exist", confirmed)
	}
	if existing, ok := s.predicted.Predicted(confirmed); ok {
		return existing, nil
	}
	predicted := s.world.Create(PredictedTag)
	entry := s.world.Entry(predicted)
	s.registry.Attach(entry)
	for _, h := range s.registry.Handlers() {
		if err := h.Restore(s.world.Entry(predicted), s.world.Entry(confirmed), s.clock.Now()); err != nil {
			s.world.Remove(predicted)
			return 0, fmt.Errorf("predict %s: %w", h.Kind(), err)
		}
	}
	s.predicted.Link(confirmed, predicted)
	return predicted, nil
}

// Interpolate renders confirmed through a separate entity fed by the
// interpolation buffers.
func (s *Session[I]) Interpolate(confirmed donburi.Entity) (donburi.Entity, error) {
	if s.interp == nil {
		return 0, errors.New("interpolate: session has no interpolation set")
	}
	if existing, ok := s.interpolated.Predicted(confirmed); ok {
		return existing, nil
	}
	local := s.world.Create(InterpolatedTag)
	s.interpolated.Link(confirmed, local)
	return local, nil
}

// Forget stops predicting or interpolating confirmed and despawns the local copies.
func (s *Session[I]) Forget(confirmed donburi.Entity) {
	for key := range s.applied {
		if key.entity == confirmed {
			delete(s.applied, key)
		}
	}
	if predicted, ok := s.predicted.Unlink(confirmed); ok && s.world.Valid(predicted) {
		s.world.Remove(predicted)
	}
	if local, ok := s.interpolated.Unlink(confirmed); ok {
		if s.interp != nil {
			s.interp.Forget(local)
		}
		if s.world.Valid(local) {
			s.world.Remove(local)
		}
	}
}

// SetInput records the local input for t.
func (s *Session[I]) SetInput(t tick.Tick, in I) input.Decision {
	return s.inputs.Set(s.clock.Now(), t, in)
}

// InputDrops reports rejected inputs.
func (s *Session[I]) InputDrops() input.DropCounters { return s.inputs.Drops() }

// EnqueueUpdate queues an authoritative value. Safe for concurrent use.
func (s *Session[I]) EnqueueUpdate(update prediction.AuthoritativeUpdate) {
	s.mu.Lock()
	s.updates = append(s.updates, update)
	s.mu.Unlock()
}

// EnqueuePong queues a pong received at the given wall clock time. Its
// signature matches transport.PongSink. Safe for concurrent use.
func (s *Session[I]) EnqueuePong(pong timesync.Pong, receivedAt time.Time) {
	s.mu.Lock()
	s.pongs = append(s.pongs, pongDelivery{pong: pong, receivedAt: receivedAt})
	s.mu.Unlock()
}

func (s *Session[I]) drain() ([]prediction.AuthoritativeUpdate, []pongDelivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates, pongs := s.updates, s.pongs
	s.updates, s.pongs = nil, nil
	return updates, pongs
}

// Frame runs one client frame at wall clock time now.
func (s *Session[I]) Frame(ctx context.Context, now time.Time) (FrameReport, error) {
	if err := ctx.Err(); err != nil {
		return FrameReport{}, err
	}
	started := s.now()
	defer func() { s.monitor.ObserveFrame(s.now().Sub(started)) }()

	report := FrameReport{}

	//1.- Receive: apply confirmed values and track the newest server tick.
	updates, pongs := s.drain()
	report.Received = len(updates)
	s.receive(updates)

	//2.- The DidRollback state lasts exactly one frame.
	s.ctrl.Advance()

	//3.- Clock sync: pongs, pings, then soft or hard resync.
	report.Resync = s.syncClock(ctx, now, pongs)
	report.Phase = s.sync.Phase()
	if !s.started {
		report.Tick = s.clock.Now()
		if report.Phase == timesync.PhaseFailed {
			return report, fmt.Errorf("%w: handshake retries exhausted", ErrNotSynced)
		}
		return report, nil
	}

	//4.- Divergence checks against recorded predictions.
	if len(updates) > 0 && s.hasServerTick {
		report.Divergence = s.detector.Check(&s.ctrl, s.latestServerTick, s.predictedUpdates(updates))
	}

	//5.- Rollback replay, which also produces this frame's tick.
	replayed := false
	if s.ctrl.State() == prediction.ShouldRollback {
		report.Replay, replayed = s.rollback(report.Divergence)
	}

	//6.- Forward simulation for the time the virtual clock advanced, and
	//7.- history recording for every simulated tick.
	report.Simulated = s.forward(replayed)

	//8.- Interpolated entities render behind the server.
	s.interpolate()

	report.Tick = s.clock.Now()
	return report, nil
}

func (s *Session[I]) receive(updates []prediction.AuthoritativeUpdate) {
	if len(updates) == 0 {
		return
	}
	for _, update := range updates {
		handler, ok := s.registry.Handler(update.Kind)
		if ok && s.world.Valid(update.Entity) {
			s.applyConfirmed(handler, update)
		}
		if local, tracked := s.interpolated.Predicted(update.Entity); tracked && s.interp != nil {
			if ch, known := s.interp.Channel(update.Kind); known {
				if err := ch.Push(local, update.Tick, update.Value); err != nil {
					s.updateWarnings.Do(func() {
						s.logger.Warn("rejecting interpolation sample", logging.String("kind", update.Kind), logging.Error(err))
					})
				}
			}
		}
		if !s.hasServerTick || update.Tick.After(s.latestServerTick) {
			s.latestServerTick = update.Tick
			s.hasServerTick = true
		}
	}
	s.recordUpdates(updates)
}

// applyConfirmed writes update onto the confirmed entity unless a newer value
// of the same component already landed. Late updates still reach the detector.
func (s *Session[I]) applyConfirmed(handler prediction.Handler, update prediction.AuthoritativeUpdate) {
	key := appliedKey{entity: update.Entity, kind: update.Kind}
	if last, seen := s.applied[key]; seen && update.Tick.Before(last) {
		s.logger.Debug("keeping newer confirmed value",
			logging.String("kind", update.Kind),
			logging.Uint16("late_tick", uint16(update.Tick)),
			logging.Uint16("applied_tick", uint16(last)),
		)
		return
	}
	if err := handler.ApplyConfirmed(s.world.Entry(update.Entity), update.Value); err != nil {
		s.updateWarnings.Do(func() {
			s.logger.Warn("rejecting authoritative update", logging.String("kind", update.Kind), logging.Error(err))
		})
		return
	}
	s.applied[key] = update.Tick
}

// predictedUpdates keeps the updates of predicted entities so interpolated
// and untracked ones do not show up as missing mappings.
func (s *Session[I]) predictedUpdates(updates []prediction.AuthoritativeUpdate) []prediction.AuthoritativeUpdate {
	out := updates[:0:0]
	for _, update := range updates {
		if _, ok := s.predicted.Predicted(update.Entity); ok {
			out = append(out, update)
			continue
		}
		if _, ok := s.interpolated.Predicted(update.Entity); ok {
			continue
		}
		out = append(out, update)
	}
	return out
}

func (s *Session[I]) syncClock(ctx context.Context, now time.Time, pongs []pongDelivery) timesync.ResyncKind {
	vclock := s.sync.Clock()
	virtualNow := vclock.Observe(now)
	applied := timesync.ResyncNone

	for _, delivery := range pongs {
		//1.- Pongs were stamped on the wall clock by the network goroutine.
		receivedAt := virtualNow.Add(-vclock.Scale(now.Sub(delivery.receivedAt)))
		resync, err := s.sync.ProcessPong(delivery.pong, receivedAt)
		if err != nil {
			s.pongWarnings.Do(func() {
				s.logger.Warn("discarding pong", logging.Uint16("ping_id", uint16(delivery.pong.ID)), logging.Error(err))
			})
			continue
		}
		if resync.Kind != timesync.ResyncNone {
			applied = resync.Kind
		}
		s.applyResync(resync)
	}

	if err := s.sync.Update(now); err != nil {
		level := s.logger.Warn
		if errors.Is(err, timesync.ErrHandshakeFailed) {
			level = s.logger.Error
		}
		s.syncWarnings.Do(func() { level("clock sync", logging.Error(err)) })
	}
	if s.transport != nil {
		for _, ping := range s.sync.DrainOutbox() {
			if err := s.transport.SendPing(ctx, ping); err != nil {
				s.pongWarnings.Do(func() {
					s.logger.Warn("sending ping", logging.Uint16("ping_id", uint16(ping.ID)), logging.Error(err))
				})
			}
		}
	} else {
		s.sync.DrainOutbox()
	}
	return applied
}

func (s *Session[I]) applyResync(resync timesync.Resync) {
	if resync.Kind == timesync.ResyncNone {
		return
	}
	record := recording.ResyncRecord{
		Kind:       resync.Kind.String(),
		OffsetMs:   resync.Estimate.OffsetMs,
		RoundTrip:  resync.Estimate.RoundTripDelayMs,
		ClockSpeed: s.sync.Clock().Speed(),
	}
	if resync.Kind.Snaps() {
		target, ok := s.sync.TargetTick(s.step)
		if ok {
			//1.- Predictions made on the old timeline are meaningless now.
			s.clock.Set(target.Add(-1))
			s.registry.ClearHistories(s.world, s.predicted)
			s.inputs.Reset()
			s.acc.Reset()
			s.ctrl.Reset()
			s.lastVirtual = s.sync.Clock().Now()
			s.started = true
			record.SnappedTo = uint16(target)
			s.logger.Info("tick clock snapped",
				logging.String("resync", resync.Kind.String()),
				logging.Uint16("target_tick", uint16(target)),
				logging.Float64("offset_ms", resync.Estimate.OffsetMs),
				logging.Float64("round_trip_ms", resync.Estimate.RoundTripDelayMs),
			)
		}
	}
	if err := s.journal.AppendEvent(s.clock.Now(), recording.EventResync, record); err != nil {
		s.logger.Warn("journal resync", logging.Error(err))
	}
}

func (s *Session[I]) rollback(divergence prediction.Report) (prediction.ReplayResult, bool) {
	started := s.now()
	var kinds []string
	if divergence.Mismatched != nil {
		kinds = divergence.Mismatched.ToSlice()
	}
	from := s.ctrl.RollbackTick()
	result, err := s.replayer.Replay(&s.ctrl)
	if err != nil {
		s.logger.Warn("rollback rejected", logging.Uint16("confirmed_tick", uint16(from)), logging.Error(err))
		if jerr := s.journal.AppendEvent(s.clock.Now(), recording.EventRejected, recording.RollbackRecord{
			From: uint16(from), To: uint16(s.clock.Now()), Kinds: kinds, Reason: err.Error(),
		}); jerr != nil {
			s.logger.Warn("journal rollback", logging.Error(jerr))
		}
		return prediction.ReplayResult{}, false
	}
	s.monitor.ObserveReplay(result.Ticks, s.now().Sub(started))
	s.logger.Debug("rollback replayed",
		logging.Uint16("from", uint16(result.From)),
		logging.Uint16("to", uint16(result.To)),
		logging.Int("ticks", result.Ticks),
	)
	if err := s.journal.AppendEvent(result.To, recording.EventRollback, recording.RollbackRecord{
		From: uint16(result.From), To: uint16(result.To), Ticks: result.Ticks, Kinds: kinds,
	}); err != nil {
		s.logger.Warn("journal rollback", logging.Error(err))
	}
	return result, true
}

func (s *Session[I]) forward(replayed bool) int {
	virtualNow := s.sync.Clock().Now()
	if !s.lastVirtual.IsZero() {
		s.acc.Add(virtualNow.Sub(s.lastVirtual))
	}
	s.lastVirtual = virtualNow

	ready := s.acc.Ready()
	if replayed {
		//1.- The replay already simulated the tick this frame owed.
		s.acc.Consume(1)
		ready--
	}
	if ready <= 0 {
		return 0
	}
	if ready > maxStepsPerFrame {
		s.logger.Debug("dropping simulation backlog", logging.Int("ticks", ready-maxStepsPerFrame))
		s.acc.Reset()
		ready = maxStepsPerFrame
	} else {
		s.acc.Consume(ready)
	}

	for i := 0; i < ready; i++ {
		s.clock.AdvanceBy(1)
		now := s.clock.Now()
		in, _ := s.inputs.GetOrLast(now)
		s.simulate(now, in, false)
		if err := s.registry.Record(s.world, s.predicted, now); err != nil {
			s.logger.Error("recording predicted tick", logging.Error(err))
		}
	}
	return ready
}

func (s *Session[I]) replayStep(t tick.Tick) {
	in, _ := s.inputs.GetOrLast(t)
	s.simulate(t, in, true)
}

func (s *Session[I]) interpolate() {
	if s.interp == nil {
		return
	}
	server, ok := s.sync.EstimatedServerTick(s.step)
	if !ok {
		if !s.hasServerTick {
			return
		}
		server = s.latestServerTick
	}
	target := server.Add(-int16(s.cfg.Rollback.InterpolationDelayTicks))
	s.interp.Apply(s.world, target, s.acc.Overstep())
}

func (s *Session[I]) recordUpdates(updates []prediction.AuthoritativeUpdate) {
	if s.journal == nil {
		return
	}
	batch := make([]wire.ComponentUpdate, 0, len(updates))
	for _, update := range updates {
		payload, err := json.Marshal(update.Value)
		if err != nil {
			continue
		}
		batch = append(batch, wire.ComponentUpdate{
			Entity:  uint64(update.Entity),
			Kind:    update.Kind,
			Tick:    update.Tick,
			Payload: payload,
		})
	}
	if err := s.journal.AppendFrame(s.latestServerTick, wire.MarshalUpdates(batch)); err != nil {
		s.logger.Warn("journal frame", logging.Error(err))
	}
}

// Package timesync estimates the offset between the local and server clocks
// from ping/pong exchanges and keeps a virtual clock aligned with the server.
package timesync

import (
	"errors"
	"fmt"
	"math"
	"time"

	"driftpursuit/prediction/internal/tick"
)

var (
	// ErrHandshakeTimeout reports that a handshake was abandoned and restarted.
	ErrHandshakeTimeout = errors.New("clock sync handshake timed out")
	// ErrHandshakeFailed reports that every handshake retry was exhausted.
	ErrHandshakeFailed = errors.New("clock sync handshake failed")
)

// Phase is the synchroniser lifecycle stage.
type Phase int

const (
	// PhaseHandshake collects the initial batch of samples.
	PhaseHandshake Phase = iota
	// PhaseSynced runs the continuous soft/hard resync.
	PhaseSynced
	// PhaseFailed stops pinging after the retries ran out.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseSynced:
		return "synced"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResyncKind describes what a processed pong did to the virtual clock.
type ResyncKind int

const (
	ResyncNone ResyncKind = iota
	// ResyncHandshake is the first alignment after a completed handshake.
	ResyncHandshake
	// ResyncSpeedUp runs the clock faster because the server is ahead.
	ResyncSpeedUp
	// ResyncSlowDown runs the clock slower because the server is behind.
	ResyncSlowDown
	// ResyncHard snapped the clock because the drift exceeded the maximum error.
	ResyncHard
)

func (k ResyncKind) String() string {
	switch k {
	case ResyncHandshake:
		return "handshake"
	case ResyncSpeedUp:
		return "speed_up"
	case ResyncSlowDown:
		return "slow_down"
	case ResyncHard:
		return "hard"
	default:
		return "none"
	}
}

// Snaps reports whether the resync moved the clock discontinuously.
func (k ResyncKind) Snaps() bool { return k == ResyncHandshake || k == ResyncHard }

// Resync summarises the effect of a processed pong.
type Resync struct {
	Kind     ResyncKind
	Estimate Estimate
}

// Config tunes the synchroniser.
type Config struct {
	HandshakePings      int
	PingInterval        time.Duration
	HandshakeTimeout    time.Duration
	HandshakeRetries    int
	MaxClockError       time.Duration
	SoftResyncThreshold time.Duration
	SpeedupFactor       float64
	PingStoreSize       int
}

func (c Config) withDefaults() Config {
	if c.HandshakePings < 2 {
		c.HandshakePings = 2
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 100 * time.Millisecond
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HandshakeRetries < 0 {
		c.HandshakeRetries = 0
	}
	if c.MaxClockError <= 0 {
		c.MaxClockError = 100 * time.Millisecond
	}
	if c.SoftResyncThreshold <= 0 || c.SoftResyncThreshold >= c.MaxClockError {
		c.SoftResyncThreshold = c.MaxClockError / 10
	}
	if c.SpeedupFactor <= 0 || c.SpeedupFactor >= 1 {
		c.SpeedupFactor = 0.05
	}
	return c
}

// Synchronizer runs the handshake and the steady-state resync for one connection.
type Synchronizer struct {
	cfg   Config
	clock *VirtualClock
	store *PingStore

	phase          Phase
	retries        int
	handshakeStart time.Time
	lastPing       time.Time
	pinged         bool

	lastAccepted PingID
	hasAccepted  bool
	samples      []Sample
	window       []Sample
	estimate     Estimate
	hasEstimate  bool

	anchorTick tick.Tick
	anchorTime time.Time
	hasAnchor  bool

	outbox []Ping
}

// NewSynchronizer prepares a synchroniser driving clock.
func NewSynchronizer(cfg Config, clock *VirtualClock) (*Synchronizer, error) {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = NewVirtualClock()
	}
	store, err := NewPingStore(cfg.PingStoreSize)
	if err != nil {
		return nil, err
	}
	return &Synchronizer{
		cfg:     cfg,
		clock:   clock,
		store:   store,
		samples: make([]Sample, 0, cfg.HandshakePings),
		window:  make([]Sample, 0, cfg.HandshakePings),
	}, nil
}

// Phase reports the lifecycle stage.
func (s *Synchronizer) Phase() Phase { return s.phase }

// Clock exposes the virtual clock being steered.
func (s *Synchronizer) Clock() *VirtualClock { return s.clock }

// Estimate returns the most recent filtered estimate.
func (s *Synchronizer) Estimate() (Estimate, bool) { return s.estimate, s.hasEstimate }

// PendingPings reports the number of pings waiting for a pong.
func (s *Synchronizer) PendingPings() int { return s.store.Len() }

// Update observes the wall clock, enforces the handshake timeout and queues a
// ping when the interval elapsed. A timed out handshake restarts and returns
// ErrHandshakeTimeout; once retries run out it returns ErrHandshakeFailed.
func (s *Synchronizer) Update(real time.Time) error {
	now := s.clock.Observe(real)
	if s.phase == PhaseFailed {
		return ErrHandshakeFailed
	}

	if s.phase == PhaseHandshake {
		if s.handshakeStart.IsZero() {
			s.handshakeStart = now
		} else if now.Sub(s.handshakeStart) > s.cfg.HandshakeTimeout {
			//1.- Abandon the attempt, forget its pings and samples, then retry or give up.
			s.retries++
			s.resetHandshake(now)
			if s.retries > s.cfg.HandshakeRetries {
				s.phase = PhaseFailed
				return fmt.Errorf("%w after %d attempts", ErrHandshakeFailed, s.retries)
			}
			return fmt.Errorf("%w (attempt %d)", ErrHandshakeTimeout, s.retries)
		}
	}

	if !s.pinged || now.Sub(s.lastPing) >= s.cfg.PingInterval {
		id := s.store.Push(now)
		s.outbox = append(s.outbox, Ping{ID: id})
		s.lastPing = now
		s.pinged = true
	}
	return nil
}

// DrainOutbox hands the queued pings to the transport.
func (s *Synchronizer) DrainOutbox() []Ping {
	if len(s.outbox) == 0 {
		return nil
	}
	out := s.outbox
	s.outbox = nil
	return out
}

// ProcessPong consumes a pong received at receivedAt on the virtual clock.
// Unknown and stale pongs are reported through ErrUnknownPing and
// ErrStalePong and never contribute to the statistics.
func (s *Synchronizer) ProcessPong(p Pong, receivedAt time.Time) (Resync, error) {
	record, ok := s.store.Remove(p.ID)
	if !ok {
		return Resync{}, fmt.Errorf("%w: %d", ErrUnknownPing, p.ID)
	}
	if s.hasAccepted && !p.ID.NewerThan(s.lastAccepted) {
		return Resync{}, fmt.Errorf("%w: %d after %d", ErrStalePong, p.ID, s.lastAccepted)
	}
	if s.phase == PhaseFailed {
		return Resync{}, ErrHandshakeFailed
	}
	s.lastAccepted = p.ID
	s.hasAccepted = true

	sample := NewSample(record.SentAt, p.PingReceivedAt, p.PongSentAt, receivedAt)
	s.anchorTick = p.ServerTick
	s.anchorTime = p.PongSentAt
	s.hasAnchor = true

	switch s.phase {
	case PhaseHandshake:
		return s.handshakeSample(sample)
	default:
		return s.steadySample(sample)
	}
}

func (s *Synchronizer) handshakeSample(sample Sample) (Resync, error) {
	s.samples = append(s.samples, sample)
	if len(s.samples) < s.cfg.HandshakePings {
		return Resync{}, nil
	}

	//1.- Finalize over the whole batch; an empty pruned set keeps collecting.
	estimate, err := Finalize(s.samples)
	s.samples = s.samples[:0]
	if err != nil {
		return Resync{}, err
	}

	//2.- Align the virtual clock with the server and enter steady state.
	s.clock.Shift(estimate.Offset())
	s.store.Clear()
	s.estimate = estimate
	s.hasEstimate = true
	s.phase = PhaseSynced
	s.retries = 0
	s.window = s.window[:0]
	return Resync{Kind: ResyncHandshake, Estimate: estimate}, nil
}

func (s *Synchronizer) steadySample(sample Sample) (Resync, error) {
	s.window = append(s.window, sample)
	if len(s.window) > s.cfg.HandshakePings {
		s.window = s.window[len(s.window)-s.cfg.HandshakePings:]
	}
	estimate, err := Finalize(s.window)
	if err != nil {
		if errors.Is(err, ErrInsufficientSamples) {
			return Resync{}, nil
		}
		return Resync{}, err
	}
	s.estimate = estimate
	s.hasEstimate = true

	drift := estimate.Offset()
	magnitude := time.Duration(math.Abs(float64(drift)))
	switch {
	case magnitude > s.cfg.MaxClockError:
		//1.- Too far off to nudge: snap and restart the measurement window.
		s.clock.Shift(drift)
		s.clock.SetSpeed(1)
		s.store.Clear()
		s.window = s.window[:0]
		return Resync{Kind: ResyncHard, Estimate: estimate}, nil
	case magnitude > s.cfg.SoftResyncThreshold && drift > 0:
		s.clock.SetSpeed(1 + s.cfg.SpeedupFactor)
		return Resync{Kind: ResyncSpeedUp, Estimate: estimate}, nil
	case magnitude > s.cfg.SoftResyncThreshold:
		s.clock.SetSpeed(1 - s.cfg.SpeedupFactor)
		return Resync{Kind: ResyncSlowDown, Estimate: estimate}, nil
	default:
		s.clock.SetSpeed(1)
		return Resync{Kind: ResyncNone, Estimate: estimate}, nil
	}
}

// EstimatedServerTick extrapolates the tick the server is running right now.
func (s *Synchronizer) EstimatedServerTick(step time.Duration) (tick.Tick, bool) {
	if !s.hasAnchor || s.phase != PhaseSynced {
		return 0, false
	}
	return TickAt(s.anchorTick, s.anchorTime, s.clock.Now(), step), true
}

// TargetTick is the tick the client should be predicting: the server tick plus
// enough lead for an input sent now to arrive before the server simulates it.
func (s *Synchronizer) TargetTick(step time.Duration) (tick.Tick, bool) {
	server, ok := s.EstimatedServerTick(step)
	if !ok || step <= 0 {
		return 0, false
	}
	oneWay := s.estimate.RoundTripDelay() / 2
	lead := int16(math.Ceil(float64(oneWay)/float64(step))) + 1
	return server.Add(lead), true
}

// Reset restarts the handshake from scratch, for example after a reconnect.
func (s *Synchronizer) Reset() {
	s.phase = PhaseHandshake
	s.retries = 0
	s.hasAccepted = false
	s.hasEstimate = false
	s.hasAnchor = false
	s.resetHandshake(time.Time{})
	s.clock.SetSpeed(1)
}

func (s *Synchronizer) resetHandshake(now time.Time) {
	s.store.Clear()
	s.samples = s.samples[:0]
	s.window = s.window[:0]
	s.handshakeStart = now
	s.pinged = false
}

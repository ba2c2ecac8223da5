package timesync

import (
	"errors"
	"testing"
	"time"

	"driftpursuit/prediction/internal/tick"
)

type harness struct {
	t      *testing.T
	sync   *Synchronizer
	real   time.Time
	step   time.Duration
	tick   tick.Tick
	oneWay time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	s, err := NewSynchronizer(cfg, NewVirtualClock())
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	return &harness{t: t, sync: s, real: time.Unix(1_700_000_000, 0), step: cfg.PingInterval, oneWay: 10 * time.Millisecond}
}

// send advances real time by one interval and returns the ping queued plus
// its send time on the virtual clock.
func (h *harness) send() (Ping, time.Time) {
	h.t.Helper()
	h.real = h.real.Add(h.step)
	if err := h.sync.Update(h.real); err != nil {
		h.t.Fatalf("Update: %v", err)
	}
	pings := h.sync.DrainOutbox()
	if len(pings) != 1 {
		h.t.Fatalf("expected one ping, got %d", len(pings))
	}
	return pings[0], h.sync.Clock().Now()
}

// pong builds the server answer for a server clock ahead by offset.
func (h *harness) pong(ping Ping, sentAt time.Time, offset time.Duration) (Pong, time.Time) {
	received := sentAt.Add(h.oneWay + offset)
	h.tick++
	return Respond(ping, received, received, h.tick), sentAt.Add(2 * h.oneWay)
}

func (h *harness) exchange(offset time.Duration) (Resync, error) {
	ping, sent := h.send()
	pong, arrival := h.pong(ping, sent, offset)
	return h.sync.ProcessPong(pong, arrival)
}

func baseConfig() Config {
	return Config{
		HandshakePings:      4,
		PingInterval:        10 * time.Millisecond,
		HandshakeTimeout:    time.Second,
		HandshakeRetries:    2,
		MaxClockError:       100 * time.Millisecond,
		SoftResyncThreshold: 10 * time.Millisecond,
		SpeedupFactor:       0.05,
	}
}

func TestHandshakeAlignsClock(t *testing.T) {
	h := newHarness(t, baseConfig())
	var last Resync
	for i := 0; i < 4; i++ {
		resync, err := h.exchange(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
		last = resync
	}
	if last.Kind != ResyncHandshake {
		t.Fatalf("expected handshake resync, got %v", last.Kind)
	}
	if h.sync.Phase() != PhaseSynced {
		t.Fatalf("expected synced phase, got %v", h.sync.Phase())
	}
	if got := h.sync.Clock().Now().Sub(h.real); got != 50*time.Millisecond {
		t.Fatalf("expected clock to lead by 50ms, got %v", got)
	}
	if h.sync.PendingPings() != 0 {
		t.Fatalf("expected ping store to be cleared")
	}
	estimate, ok := h.sync.Estimate()
	if !ok || estimate.RoundTripDelay() != 20*time.Millisecond {
		t.Fatalf("unexpected estimate %#v", estimate)
	}
}

func TestNegativeOffsetMovesClockBack(t *testing.T) {
	h := newHarness(t, baseConfig())
	for i := 0; i < 4; i++ {
		if _, err := h.exchange(-30 * time.Millisecond); err != nil {
			t.Fatalf("exchange: %v", err)
		}
	}
	if got := h.sync.Clock().Now().Sub(h.real); got != -30*time.Millisecond {
		t.Fatalf("expected clock to trail by 30ms, got %v", got)
	}
}

func TestDuplicatePongIsDiscarded(t *testing.T) {
	h := newHarness(t, baseConfig())
	ping, sent := h.send()
	pong, arrival := h.pong(ping, sent, 0)
	if _, err := h.sync.ProcessPong(pong, arrival); err != nil {
		t.Fatalf("first pong: %v", err)
	}
	if _, err := h.sync.ProcessPong(pong, arrival); !errors.Is(err, ErrUnknownPing) {
		t.Fatalf("expected unknown ping on duplicate, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.exchange(0); err != nil {
			t.Fatalf("exchange: %v", err)
		}
	}
	if h.sync.Phase() != PhaseHandshake {
		t.Fatalf("duplicate must not count towards the handshake")
	}
	if resync, err := h.exchange(0); err != nil || resync.Kind != ResyncHandshake {
		t.Fatalf("expected fourth unique pong to finish the handshake, got %v %v", resync.Kind, err)
	}
}

func TestOutOfOrderPongIsIgnored(t *testing.T) {
	h := newHarness(t, baseConfig())
	firstPing, firstSent := h.send()
	secondPing, secondSent := h.send()

	secondPong, secondArrival := h.pong(secondPing, secondSent, 0)
	if _, err := h.sync.ProcessPong(secondPong, secondArrival); err != nil {
		t.Fatalf("newer pong: %v", err)
	}
	firstPong, firstArrival := h.pong(firstPing, firstSent, 0)
	if _, err := h.sync.ProcessPong(firstPong, firstArrival); !errors.Is(err, ErrStalePong) {
		t.Fatalf("expected stale pong, got %v", err)
	}
	if h.sync.PendingPings() != 0 {
		t.Fatalf("stale pong must still free its store entry")
	}
}

func TestHandshakeTimeoutRetriesThenFails(t *testing.T) {
	cfg := baseConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.HandshakeRetries = 1
	s, err := NewSynchronizer(cfg, nil)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	start := time.Unix(100, 0)
	if err := s.Update(start); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.Update(start.Add(150 * time.Millisecond)); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.PendingPings() != 0 {
		t.Fatalf("expected abandoned pings to be forgotten")
	}
	if err := s.Update(start.Add(300 * time.Millisecond)); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected failure, got %v", err)
	}
	if s.Phase() != PhaseFailed {
		t.Fatalf("expected failed phase, got %v", s.Phase())
	}
	if len(s.DrainOutbox()) != 1 {
		t.Fatalf("expected only the first ping to have been queued")
	}
}

func TestSteadyStateSoftResync(t *testing.T) {
	h := newHarness(t, baseConfig())
	for i := 0; i < 4; i++ {
		if _, err := h.exchange(0); err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}

	if resync, err := h.exchange(30 * time.Millisecond); err != nil || resync.Kind != ResyncNone {
		t.Fatalf("single sample must not resync, got %v %v", resync.Kind, err)
	}
	resync, err := h.exchange(30 * time.Millisecond)
	if err != nil || resync.Kind != ResyncSpeedUp {
		t.Fatalf("expected speed up, got %v %v", resync.Kind, err)
	}
	if h.sync.Clock().Speed() != 1.05 {
		t.Fatalf("expected speed 1.05, got %v", h.sync.Clock().Speed())
	}
}

func TestSteadyStateSlowDown(t *testing.T) {
	h := newHarness(t, baseConfig())
	for i := 0; i < 4; i++ {
		if _, err := h.exchange(0); err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}
	_, _ = h.exchange(-30 * time.Millisecond)
	resync, err := h.exchange(-30 * time.Millisecond)
	if err != nil || resync.Kind != ResyncSlowDown {
		t.Fatalf("expected slow down, got %v %v", resync.Kind, err)
	}
	if h.sync.Clock().Speed() != 0.95 {
		t.Fatalf("expected speed 0.95, got %v", h.sync.Clock().Speed())
	}
}

func TestSteadyStateHardResync(t *testing.T) {
	h := newHarness(t, baseConfig())
	for i := 0; i < 4; i++ {
		if _, err := h.exchange(0); err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}
	before := h.sync.Clock().Now()
	_, _ = h.exchange(500 * time.Millisecond)
	resync, err := h.exchange(500 * time.Millisecond)
	if err != nil || resync.Kind != ResyncHard || !resync.Kind.Snaps() {
		t.Fatalf("expected hard resync, got %v %v", resync.Kind, err)
	}
	if jump := h.sync.Clock().Now().Sub(before); jump < 500*time.Millisecond {
		t.Fatalf("expected the clock to jump by at least 500ms, got %v", jump)
	}
	if h.sync.Clock().Speed() != 1 {
		t.Fatalf("hard resync must restore normal speed")
	}
}

func TestTargetTickLeadsServer(t *testing.T) {
	cfg := baseConfig()
	cfg.HandshakePings = 2
	h := newHarness(t, cfg)
	h.tick = 48
	for i := 0; i < 2; i++ {
		if _, err := h.exchange(0); err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}
	// The last pong was sent 10ms after its ping; observe 20ms after that ping.
	h.real = h.real.Add(20 * time.Millisecond)
	if err := h.sync.Update(h.real); err != nil {
		t.Fatalf("update: %v", err)
	}
	server, ok := h.sync.EstimatedServerTick(10 * time.Millisecond)
	if !ok || server != 51 {
		t.Fatalf("expected estimated server tick 51, got %d ok=%v", server, ok)
	}
	target, ok := h.sync.TargetTick(10 * time.Millisecond)
	if !ok || target != 53 {
		t.Fatalf("expected target tick 53, got %d ok=%v", target, ok)
	}
}

func TestVirtualClockScalesElapsedTime(t *testing.T) {
	clock := NewVirtualClock()
	start := time.Unix(0, 0)
	clock.Observe(start)
	clock.SetSpeed(2)
	now := clock.Observe(start.Add(time.Second))
	if now.Sub(start) != 2*time.Second {
		t.Fatalf("expected doubled elapsed time, got %v", now.Sub(start))
	}
	clock.Shift(-time.Second)
	if clock.Now().Sub(start) != time.Second {
		t.Fatalf("expected shift to apply")
	}
	clock.SetSpeed(0)
	if clock.Speed() != 1 {
		t.Fatalf("non-positive speed must reset to 1")
	}
}

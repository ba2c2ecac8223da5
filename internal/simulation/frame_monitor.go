package simulation

import (
	"sync"
	"time"
)

// FrameMetricsSnapshot summarises observed frame and replay costs.
type FrameMetricsSnapshot struct {
	Frames  int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration

	Replays       int
	ReplayedTicks int
	MaxReplay     time.Duration
}

// AverageFPS derives the frames-per-second equivalent of the sampled frame duration.
func (s FrameMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// FrameMonitor accumulates timing statistics for the client frame loop.
type FrameMonitor struct {
	mu            sync.Mutex
	frames        int
	total         time.Duration
	max           time.Duration
	last          time.Duration
	replays       int
	replayedTicks int
	maxReplay     time.Duration
}

// NewFrameMonitor constructs an empty monitor ready to collect samples.
func NewFrameMonitor() *FrameMonitor {
	return &FrameMonitor{}
}

// ObserveFrame records the duration of a completed frame.
func (m *FrameMonitor) ObserveFrame(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the frame count and aggregate duration for averages.
	m.frames++
	m.total += duration
	//2.- Track the worst frame so spikes stand out.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// ObserveReplay records a rollback replay of ticks steps.
func (m *FrameMonitor) ObserveReplay(ticks int, duration time.Duration) {
	if m == nil || ticks <= 0 {
		return
	}
	m.mu.Lock()
	m.replays++
	m.replayedTicks += ticks
	if duration > m.maxReplay {
		m.maxReplay = duration
	}
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated statistics.
func (m *FrameMonitor) Snapshot() FrameMetricsSnapshot {
	if m == nil {
		return FrameMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	average := time.Duration(0)
	if m.frames > 0 {
		average = m.total / time.Duration(m.frames)
	}
	return FrameMetricsSnapshot{
		Frames:        m.frames,
		Average:       average,
		Max:           m.max,
		Last:          m.last,
		Replays:       m.replays,
		ReplayedTicks: m.replayedTicks,
		MaxReplay:     m.maxReplay,
	}
}

// Reset clears the accumulated statistics, used after a hard resync.
func (m *FrameMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.frames, m.total, m.max, m.last = 0, 0, 0, 0
	m.replays, m.replayedTicks, m.maxReplay = 0, 0, 0
	m.mu.Unlock()
}

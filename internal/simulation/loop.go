// Package simulation drives the client frame loop and converts elapsed
// virtual time into fixed simulation steps.
package simulation

import (
	"context"
	"time"
)

// FrameFunc runs one client frame at the given wall clock time.
type FrameFunc func(ctx context.Context, now time.Time)

// Loop calls a frame function at a fixed rate until stopped.
type Loop struct {
	interval time.Duration
	frame    FrameFunc
	ticker   *time.Ticker
	done     chan struct{}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, frame FrameFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if frame == nil {
		frame = func(context.Context, time.Time) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		interval: interval,
		frame:    frame,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.frame == nil {
		return
	}

	l.ticker = time.NewTicker(l.interval)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-l.ticker.C:
				l.frame(ctx, now)
			}
		}
	}()
}

// Stop waits for the loop goroutine to exit. The context passed to Start must
// be cancelled first.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// Interval exposes the configured frame interval.
func (l *Loop) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// Accumulator turns elapsed virtual time into whole fixed steps. It may run a
// debt when a rollback already produced a step the clock had not yet earned.
type Accumulator struct {
	step    time.Duration
	pending time.Duration
}

// NewAccumulator creates an accumulator for the fixed step length.
func NewAccumulator(step time.Duration) *Accumulator {
	if step <= 0 {
		step = time.Second / 60
	}
	return &Accumulator{step: step}
}

// Step returns the fixed step length.
func (a *Accumulator) Step() time.Duration { return a.step }

// Add accumulates elapsed virtual time.
func (a *Accumulator) Add(elapsed time.Duration) {
	if elapsed > 0 {
		a.pending += elapsed
	}
}

// Ready reports how many whole steps are due.
func (a *Accumulator) Ready() int {
	if a.pending < a.step {
		return 0
	}
	return int(a.pending / a.step)
}

// Consume removes n steps worth of time, possibly going into debt.
func (a *Accumulator) Consume(n int) {
	a.pending -= time.Duration(n) * a.step
}

// Overstep is the fraction of a step accumulated beyond the last whole step.
func (a *Accumulator) Overstep() float64 {
	if a.pending <= 0 {
		return 0
	}
	return float64(a.pending%a.step) / float64(a.step)
}

// Reset forgets accumulated time and debt.
func (a *Accumulator) Reset() { a.pending = 0 }

// Package transport carries ping/pong exchanges over WebSocket and gRPC.
package transport

import (
	"context"
	"sync/atomic"
	"time"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/tick"
	"driftpursuit/prediction/internal/timesync"
)

// TickSource reports the tick the server is currently simulating. It must be
// safe for concurrent use.
type TickSource func() tick.Tick

// PongSink receives every pong a pinger reads, stamped with the local receive time.
type PongSink func(pong timesync.Pong, receivedAt time.Time)

// Responder answers pings with server timestamps. It backs both the
// WebSocket handler and the gRPC service.
type Responder struct {
	ticks  TickSource
	now    func() time.Time
	logger *logging.Logger

	answered atomic.Uint64
}

// NewResponder creates a responder reading the server tick from ticks.
func NewResponder(ticks TickSource, now func() time.Time, logger *logging.Logger) *Responder {
	if ticks == nil {
		ticks = func() tick.Tick { return 0 }
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Responder{ticks: ticks, now: now, logger: logger}
}

// Answer builds the pong for ping. receivedAt is when the ping arrived.
func (r *Responder) Answer(ping timesync.Ping, receivedAt time.Time) timesync.Pong {
	r.answered.Add(1)
	return timesync.Respond(ping, receivedAt, r.now(), r.ticks())
}

// Answered reports how many pings have been answered across all transports.
func (r *Responder) Answered() uint64 {
	return r.answered.Load()
}

// ServerTick reports the tick the responder currently stamps on pongs.
func (r *Responder) ServerTick() tick.Tick {
	return r.ticks()
}

// Ping implements PongServer.
func (r *Responder) Ping(ctx context.Context, ping *timesync.Ping) (*timesync.Pong, error) {
	receivedAt := r.now()
	pong := r.Answer(*ping, receivedAt)
	return &pong, nil
}

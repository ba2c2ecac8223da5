package timesync

import (
	"errors"
	"math"
	"time"
)

// ErrInsufficientSamples reports that no usable estimate could be derived.
var ErrInsufficientSamples = errors.New("insufficient clock sync samples")

// Sample is the outcome of one ping/pong round.
type Sample struct {
	OffsetMs         float32
	RoundTripDelayMs float32
}

// Estimate is the filtered result of a batch of samples.
type Estimate struct {
	OffsetMs         float64
	RoundTripDelayMs float64
	Kept             int
	Pruned           int
}

// Offset converts the estimated offset into a duration.
func (e Estimate) Offset() time.Duration {
	return time.Duration(e.OffsetMs * float64(time.Millisecond))
}

// RoundTripDelay converts the estimated delay into a duration.
func (e Estimate) RoundTripDelay() time.Duration {
	return time.Duration(e.RoundTripDelayMs * float64(time.Millisecond))
}

// NewSample derives offset and delay from the four timestamps of an exchange.
// pingSent and pongReceived come from the client clock; pingReceived and
// pongSent from the server clock.
func NewSample(pingSent, pingReceived, pongSent, pongReceived time.Time) Sample {
	pingOffset := millis(pingReceived.Sub(pingSent))
	pongOffset := -millis(pongReceived.Sub(pongSent))
	offset := (pingOffset + pongOffset) / 2
	rtt := millis(pongReceived.Sub(pingSent))
	serverProcess := millis(pongSent.Sub(pingReceived))
	return Sample{
		OffsetMs:         float32(offset),
		RoundTripDelayMs: float32(rtt - serverProcess),
	}
}

// Finalize filters samples lying outside one standard deviation of the mean on
// either axis and averages the rest. An axis with zero deviation prunes
// nothing. Fewer than two samples, or nothing left after pruning, yields
// ErrInsufficientSamples.
func Finalize(samples []Sample) (Estimate, error) {
	if len(samples) < 2 {
		return Estimate{}, ErrInsufficientSamples
	}

	//1.- Mean and population deviation of both axes across every sample.
	meanOffset, meanDelay := means(samples)
	var varOffset, varDelay float64
	for _, s := range samples {
		do := float64(s.OffsetMs) - meanOffset
		dd := float64(s.RoundTripDelayMs) - meanDelay
		varOffset += do * do
		varDelay += dd * dd
	}
	n := float64(len(samples))
	stdOffset := math.Sqrt(varOffset / n)
	stdDelay := math.Sqrt(varDelay / n)

	//2.- Keep samples strictly within one deviation on both axes.
	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if stdOffset > 0 && math.Abs(float64(s.OffsetMs)-meanOffset) >= stdOffset {
			continue
		}
		if stdDelay > 0 && math.Abs(float64(s.RoundTripDelayMs)-meanDelay) >= stdDelay {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return Estimate{Pruned: len(samples)}, ErrInsufficientSamples
	}

	//3.- Average the survivors.
	offset, delay := means(kept)
	if math.IsNaN(offset) || math.IsNaN(delay) || math.IsInf(offset, 0) || math.IsInf(delay, 0) {
		return Estimate{Pruned: len(samples)}, ErrInsufficientSamples
	}
	return Estimate{
		OffsetMs:         offset,
		RoundTripDelayMs: delay,
		Kept:             len(kept),
		Pruned:           len(samples) - len(kept),
	}, nil
}

func means(samples []Sample) (float64, float64) {
	var offset, delay float64
	for _, s := range samples {
		offset += float64(s.OffsetMs)
		delay += float64(s.RoundTripDelayMs)
	}
	n := float64(len(samples))
	return offset / n, delay / n
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

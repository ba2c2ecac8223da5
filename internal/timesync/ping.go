package timesync

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"driftpursuit/prediction/internal/tick"
)

// DefaultPingStoreSize bounds how many unanswered pings are remembered.
const DefaultPingStoreSize = 128

var (
	// ErrUnknownPing reports a pong whose ping is not (or no longer) tracked:
	// a late duplicate, a pong from before a store reset or a spoofed packet.
	ErrUnknownPing = errors.New("pong for unknown ping id")
	// ErrStalePong reports a pong that arrived after a newer one was accepted.
	ErrStalePong = errors.New("pong older than the last accepted pong")
)

// PingID identifies a ping. It wraps at 65536 like ticks do.
type PingID uint16

// NewerThan reports whether id was issued after other on the shortest path.
func (id PingID) NewerThan(other PingID) bool {
	return int16(uint16(id)-uint16(other)) > 0
}

// Ping is queued for the transport at the configured interval.
type Ping struct {
	ID PingID
}

// Pong is the server answer. The timestamps are read from the server clock.
type Pong struct {
	ID             PingID
	PingReceivedAt time.Time
	PongSentAt     time.Time
	// ServerTick is the tick the server was simulating when the pong was sent.
	ServerTick tick.Tick
}

// Respond builds the pong a server returns for ping.
func Respond(ping Ping, receivedAt, sentAt time.Time, serverTick tick.Tick) Pong {
	return Pong{ID: ping.ID, PingReceivedAt: receivedAt, PongSentAt: sentAt, ServerTick: serverTick}
}

// PingRecord remembers when a ping left the client.
type PingRecord struct {
	ID     PingID
	SentAt time.Time
}

// PingStore tracks pings awaiting their pong. It is bounded: once full the
// oldest outstanding ping is forgotten and its pong will be discarded.
type PingStore struct {
	next    PingID
	pending *lru.Cache[PingID, PingRecord]
}

// NewPingStore constructs a store remembering at most size outstanding pings.
func NewPingStore(size int) (*PingStore, error) {
	if size <= 0 {
		size = DefaultPingStoreSize
	}
	cache, err := lru.New[PingID, PingRecord](size)
	if err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &PingStore{pending: cache}, nil
}

// Push allocates the next ping id and records its send time.
func (s *PingStore) Push(sentAt time.Time) PingID {
	id := s.next
	s.next++
	s.pending.Add(id, PingRecord{ID: id, SentAt: sentAt})
	return id
}

// Remove deletes and returns the record for id.
func (s *PingStore) Remove(id PingID) (PingRecord, bool) {
	record, ok := s.pending.Peek(id)
	if !ok {
		return PingRecord{}, false
	}
	s.pending.Remove(id)
	return record, true
}

// Len reports the number of outstanding pings.
func (s *PingStore) Len() int { return s.pending.Len() }

// Clear forgets every outstanding ping. Ids keep increasing so pongs for the
// forgotten pings are recognised as unknown.
func (s *PingStore) Clear() { s.pending.Purge() }

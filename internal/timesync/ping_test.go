package timesync

import (
	"testing"
	"time"
)

func TestPingStorePushRemove(t *testing.T) {
	store, err := NewPingStore(4)
	if err != nil {
		t.Fatalf("NewPingStore: %v", err)
	}
	sent := time.Unix(10, 0)
	id := store.Push(sent)
	record, ok := store.Remove(id)
	if !ok || !record.SentAt.Equal(sent) || record.ID != id {
		t.Fatalf("unexpected record %#v ok=%v", record, ok)
	}
	if _, ok := store.Remove(id); ok {
		t.Fatalf("second removal must miss")
	}
}

func TestPingStoreIsBounded(t *testing.T) {
	store, err := NewPingStore(2)
	if err != nil {
		t.Fatalf("NewPingStore: %v", err)
	}
	first := store.Push(time.Unix(1, 0))
	store.Push(time.Unix(2, 0))
	store.Push(time.Unix(3, 0))
	if store.Len() != 2 {
		t.Fatalf("expected store to stay at capacity, got %d", store.Len())
	}
	if _, ok := store.Remove(first); ok {
		t.Fatalf("expected the oldest ping to be evicted")
	}
}

func TestPingIDWraps(t *testing.T) {
	if !PingID(0).NewerThan(65535) {
		t.Fatalf("expected 0 to be newer than 65535")
	}
	if PingID(5).NewerThan(5) {
		t.Fatalf("an id is not newer than itself")
	}
	if PingID(3).NewerThan(4) {
		t.Fatalf("3 is older than 4")
	}
}

func TestRespondCopiesFields(t *testing.T) {
	received := time.Unix(5, 0)
	sent := received.Add(time.Millisecond)
	pong := Respond(Ping{ID: 9}, received, sent, 77)
	if pong.ID != 9 || !pong.PingReceivedAt.Equal(received) || !pong.PongSentAt.Equal(sent) || pong.ServerTick != 77 {
		t.Fatalf("unexpected pong %#v", pong)
	}
}

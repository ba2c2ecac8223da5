package input

import "testing"

type move struct {
	DX int
}

func TestBufferStoresAndReturnsInputs(t *testing.T) {
	buf := NewBuffer[move](Config{Window: 8, MaxLead: 2})

	//1.- Record inputs for the current tick and the one after it.
	if decision := buf.Set(10, 10, move{DX: 1}); !decision.Accepted {
		t.Fatalf("expected current tick input to be accepted: %+v", decision)
	}
	if decision := buf.Set(10, 11, move{DX: -1}); !decision.Accepted {
		t.Fatalf("expected lead input to be accepted: %+v", decision)
	}

	//2.- Exact lookups return what was stored.
	if in, ok := buf.Get(10); !ok || in.DX != 1 {
		t.Fatalf("unexpected input at 10: %+v ok=%v", in, ok)
	}
	if in, ok := buf.Get(11); !ok || in.DX != -1 {
		t.Fatalf("unexpected input at 11: %+v ok=%v", in, ok)
	}
	if _, ok := buf.Get(12); ok {
		t.Fatalf("expected miss for an unrecorded tick")
	}
}

func TestBufferDropsStaleAndFutureInputs(t *testing.T) {
	buf := NewBuffer[move](Config{Window: 4, MaxLead: 1})

	if decision := buf.Set(20, 16, move{}); decision.Accepted || decision.Reason != DropReasonStale {
		t.Fatalf("expected stale drop, got %+v", decision)
	}
	if decision := buf.Set(20, 22, move{}); decision.Accepted || decision.Reason != DropReasonFuture {
		t.Fatalf("expected future drop, got %+v", decision)
	}
	drops := buf.Drops()
	if drops.Stale != 1 || drops.Future != 1 {
		t.Fatalf("unexpected drop counters %+v", drops)
	}
}

func TestBufferRepeatsLastInput(t *testing.T) {
	buf := NewBuffer[move](Config{Window: 8})
	buf.Set(3, 3, move{DX: 5})

	in, ok := buf.GetOrLast(6)
	if !ok || in.DX != 5 {
		t.Fatalf("expected the held input to repeat, got %+v ok=%v", in, ok)
	}
	if _, ok := NewBuffer[move](Config{Window: 8}).GetOrLast(6); ok {
		t.Fatalf("an empty buffer has nothing to repeat")
	}
}

func TestBufferAcrossWrap(t *testing.T) {
	buf := NewBuffer[move](Config{Window: 8, MaxLead: 2})
	buf.Set(65535, 65535, move{DX: 1})
	buf.Set(65535, 0, move{DX: 2})

	if in, ok := buf.Get(65535); !ok || in.DX != 1 {
		t.Fatalf("expected input before wrap")
	}
	if in, ok := buf.Get(0); !ok || in.DX != 2 {
		t.Fatalf("expected input after wrap")
	}
	buf.Reset()
	if _, ok := buf.Get(0); ok {
		t.Fatalf("expected reset to forget inputs")
	}
}

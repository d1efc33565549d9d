package raster

import (
	"sync"
	"testing"
)

func TestWriteReadOrder(t *testing.T) {
	b := NewBuffer(8)
	in := []byte{200, 210, 220}
	if n := b.Write(in); n != 3 {
		t.Fatalf("Write = %d, want 3", n)
	}
	for _, want := range in {
		if got := b.ReadNext(); got != want {
			t.Errorf("ReadNext = %d, want %d", got, want)
		}
	}
}

func TestReadEmptyReturnsMidpoint(t *testing.T) {
	b := NewBuffer(4)
	if got := b.ReadNext(); got != MidpointByte {
		t.Errorf("empty ReadNext = %d, want %d", got, MidpointByte)
	}
}

func TestWriteStopsAtCapacity(t *testing.T) {
	b := NewBuffer(4)
	n := b.Write([]byte{1, 2, 3, 4, 5, 6})
	if n != 4 {
		t.Errorf("Write into 4-byte buffer = %d, want 4", n)
	}
	if b.Free() != 0 {
		t.Errorf("Free = %d, want 0", b.Free())
	}
	// The overflow bytes were dropped, not queued.
	b.ReadNext()
	if b.Len() != 3 {
		t.Errorf("Len after one read = %d, want 3", b.Len())
	}
}

func TestWrapAround(t *testing.T) {
	b := NewBuffer(4)
	b.Write([]byte{1, 2, 3, 4})
	b.ReadNext()
	b.ReadNext()
	if n := b.Write([]byte{5, 6}); n != 2 {
		t.Fatalf("Write after partial drain = %d, want 2", n)
	}
	for _, want := range []byte{3, 4, 5, 6} {
		if got := b.ReadNext(); got != want {
			t.Errorf("ReadNext = %d, want %d", got, want)
		}
	}
}

func TestFlush(t *testing.T) {
	b := NewBuffer(8)
	b.Write([]byte{9, 9, 9})
	b.Flush()
	if b.Len() != 0 {
		t.Errorf("Len after Flush = %d", b.Len())
	}
	if got := b.ReadNext(); got != MidpointByte {
		t.Errorf("ReadNext after Flush = %d, want %d", got, MidpointByte)
	}
}

// The producer fills from the serial goroutine while the scheduler drains
// from the timer callback; the ring must hold up under that interleaving.
func TestConcurrentFillAndDrain(t *testing.T) {
	b := NewBuffer(32)
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sent := 0
		for sent < total {
			sent += b.Write([]byte{200, 201, 202, 203})
		}
	}()

	got := 0
	for got < total {
		if c := b.ReadNext(); c != MidpointByte {
			if c < 200 || c > 203 {
				t.Fatalf("read corrupt byte %d", c)
			}
			got++
		}
	}
	wg.Wait()
}

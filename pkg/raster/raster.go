// Package raster holds the pixel byte buffer shared between the serial
// consumer and the pulse scheduler. The scheduler drains it one byte per
// raster pixel from inside its tick; the producer fills it asynchronously.
// Access to the cursors is bracketed by a short critical section so a read
// never observes a torn producer update.
package raster

import "sync"

// DefaultBufferSize matches the serial receive buffer of the reference board.
const DefaultBufferSize = 320

// MidpointByte is the raster byte meaning "no darkening": the bottom of the
// usable [128,255] range. It is returned when the buffer runs dry so a
// starved raster line degrades to zero intensity instead of stale pixels.
const MidpointByte = 128

// Buffer is a fixed-size byte ring.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	head  int
	tail  int
	count int
}

// NewBuffer creates a buffer with the given capacity (DefaultBufferSize if <= 0).
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, size)}
}

// Write appends bytes, returning how many fit. The producer is expected to
// pace itself off the return value; overflow bytes are not queued.
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range p {
		if b.count == len(b.data) {
			break
		}
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % len(b.data)
		b.count++
		n++
	}
	return n
}

// ReadNext pops the next pixel byte, or MidpointByte when the buffer is empty.
func (b *Buffer) ReadNext() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return MidpointByte
	}
	c := b.data[b.head]
	b.head = (b.head + 1) % len(b.data)
	b.count--
	return c
}

// Flush discards all buffered bytes.
func (b *Buffer) Flush() {
	b.mu.Lock()
	b.head = 0
	b.tail = 0
	b.count = 0
	b.mu.Unlock()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Free returns the remaining capacity.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.count
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

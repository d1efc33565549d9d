package block

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned when the producer outruns the scheduler.
var ErrQueueFull = errors.New("block: queue full")

// DefaultQueueSize matches the planner's block buffer depth.
const DefaultQueueSize = 16

// Queue is the bounded ring of blocks between the planner and the scheduler.
// The scheduler only ever peeks the head and discards it when done; the
// producer pushes at the tail. Reset purges everything, and must stay safe
// to call repeatedly while the producer is still adding blocks after a stop.
type Queue struct {
	mu     sync.Mutex
	blocks []Block
	head   int
	tail   int
	count  int
}

// NewQueue creates a queue with the given capacity (DefaultQueueSize if <= 0).
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{blocks: make([]Block, size)}
}

// Push appends a block. The block is copied; the caller keeps ownership of
// its argument.
func (q *Queue) Push(b Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.blocks) {
		return ErrQueueFull
	}
	q.blocks[q.tail] = b
	q.tail = (q.tail + 1) % len(q.blocks)
	q.count++
	return nil
}

// CurrentBlock returns a reference to the head block, or nil when empty.
// The reference stays valid until DiscardCurrentBlock or Reset.
func (q *Queue) CurrentBlock() *Block {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	return &q.blocks[q.head]
}

// DiscardCurrentBlock drops the head block. A no-op when empty.
func (q *Queue) DiscardCurrentBlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return
	}
	q.head = (q.head + 1) % len(q.blocks)
	q.count--
}

// Reset purges all queued blocks.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.tail = 0
	q.count = 0
}

// Len returns the number of queued blocks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.blocks)
}

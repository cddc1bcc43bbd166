// Package dropout implements a bounded FIFO of fixed-size segments
// that drops the oldest segment rather than blocking the producer.
package dropout

import (
	"sync"
)

// Type Buffer is a queue of at most capacity segments of size bytes
// each.  Exactly one producer and one consumer may be active.  The
// producer fills the segment returned by WriteSegment and commits it
// with Push; when the queue is full, the oldest segment is evicted.
// The consumer freezes a batch with Lock, reads it with Segment, and
// releases it with Unlock.  Pushes that would evict a frozen segment
// are dropped.
type Buffer struct {
	size int

	mu       sync.Mutex
	segments [][]byte // capacity+1 slots, so the write slot is never live
	head     int      // oldest committed segment
	count    int      // committed segments
	locked   int      // frozen segments, 0 if unlocked
	drops    uint32
}

func New(size, capacity int) *Buffer {
	if size <= 0 || capacity <= 0 {
		return nil
	}
	segments := make([][]byte, capacity+1)
	for i := range segments {
		segments[i] = make([]byte, size)
	}
	return &Buffer{
		size:     size,
		segments: segments,
	}
}

func (b *Buffer) SegmentSize() int {
	return b.size
}

func (b *Buffer) Capacity() int {
	return len(b.segments) - 1
}

// WriteSegment returns the segment the producer should fill next.  It
// remains valid until the following Push.
func (b *Buffer) WriteSegment() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segments[(b.head+b.count)%len(b.segments)]
}

// Push commits the segment returned by WriteSegment.  If the queue is
// full, the oldest segment is evicted; if the oldest segment is
// frozen by the consumer, the pushed segment is dropped instead.
func (b *Buffer) Push() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.Capacity() {
		b.count++
		return
	}

	if b.locked > 0 {
		// evicting would displace a frozen segment
		b.drops++
		return
	}

	b.head = (b.head + 1) % len(b.segments)
	b.drops++
}

// Lock freezes the committed segments against eviction and returns
// their number.
func (b *Buffer) Lock() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = b.count
	return b.locked
}

// Segment returns the i'th frozen segment, oldest first.  It is only
// valid between Lock and Unlock, for i below the value Lock returned.
func (b *Buffer) Segment(i int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.locked {
		return nil
	}
	return b.segments[(b.head+i)%len(b.segments)]
}

// Unlock releases the frozen segments and discards them from the
// queue.
func (b *Buffer) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = (b.head + b.locked) % len(b.segments)
	b.count -= b.locked
	b.locked = 0
}

// Drops returns the number of segments lost to eviction or to pushes
// dropped while the consumer held a lock.
func (b *Buffer) Drops() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}

// Package triple implements a single-producer single-consumer
// latest-value slot.  Three storage cells guarantee that the producer
// and the consumer never touch the same cell, so neither side ever
// blocks.
package triple

import (
	"sync/atomic"
)

const fresh = 4 // set when the ready cell holds an unconsumed value

// Type Buffer passes the most recent value of type T from one
// producer goroutine to one consumer goroutine.  The producer fills
// the cell returned by StartNewValue and publishes it with
// PostNewValue; the consumer calls LockNewValue and, if it returned
// true, reads the value with LockedValue.  Values posted faster than
// they are consumed are silently superseded.
type Buffer[T any] struct {
	cells [3]T

	// index of the ready cell, plus the fresh bit
	state atomic.Uint32

	produce uint32 // producer's cell, producer-private
	consume uint32 // consumer's cell, consumer-private
}

func New[T any]() *Buffer[T] {
	b := &Buffer[T]{}
	b.state.Store(1)
	b.consume = 2
	return b
}

// StartNewValue returns the cell the producer should fill next.
func (b *Buffer[T]) StartNewValue() *T {
	return &b.cells[b.produce]
}

// PostNewValue publishes the cell returned by StartNewValue,
// superseding any value the consumer has not locked yet.
func (b *Buffer[T]) PostNewValue() {
	old := b.state.Swap(b.produce | fresh)
	b.produce = old &^ fresh
}

// LockNewValue returns true if a value has been posted since the last
// successful call, in which case LockedValue returns it.
func (b *Buffer[T]) LockNewValue() bool {
	for {
		s := b.state.Load()
		if s&fresh == 0 {
			return false
		}
		if b.state.CompareAndSwap(s, b.consume) {
			b.consume = s &^ fresh
			return true
		}
	}
}

// LockedValue returns the cell locked by the last successful
// LockNewValue.  It remains valid until the next call to
// LockNewValue.
func (b *Buffer[T]) LockedValue() *T {
	return &b.cells[b.consume]
}

// Post is shorthand for storing v and posting it.
func (b *Buffer[T]) Post(v T) {
	*b.StartNewValue() = v
	b.PostNewValue()
}

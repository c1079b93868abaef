package buffer

import (
	"context"
)

// Buffer is a bounded FIFO queue of items of type T.
type Buffer[T any] interface {
	// Write adds an item. Behavior on a full buffer depends on the overflow
	// policy.
	Write(item T) error

	// WriteContext is Write with cancellation for the Block policy.
	WriteContext(ctx context.Context, item T) error

	// Read removes one item without waiting.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadContext removes one item, waiting until one is available, the
	// context ends or the buffer is closed and empty.
	ReadContext(ctx context.Context) (T, error)

	// ReadBatch removes up to max items without waiting.
	ReadBatch(max int) []T

	// Drain removes and returns every buffered item in order. Drop callbacks
	// are not invoked.
	Drain() []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// IsFull returns true if the buffer is at capacity.
	IsFull() bool

	// IsEmpty returns true if the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	// Stats returns the always-on statistics.
	Stats() *Statistics

	// Close rejects further writes and wakes every waiter. Items already
	// buffered remain readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest silently discards the incoming item.
	DropNewest

	// Block makes writers wait until space is available.
	Block

	// Reject fails the write with errors.ErrOverflow.
	Reject
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item discarded by the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}

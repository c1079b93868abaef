package buffer

import (
	"context"
	"sync"

	"github.com/c360/streambus/errors"
)

// circularBuffer is a thread-safe ring with configurable overflow policies.
// Waiters park on signal channels that are closed and replaced when the
// condition they wait for may have changed.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	readable     chan struct{}
	writable     chan struct{}
	readWaiters  int
	writeWaiters int
	closed       bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
		readable: make(chan struct{}),
		writable: make(chan struct{}),
	}, nil
}

func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteContext(context.Background(), item)
}

func (cb *circularBuffer[T]) WriteContext(ctx context.Context, item T) error {
	cb.mu.Lock()
	for {
		if cb.closed {
			cb.mu.Unlock()
			return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
		}

		if cb.size < cb.capacity {
			cb.pushLocked(item)
			cb.mu.Unlock()
			return nil
		}

		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped := cb.popLocked()
			cb.recordDropLocked()
			cb.pushLocked(item)
			cb.mu.Unlock()
			cb.dropped(dropped)
			return nil

		case DropNewest:
			cb.recordDropLocked()
			cb.mu.Unlock()
			cb.dropped(item)
			return nil

		case Reject:
			cb.stats.Overflow()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
			}
			cb.mu.Unlock()
			return errors.WrapTransient(errors.ErrOverflow, "Buffer", "Write", "check capacity")

		default: // Block
			wait := cb.writable
			cb.writeWaiters++
			cb.mu.Unlock()

			select {
			case <-ctx.Done():
				cb.mu.Lock()
				cb.writeWaiters--
				cb.mu.Unlock()
				return ctx.Err()
			case <-wait:
			}

			cb.mu.Lock()
			cb.writeWaiters--
		}
	}
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.popLocked(), true
}

func (cb *circularBuffer[T]) ReadContext(ctx context.Context) (T, error) {
	var zero T

	cb.mu.Lock()
	for {
		if cb.size > 0 {
			item := cb.popLocked()
			cb.mu.Unlock()
			return item, nil
		}
		if cb.closed {
			cb.mu.Unlock()
			return zero, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "ReadContext", "buffer closed")
		}

		wait := cb.readable
		cb.readWaiters++
		cb.mu.Unlock()

		select {
		case <-ctx.Done():
			cb.mu.Lock()
			cb.readWaiters--
			cb.mu.Unlock()
			return zero, ctx.Err()
		case <-wait:
		}

		cb.mu.Lock()
		cb.readWaiters--
	}
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	result := make([]T, n)
	for i := range result {
		result[i] = cb.popLocked()
	}
	return result
}

func (cb *circularBuffer[T]) Drain() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}
	result := make([]T, 0, cb.size)
	for cb.size > 0 {
		result = append(result, cb.popLocked())
	}
	return result
}

func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}

	cb.stats.Peek()
	return cb.items[cb.tail], true
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity is immutable, no lock needed.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	var drop []T
	if cb.opts.dropCallback != nil {
		drop = make([]T, 0, cb.size)
	}
	var zero T
	for cb.size > 0 {
		item := cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
		if drop != nil {
			drop = append(drop, item)
		}
	}
	cb.head, cb.tail = 0, 0
	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
	cb.signalLocked(&cb.writable, cb.writeWaiters)
	cb.mu.Unlock()

	for _, item := range drop {
		cb.opts.dropCallback(item)
	}
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	close(cb.readable)
	close(cb.writable)
	if cb.metrics != nil {
		cb.metrics.unregister(bufferMetricNames)
	}
	return nil
}

func (cb *circularBuffer[T]) pushLocked(item T) {
	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.signalLocked(&cb.readable, cb.readWaiters)
}

func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}
	cb.signalLocked(&cb.writable, cb.writeWaiters)
	return item
}

func (cb *circularBuffer[T]) recordDropLocked() {
	cb.stats.Overflow()
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordOverflow()
		cb.metrics.recordDrop()
	}
}

// signalLocked wakes everyone parked on ch. Closed buffers keep their
// channels closed.
func (cb *circularBuffer[T]) signalLocked(ch *chan struct{}, waiters int) {
	if waiters == 0 || cb.closed {
		return
	}
	close(*ch)
	*ch = make(chan struct{})
}

func (cb *circularBuffer[T]) dropped(item T) {
	if cb.opts.dropCallback != nil {
		cb.opts.dropCallback(item)
	}
}

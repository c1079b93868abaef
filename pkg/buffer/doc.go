// Package buffer provides thread-safe circular buffers with configurable
// overflow policies, always-on statistics and optional Prometheus metrics.
//
// streambus uses these buffers in three places: the connection manager's
// outbound queue (publishes held while reconnecting), its inbound queue
// (transport deliveries waiting for dispatch) and each subscription's
// delivery queue.
//
// # Quick Start
//
//	buf, err := buffer.NewCircularBuffer[*message.Msg](512,
//		buffer.WithOverflowPolicy[*message.Msg](buffer.DropOldest),
//		buffer.WithMetrics[*message.Msg](registry, "outbound"),
//	)
//
// # Overflow Policies
//
//   - DropOldest: remove the oldest item to make room (default)
//   - DropNewest: discard the incoming item
//   - Block: writers wait for space; WriteContext honors cancellation
//   - Reject: the write fails with errors.ErrOverflow
//
// # Waiting Readers
//
// ReadContext parks until an item arrives, the context ends or the buffer is
// closed. Close stops writes but leaves buffered items readable, which gives
// subscriptions their drain semantics:
//
//	for {
//		msg, err := buf.ReadContext(ctx)
//		if err != nil {
//			return err // context ended, or closed and empty
//		}
//		handle(msg)
//	}
//
// # Observability
//
// Statistics are tracked with atomic counters on every buffer. WithMetrics
// additionally exports writes, reads, overflows, drops, size and utilization
// under the streambus_buffer_* names with a component label.
package buffer

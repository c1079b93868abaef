package router

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/pkg/buffer"
)

// Handler processes messages of an asynchronous subscription
type Handler func(msg *message.Msg)

// SubState is the lifecycle state of a Subscription
type SubState int32

// Subscription lifecycle: Active -> Draining -> Closed, or Active -> Closed
const (
	Active SubState = iota
	Draining
	Closed
)

// String returns the state name
func (s SubState) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is one registered interest with its own bounded delivery
// queue. Synchronous subscriptions are read with NextMsg or Messages;
// subscriptions created with a handler are served by one goroutine.
type Subscription struct {
	id      uint64
	router  *Router
	subject string
	queue   string
	handler Handler
	pending buffer.Buffer[*message.Msg]

	state     atomic.Int32
	max       atomic.Uint64
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	warned    atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// Subject returns the subscribed pattern
func (s *Subscription) Subject() string { return s.subject }

// Queue returns the queue group, empty for a plain subscription
func (s *Subscription) Queue() string { return s.queue }

// State returns the lifecycle state
func (s *Subscription) State() SubState { return SubState(s.state.Load()) }

// IsValid reports whether the subscription still receives messages
func (s *Subscription) IsValid() bool { return s.State() == Active }

// Pending returns the number of queued, undelivered messages
func (s *Subscription) Pending() int { return s.pending.Size() }

// Delivered returns how many messages were handed to the application
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Dropped returns how many messages the delivery queue discarded
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Done is closed once the subscription is Closed and, for handler
// subscriptions, the handler goroutine has returned
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) String() string {
	if s.queue == "" {
		return fmt.Sprintf("sub#%d(%s)", s.id, s.subject)
	}
	return fmt.Sprintf("sub#%d(%s q=%s)", s.id, s.subject, s.queue)
}

// AutoUnsubscribe closes the subscription for new messages after n total
// deliveries. Messages already queued stay readable.
func (s *Subscription) AutoUnsubscribe(n int) error {
	if n <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Subscription", "AutoUnsubscribe", "check max")
	}
	if s.State() != Active {
		return errors.WrapInvalid(errors.ErrSubscriptionClosed, "Subscription", "AutoUnsubscribe", "check state")
	}
	s.max.Store(uint64(n))
	if s.enqueued.Load() >= uint64(n) {
		s.router.finish(s, false)
	}
	return nil
}

// enqueue is called by the router for every routed message. It reports
// whether the message was queued.
func (s *Subscription) enqueue(msg *message.Msg) bool {
	if s.State() != Active {
		return false
	}

	n := s.enqueued.Add(1)
	limit := s.max.Load()
	if limit > 0 && n > limit {
		return false
	}

	if err := s.pending.Write(msg); err != nil {
		// closed under us, or the queue rejected
		return false
	}
	if limit > 0 && n == limit {
		s.router.finish(s, false)
	}
	return true
}

func (s *Subscription) onDrop(msg *message.Msg) {
	s.dropped.Add(1)
	s.router.dropped(s, msg)
}

// NextMsg returns the next queued message, waiting until one arrives, the
// subscription closes or ctx ends.
func (s *Subscription) NextMsg(ctx context.Context) (*message.Msg, error) {
	if s.handler != nil {
		return nil, errors.WrapInvalid(errors.New("handler subscription"), "Subscription", "NextMsg", "check mode")
	}

	msg, err := s.pending.ReadContext(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyStopped) {
			s.markClosed()
			return nil, errors.WrapFatal(errors.ErrSubscriptionClosed, "Subscription", "NextMsg", "read queue")
		}
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(errors.Join(errors.ErrTimeout, ctx.Err()), "Subscription", "NextMsg", "wait for message")
		}
		return nil, err
	}

	s.delivered.Add(1)
	if s.State() == Draining && s.pending.IsEmpty() {
		s.markClosed()
	}
	return msg, nil
}

// Messages returns an iterator over incoming messages. It stops when ctx
// ends, the subscription closes, or the loop breaks.
func (s *Subscription) Messages(ctx context.Context) iter.Seq[*message.Msg] {
	return func(yield func(*message.Msg) bool) {
		for {
			msg, err := s.NextMsg(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Unsubscribe removes the interest immediately and discards queued messages
func (s *Subscription) Unsubscribe() error {
	if s.State() == Closed {
		return errors.WrapInvalid(errors.ErrSubscriptionClosed, "Subscription", "Unsubscribe", "check state")
	}
	s.router.finish(s, true)
	return nil
}

// Drain stops new deliveries and waits until every queued message has been
// handed to the application, or ctx ends.
func (s *Subscription) Drain(ctx context.Context) error {
	if s.State() == Closed {
		return nil
	}
	s.router.finish(s, false)

	if s.handler == nil && s.pending.IsEmpty() {
		s.markClosed()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.Join(errors.ErrTimeout, ctx.Err()), "Subscription", "Drain", "wait for pending")
	}
}

// serve runs the handler loop until the queue is closed and empty
func (s *Subscription) serve() {
	defer s.markClosed()
	for {
		msg, err := s.pending.ReadContext(context.Background())
		if err != nil {
			return
		}
		s.invoke(msg)
	}
}

func (s *Subscription) invoke(msg *message.Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.router.logger.Error("Subscription handler panicked",
				"subject", msg.Subject(), "subscription", s.String(), "panic", r)
		}
	}()
	s.delivered.Add(1)
	s.handler(msg)
}

func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		close(s.done)
	})
}

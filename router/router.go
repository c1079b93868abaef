package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
	"github.com/c360/streambus/subject"
	"github.com/c360/streambus/transport"
)

// Registrar is told about the first and last local subscription of every
// interest so it can be registered upstream. conn.Manager implements it.
type Registrar interface {
	AddInterest(interest transport.Interest) error
	RemoveInterest(interest transport.Interest) error
}

// Stats is a snapshot of router counters
type Stats struct {
	Subscriptions int
	Routed        uint64
	Delivered     uint64
	Dropped       uint64
	Unmatched     uint64
}

// Router holds local subscriptions and fans messages out to them
type Router struct {
	subs      *subject.Sublist[*Subscription]
	registrar Registrar
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	onError   func(*Subscription, error)

	pendingLimit int
	policy       buffer.OverflowPolicy

	mu      sync.Mutex
	active  map[uint64]*Subscription
	cursors map[string]uint64
	closed  bool
	nextID  uint64

	routed    atomic.Uint64
	delivered atomic.Uint64
	drops     atomic.Uint64
	unmatched atomic.Uint64
}

// New creates a router
func New(opts ...Option) *Router {
	r := &Router{
		subs:         subject.NewSublist[*Subscription](),
		logger:       slog.Default(),
		pendingLimit: DefaultPendingLimit,
		policy:       buffer.DropOldest,
		active:       make(map[uint64]*Subscription),
		cursors:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRegistrar sets the upstream interest registrar. Subscriptions made
// before it is set are not replayed to it.
func (r *Router) SetRegistrar(reg Registrar) {
	r.mu.Lock()
	r.registrar = reg
	r.mu.Unlock()
}

// Subscribe registers a subscription on pattern. queue may be empty. A nil
// handler creates a synchronous subscription read with NextMsg.
func (r *Router) Subscribe(pattern, queue string, handler Handler, opts ...SubOption) (*Subscription, error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if err := subject.ValidateQueue(queue); err != nil {
		return nil, err
	}

	so := subOptions{pendingLimit: r.pendingLimit, policy: r.policy}
	for _, opt := range opts {
		opt(&so)
	}
	if so.pendingLimit <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Router", "Subscribe", "check pending limit")
	}
	if so.policy != buffer.DropOldest && so.policy != buffer.Block {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Router", "Subscribe", "check pending policy")
	}

	sub := &Subscription{
		router:  r,
		subject: pattern,
		queue:   queue,
		handler: handler,
		done:    make(chan struct{}),
	}
	pending, err := r.newQueue(so, buffer.WithOverflowPolicy[*message.Msg](so.policy),
		buffer.WithDropCallback[*message.Msg](sub.onDrop))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Router", "Subscribe", "create delivery queue")
	}
	sub.pending = pending

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pending.Close()
		return nil, errors.WrapFatal(errors.ErrConnectionClosed, "Router", "Subscribe", "check router")
	}
	r.nextID++
	sub.id = r.nextID
	r.active[sub.id] = sub
	reg := r.registrar
	r.mu.Unlock()

	if err := r.subs.Insert(pattern, queue, sub); err != nil {
		r.forget(sub)
		_ = pending.Close()
		return nil, err
	}
	if reg != nil {
		if err := reg.AddInterest(transport.Interest{Subject: pattern, Queue: queue}); err != nil {
			r.subs.Remove(pattern, queue, sub)
			r.forget(sub)
			_ = pending.Close()
			return nil, errors.Wrap(err, "Router", "Subscribe", "register interest")
		}
	}

	if handler != nil {
		go sub.serve()
	}
	r.logger.Debug("Subscribed", "subject", pattern, "queue", queue, "subscription", sub.String())
	return sub, nil
}

// newQueue creates a delivery queue. A metrics name already taken in the
// registry leaves the queue unexported.
func (r *Router) newQueue(so subOptions, opts ...buffer.Option[*message.Msg]) (buffer.Buffer[*message.Msg], error) {
	if r.registry != nil && so.metricsName != "" {
		q, err := buffer.NewCircularBuffer(so.pendingLimit,
			append(opts, buffer.WithMetrics[*message.Msg](r.registry, so.metricsName))...)
		if err == nil {
			return q, nil
		}
		r.logger.Warn("Queue metrics unavailable", "name", so.metricsName, "error", err)
	}
	return buffer.NewCircularBuffer(so.pendingLimit, opts...)
}

func (r *Router) forget(sub *Subscription) {
	r.mu.Lock()
	delete(r.active, sub.id)
	r.mu.Unlock()
}

// finish takes sub out of routing. With discard the queued messages are
// thrown away without counting as slow-consumer drops, otherwise they
// remain readable until the queue empties.
func (r *Router) finish(sub *Subscription, discard bool) {
	if !sub.state.CompareAndSwap(int32(Active), int32(Draining)) {
		if discard && sub.State() == Draining {
			sub.pending.Drain()
			if sub.handler == nil {
				sub.markClosed()
			}
		}
		return
	}

	r.subs.Remove(sub.subject, sub.queue, sub)
	r.mu.Lock()
	delete(r.active, sub.id)
	reg := r.registrar
	r.mu.Unlock()

	if reg != nil {
		if err := reg.RemoveInterest(transport.Interest{Subject: sub.subject, Queue: sub.queue}); err != nil {
			r.logger.Warn("Failed to release interest", "subject", sub.subject, "queue", sub.queue, "error", err)
		}
	}

	_ = sub.pending.Close()
	if discard {
		sub.pending.Drain()
		if sub.handler == nil {
			sub.markClosed()
		}
	}
}

// Deliver is the inbound dispatch entry point. A plain delivery (group "")
// reaches every matching non-queue subscription; a group delivery reaches
// one matching member of that group.
func (r *Router) Deliver(group string, msg *message.Msg) {
	r.routed.Add(1)
	res := r.subs.Match(msg.Subject())

	if group == "" {
		if len(res.Plain) == 0 {
			r.unmatched.Add(1)
			return
		}
		for _, sub := range res.Plain {
			r.hand(sub, msg)
		}
		return
	}

	for _, g := range res.Groups {
		if g.Name == group {
			r.pick(g.Name, g.Members, msg)
			return
		}
	}
	r.unmatched.Add(1)
	r.metrics.RecordDropped("router", "no_group_member")
}

// Publish routes msg locally: every plain subscriber plus one member of
// each distinct matching queue group.
func (r *Router) Publish(msg *message.Msg) error {
	if err := subject.ValidateSubject(msg.Subject()); err != nil {
		return err
	}
	r.routed.Add(1)
	res := r.subs.Match(msg.Subject())
	if res.Empty() {
		r.unmatched.Add(1)
		return nil
	}
	for _, sub := range res.Plain {
		r.hand(sub, msg)
	}
	for _, g := range res.Groups {
		r.pick(g.Name, g.Members, msg)
	}
	return nil
}

// pick round-robins over the group members, skipping any that stopped
func (r *Router) pick(group string, members []*Subscription, msg *message.Msg) {
	r.mu.Lock()
	start := r.cursors[group]
	r.cursors[group]++
	r.mu.Unlock()

	for i := range len(members) {
		sub := members[(start+uint64(i))%uint64(len(members))]
		if r.hand(sub, msg) {
			return
		}
	}
	r.metrics.RecordDropped("router", "no_group_member")
}

func (r *Router) hand(sub *Subscription, msg *message.Msg) bool {
	if !sub.enqueue(msg) {
		return false
	}
	r.delivered.Add(1)
	return true
}

func (r *Router) dropped(sub *Subscription, msg *message.Msg) {
	r.drops.Add(1)
	r.metrics.RecordDropped("router", "slow_consumer")
	if sub.warned.CompareAndSwap(false, true) {
		r.logger.Warn("Slow consumer, dropping messages",
			"subscription", sub.String(), "subject", msg.Subject(), "pending", sub.Pending())
		if r.onError != nil {
			r.onError(sub, errors.WrapTransient(errors.ErrSlowConsumer, "Router", "Deliver", "enqueue "+sub.String()))
		}
	}
}

// NumSubscriptions returns the number of active subscriptions
func (r *Router) NumSubscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Subscriptions returns the active subscriptions
func (r *Router) Subscriptions() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.active))
	for _, sub := range r.active {
		out = append(out, sub)
	}
	return out
}

// Stats returns a snapshot of router counters
func (r *Router) Stats() Stats {
	return Stats{
		Subscriptions: r.NumSubscriptions(),
		Routed:        r.routed.Load(),
		Delivered:     r.delivered.Load(),
		Dropped:       r.drops.Load(),
		Unmatched:     r.unmatched.Load(),
	}
}

// Drain drains every subscription and marks the router closed
func (r *Router) Drain(ctx context.Context) error {
	subs := r.seal()
	var errs []error
	for _, sub := range subs {
		if err := sub.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close unsubscribes everything, discarding queued messages
func (r *Router) Close() {
	for _, sub := range r.seal() {
		r.finish(sub, true)
	}
}

func (r *Router) seal() []*Subscription {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Subscriptions()
}

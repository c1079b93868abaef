package router

import (
	"log/slog"

	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
)

// DefaultPendingLimit is the delivery queue capacity of a subscription
const DefaultPendingLimit = 65536

// Option configures a Router
type Option func(*Router)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records dropped deliveries
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithMetricsRegistry is where subscriptions created with WithQueueMetrics
// export their delivery queue
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Router) {
		r.registry = registry
	}
}

// WithRegistrar sets the upstream interest registrar
func WithRegistrar(reg Registrar) Option {
	return func(r *Router) {
		r.registrar = reg
	}
}

// WithDefaultPending sets the queue capacity and overflow policy used when
// a subscription does not set its own
func WithDefaultPending(limit int, policy buffer.OverflowPolicy) Option {
	return func(r *Router) {
		if limit > 0 {
			r.pendingLimit = limit
		}
		r.policy = policy
	}
}

// WithErrorHandler is called with errors.ErrSlowConsumer the first time a
// subscription drops a message
func WithErrorHandler(fn func(*Subscription, error)) Option {
	return func(r *Router) {
		r.onError = fn
	}
}

type subOptions struct {
	pendingLimit int
	policy       buffer.OverflowPolicy
	metricsName  string
}

// SubOption configures a single subscription
type SubOption func(*subOptions)

// WithPendingLimit bounds the subscription's delivery queue
func WithPendingLimit(n int) SubOption {
	return func(o *subOptions) {
		o.pendingLimit = n
	}
}

// WithDropOldest evicts the oldest queued message when the queue is full
func WithDropOldest() SubOption {
	return func(o *subOptions) {
		o.policy = buffer.DropOldest
	}
}

// WithBlock makes the dispatcher wait for queue space. A blocked
// subscription stalls delivery for the whole connection.
func WithBlock() SubOption {
	return func(o *subOptions) {
		o.policy = buffer.Block
	}
}

// WithQueueMetrics exports the delivery queue under name in the router's
// metrics registry until the subscription ends
func WithQueueMetrics(name string) SubOption {
	return func(o *subOptions) {
		o.metricsName = name
	}
}

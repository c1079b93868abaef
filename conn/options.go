package conn

import (
	"log/slog"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
	"github.com/c360/streambus/pkg/retry"
)

// OverflowPolicy selects what happens to publishes once the outbound buffer
// is full while disconnected.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest buffered publish.
	DropOldest OverflowPolicy = iota
	// RejectNew fails the publish with errors.ErrOverflow.
	RejectNew
)

// String returns the policy name
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject"
	default:
		return "unknown"
	}
}

func (p OverflowPolicy) buffer() buffer.OverflowPolicy {
	if p == RejectNew {
		return buffer.Reject
	}
	return buffer.DropOldest
}

// Option is a functional option for configuring the Manager
type Option func(*Manager) error

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// WithMetrics records connection state, reconnects and outbound buffering
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = metrics
		return nil
	}
}

// WithQueueMetrics exports the outbound and inbound queues in registry,
// labelled name_outbound and name_inbound
func WithQueueMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(m *Manager) error {
		if registry != nil && name == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "WithQueueMetrics", "check name")
		}
		m.registry = registry
		m.queuesName = name
		return nil
	}
}

// WithDispatcher sets where inbound messages go. It can also be set later
// with SetDispatcher, before Connect.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) error {
		m.dispatcher = d
		return nil
	}
}

// WithOutboundBuffer sets how many publishes are held while disconnected
// and what happens when that limit is hit
func WithOutboundBuffer(size int, policy OverflowPolicy) Option {
	return func(m *Manager) error {
		if size <= 0 {
			return errors.New("outbound buffer size must be positive")
		}
		m.outboundSize = size
		m.overflow = policy
		return nil
	}
}

// WithInboundBuffer sets the queue between the transport and the dispatch
// goroutine. Block makes transport goroutines wait for the dispatcher.
func WithInboundBuffer(size int, policy buffer.OverflowPolicy) Option {
	return func(m *Manager) error {
		if size <= 0 {
			return errors.New("inbound buffer size must be positive")
		}
		m.inboundSize = size
		m.inboundPolicy = policy
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts per
// outage (retry.Unlimited for infinite, 0 to close on the first loss)
func WithMaxReconnects(n int) Option {
	return func(m *Manager) error {
		if n < retry.Unlimited {
			return errors.New("max reconnects must be -1 or greater")
		}
		m.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the initial and maximum backoff between attempts
func WithReconnectWait(initial, maxWait time.Duration) Option {
	return func(m *Manager) error {
		if initial <= 0 || maxWait < initial {
			return errors.New("reconnect wait must be positive and max >= initial")
		}
		m.backoff.InitialDelay = initial
		m.backoff.MaxDelay = maxWait
		return nil
	}
}

// WithBackoff replaces the reconnect backoff. MaxAttempts is ignored in
// favor of WithMaxReconnects.
func WithBackoff(cfg retry.Config) Option {
	return func(m *Manager) error {
		m.backoff = cfg
		return nil
	}
}

// WithRetryOnFailedConnect makes Connect return immediately when the first
// dial fails and keep trying in the background
func WithRetryOnFailedConnect(enabled bool) Option {
	return func(m *Manager) error {
		m.retryOnFailedConnect = enabled
		return nil
	}
}

// WithDisconnectHandler is called when a live session is lost
func WithDisconnectHandler(fn func(error)) Option {
	return func(m *Manager) error {
		m.onDisconnect = fn
		return nil
	}
}

// WithReconnectHandler is called after interests are restored and the
// outbound buffer replayed
func WithReconnectHandler(fn func()) Option {
	return func(m *Manager) error {
		m.onReconnect = fn
		return nil
	}
}

// WithClosedHandler is called once when the manager closes. The error is
// nil for a local Close and wraps errors.ErrConnectionLost when reconnects
// ran out.
func WithClosedHandler(fn func(error)) Option {
	return func(m *Manager) error {
		m.onClosed = fn
		return nil
	}
}

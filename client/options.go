package client

import (
	"log/slog"
	"time"

	"github.com/c360/streambus/conn"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
	"github.com/c360/streambus/router"
)

// DefaultInboxPrefix is the subject prefix of request inboxes
const DefaultInboxPrefix = "_INBOX"

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithName sets the client name used in logs and health reports
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name == "" {
			return errors.New("client name must not be empty")
		}
		c.name = name
		return nil
	}
}

// WithLogger sets the logger for the client and its connection
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics records client, connection and router metrics in registry.
// The connection queues are exported labelled with the client name.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return errors.New("metrics registry must not be nil")
		}
		c.registry = registry
		c.metrics = registry.CoreMetrics()
		return nil
	}
}

// WithRequestTimeout sets the timeout for requests whose context carries
// no deadline
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		c.requestTimeout = d
		return nil
	}
}

// WithInboxPrefix changes the "_INBOX" prefix of reply subjects
func WithInboxPrefix(prefix string) ClientOption {
	return func(c *Client) error {
		if prefix == "" {
			return errors.New("inbox prefix must not be empty")
		}
		c.inboxPrefix = prefix
		return nil
	}
}

// WithPendingLimits sets the default delivery queue of subscriptions
func WithPendingLimits(limit int, policy buffer.OverflowPolicy) ClientOption {
	return func(c *Client) error {
		if limit <= 0 {
			return errors.New("pending limit must be positive")
		}
		c.routerOpts = append(c.routerOpts, router.WithDefaultPending(limit, policy))
		return nil
	}
}

// WithMaxReconnects sets the maximum reconnect attempts per outage,
// -1 for unlimited
func WithMaxReconnects(n int) ClientOption {
	return WithConnOptions(conn.WithMaxReconnects(n))
}

// WithReconnectWait sets the initial and maximum reconnect backoff
func WithReconnectWait(initial, maxWait time.Duration) ClientOption {
	return WithConnOptions(conn.WithReconnectWait(initial, maxWait))
}

// WithOutboundBuffer sets how many publishes are held while reconnecting
func WithOutboundBuffer(size int, policy conn.OverflowPolicy) ClientOption {
	return WithConnOptions(conn.WithOutboundBuffer(size, policy))
}

// WithRetryOnFailedConnect keeps retrying in the background when the first
// connect fails
func WithRetryOnFailedConnect(enabled bool) ClientOption {
	return WithConnOptions(conn.WithRetryOnFailedConnect(enabled))
}

// WithDisconnectCallback sets a callback for disconnection events
func WithDisconnectCallback(fn func(error)) ClientOption {
	return WithConnOptions(conn.WithDisconnectHandler(fn))
}

// WithReconnectCallback sets a callback for reconnection events
func WithReconnectCallback(fn func()) ClientOption {
	return WithConnOptions(conn.WithReconnectHandler(fn))
}

// WithClosedCallback sets a callback for when the connection is closed for good
func WithClosedCallback(fn func(error)) ClientOption {
	return WithConnOptions(conn.WithClosedHandler(fn))
}

// WithErrorCallback is called with asynchronous subscription errors such
// as errors.ErrSlowConsumer
func WithErrorCallback(fn func(*router.Subscription, error)) ClientOption {
	return func(c *Client) error {
		c.routerOpts = append(c.routerOpts, router.WithErrorHandler(fn))
		return nil
	}
}

// WithConnOptions passes options straight to the connection manager
func WithConnOptions(opts ...conn.Option) ClientOption {
	return func(c *Client) error {
		c.connOpts = append(c.connOpts, opts...)
		return nil
	}
}

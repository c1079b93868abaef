package jetstream

import (
	"log/slog"
	"time"

	"github.com/c360/streambus/client"
	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/stream"
)

// Option configures a JetStream context
type Option func(*JetStream) error

// WithStore uses an existing stream store. It is not closed by Close.
func WithStore(store *stream.Store) Option {
	return func(js *JetStream) error {
		if store == nil {
			return errors.New("store must not be nil")
		}
		js.store = store
		js.ownsStore = false
		return nil
	}
}

// WithStoreOptions configures the store New creates
func WithStoreOptions(opts ...stream.StoreOption) Option {
	return func(js *JetStream) error {
		js.storeOpts = append(js.storeOpts, opts...)
		return nil
	}
}

// WithStateStore sets where durable consumer state is kept
func WithStateStore(store consumer.StateStore) Option {
	return func(js *JetStream) error {
		if store == nil {
			return errors.New("state store must not be nil")
		}
		js.states = store
		return nil
	}
}

// WithClient enables push delivery to DeliverSubject and serves the ack
// subject space on c
func WithClient(c *client.Client) Option {
	return func(js *JetStream) error {
		js.client = c
		return nil
	}
}

// WithLogger sets the logger for the context, its store and consumers
func WithLogger(logger *slog.Logger) Option {
	return func(js *JetStream) error {
		if logger != nil {
			js.logger = logger
		}
		return nil
	}
}

// WithMetrics records stream and consumer metrics in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(js *JetStream) error {
		js.registry = registry
		js.metrics = registry.CoreMetrics()
		return nil
	}
}

// WithDefaultAckWait is applied to consumers created without an AckWait
func WithDefaultAckWait(d time.Duration) Option {
	return func(js *JetStream) error {
		if d <= 0 {
			return errors.New("ack wait must be positive")
		}
		js.ackWait = d
		return nil
	}
}

// WithDeadLetterHandler receives every message a consumer gives up on
func WithDeadLetterHandler(fn func(consumer.DeadLetter)) Option {
	return func(js *JetStream) error {
		js.onDeadLetter = fn
		return nil
	}
}

// PublishOption sets publish expectations as headers
type PublishOption func(*publishOptions)

type publishOptions struct {
	msgOpts []message.Option
}

// WithMsgID sets the Nats-Msg-Id header used for deduplication
func WithMsgID(id string) PublishOption {
	return func(o *publishOptions) {
		o.msgOpts = append(o.msgOpts, message.WithHeader(message.MsgIDHeader, id))
	}
}

// WithExpectLastSequence fails the publish unless the stream's last
// sequence equals seq
func WithExpectLastSequence(seq uint64) PublishOption {
	return func(o *publishOptions) {
		o.msgOpts = append(o.msgOpts, message.WithHeader(message.ExpectedLastSeqHeader, formatUint(seq)))
	}
}

// WithExpectStream fails the publish unless the subject is stored in stream
func WithExpectStream(stream string) PublishOption {
	return func(o *publishOptions) {
		o.msgOpts = append(o.msgOpts, message.WithHeader(message.ExpectedStreamHeader, stream))
	}
}

// WithHeader adds a header to the published message
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.msgOpts = append(o.msgOpts, message.WithHeader(key, value))
	}
}

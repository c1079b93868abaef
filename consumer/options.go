package consumer

import (
	"log/slog"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/metric"
)

// Option is a functional option for configuring a Consumer
type Option func(*Consumer) error

// WithStateStore sets where acknowledgement state is persisted. The default
// is a private MemoryStateStore.
func WithStateStore(store StateStore) Option {
	return func(c *Consumer) error {
		if store == nil {
			return errors.New("state store must not be nil")
		}
		c.store = store
		return nil
	}
}

// WithLogger sets the consumer logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics records delivery metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Consumer) error {
		c.metrics = m
		return nil
	}
}

// WithMetricsRegistry exports the worker pool of every Consume call in
// registry while it runs
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(c *Consumer) error {
		c.registry = registry
		return nil
	}
}

// WithDeadLetterHandler is called for every message given up on, after the
// consumer lock is released
func WithDeadLetterHandler(fn func(DeadLetter)) Option {
	return func(c *Consumer) error {
		c.onDeadLetter = fn
		return nil
	}
}

// ConsumeOption configures Consume
type ConsumeOption func(*consumeOptions) error

type consumeOptions struct {
	concurrency int
	onError     func(error)
}

// WithConcurrency sets how many handlers run at once
func WithConcurrency(n int) ConsumeOption {
	return func(o *consumeOptions) error {
		if n <= 0 {
			return errors.New("concurrency must be positive")
		}
		o.concurrency = n
		return nil
	}
}

// WithConsumeErrorHandler receives errors that do not stop delivery
func WithConsumeErrorHandler(fn func(error)) ConsumeOption {
	return func(o *consumeOptions) error {
		o.onError = fn
		return nil
	}
}

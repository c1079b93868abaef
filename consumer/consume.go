package consumer

import (
	"context"
	"iter"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/pkg/worker"
)

const consumeRetryDelay = 100 * time.Millisecond

// Handler processes a delivered message
type Handler func(msg *Msg)

func (c *Consumer) checkPull(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Mode == Push {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", method, "push consumers deliver through Consume")
	}
	return nil
}

// Fetch returns up to batch messages. It waits up to maxWait (DefaultFetchWait
// when zero) for the first message and then returns what is available
// without waiting further. When nothing arrives in time the error wraps
// errors.ErrTimeout.
func (c *Consumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]*Msg, error) {
	if err := c.checkPull("Fetch"); err != nil {
		return nil, err
	}
	if batch <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "Fetch", "batch must be positive")
	}
	if maxWait <= 0 {
		maxWait = DefaultFetchWait
	}

	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	msgs, err := c.wait(ctx, batch)
	if err != nil {
		return nil, fetchError(ctx, err, "Fetch")
	}
	return msgs, nil
}

// Next blocks until a message is available or ctx ends
func (c *Consumer) Next(ctx context.Context) (*Msg, error) {
	if err := c.checkPull("Next"); err != nil {
		return nil, err
	}
	msgs, err := c.wait(ctx, 1)
	if err != nil {
		return nil, fetchError(ctx, err, "Next")
	}
	return msgs[0], nil
}

func fetchError(ctx context.Context, err error, method string) error {
	switch {
	case ctx.Err() == nil:
		return err
	case errors.Is(ctx.Err(), context.Canceled):
		return errors.WrapTransient(ctx.Err(), "Consumer", method, "wait for messages")
	default:
		return errors.WrapTransient(errors.Join(errors.ErrTimeout, ctx.Err()), "Consumer", method, "wait for messages")
	}
}

// Messages iterates deliveries until ctx ends or the consumer stops. The
// final error, if any, is yielded with a nil message.
func (c *Consumer) Messages(ctx context.Context) iter.Seq2[*Msg, error] {
	return func(yield func(*Msg, error) bool) {
		if err := c.checkPull("Messages"); err != nil {
			yield(nil, err)
			return
		}
		for {
			msgs, err := c.wait(ctx, 1)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if !yield(msgs[0], nil) {
				return
			}
		}
	}
}

// ConsumeContext controls a running Consume
type ConsumeContext struct {
	cancel context.CancelFunc
	done   chan struct{}
	pool   *worker.Pool[*Msg]
}

// Stop ends delivery and waits for running handlers. Messages queued but
// not yet handled stay pending and are redelivered.
func (cc *ConsumeContext) Stop() {
	cc.cancel()
	<-cc.done
}

// Closed is closed once delivery has ended
func (cc *ConsumeContext) Closed() <-chan struct{} {
	return cc.done
}

// Consume delivers messages to handler on a worker pool until Stop is
// called or the consumer stops.
func (c *Consumer) Consume(handler Handler, opts ...ConsumeOption) (*ConsumeContext, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "Consume", "handler required")
	}
	o := consumeOptions{concurrency: 1}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.WrapInvalid(err, "Consumer", "Consume", "apply option")
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	var poolOpts []worker.Option[*Msg]
	if c.registry != nil {
		prefix := "consumer_" + c.str.Name() + "_" + c.name
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*Msg](c.registry, prefix))
	}
	pool := worker.NewPool(o.concurrency, o.concurrency, func(_ context.Context, m *Msg) error {
		handler(m)
		return nil
	}, poolOpts...)
	if err := pool.Start(ctx); err != nil {
		cancel()
		return nil, errors.Wrap(err, "Consumer", "Consume", "start workers")
	}

	cc := &ConsumeContext{cancel: cancel, done: make(chan struct{}), pool: pool}
	go c.consumeLoop(ctx, cc, o)
	return cc, nil
}

func (c *Consumer) consumeLoop(ctx context.Context, cc *ConsumeContext, o consumeOptions) {
	defer close(cc.done)
	defer cc.cancel()
	defer func() {
		if err := cc.pool.Stop(c.Config().AckWait); err != nil {
			c.logger.Warn("Handlers still running after consume stopped", "error", err)
		}
	}()

	for {
		msgs, err := c.wait(ctx, o.concurrency)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if o.onError != nil {
				o.onError(err)
			}
			if errors.IsFatal(err) {
				c.logger.Info("Consume ended", "error", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeRetryDelay):
			}
			continue
		}
		for _, m := range msgs {
			if err := cc.pool.SubmitContext(ctx, m); err != nil {
				return
			}
		}
	}
}

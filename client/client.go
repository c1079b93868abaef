package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"

	"github.com/c360/streambus/conn"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/health"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/router"
	"github.com/c360/streambus/transport"
)

// noRespondersStatus is the Status header a NATS server sets on the reply
// to a request without subscribers
const noRespondersStatus = "503"

// Stats combines connection and router counters
type Stats struct {
	Conn   conn.Stats
	Router router.Stats
}

// Client is the application-facing API: publish, subscribe and request on
// top of one managed connection.
type Client struct {
	name           string
	logger         *slog.Logger
	metrics        *metric.Metrics
	registry       *metric.MetricsRegistry
	requestTimeout time.Duration
	inboxPrefix    string

	conn   *conn.Manager
	router *router.Router

	connOpts   []conn.Option
	routerOpts []router.Option

	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client on tr. Call Connect before publishing.
func NewClient(tr transport.Transport, opts ...ClientOption) (*Client, error) {
	c := &Client{
		name:           "streambus",
		logger:         slog.Default(),
		requestTimeout: 2 * time.Second,
		inboxPrefix:    DefaultInboxPrefix,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("client", c.name)

	c.router = router.New(append([]router.Option{
		router.WithLogger(c.logger),
		router.WithMetrics(c.metrics),
		router.WithMetricsRegistry(c.registry),
	}, c.routerOpts...)...)

	mgr, err := conn.New(tr, append([]conn.Option{
		conn.WithLogger(c.logger),
		conn.WithMetrics(c.metrics),
		conn.WithQueueMetrics(c.registry, "client_"+c.name),
		conn.WithDispatcher(c),
	}, c.connOpts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "NewClient", "create connection manager")
	}
	c.conn = mgr
	c.router.SetRegistrar(mgr)

	return c, nil
}

// Connect creates a client and connects it
func Connect(ctx context.Context, tr transport.Transport, opts ...ClientOption) (*Client, error) {
	c, err := NewClient(tr, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens the connection
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return errors.Wrap(err, "Client", "Connect", "connect")
	}
	return nil
}

// Name returns the client name
func (c *Client) Name() string {
	return c.name
}

// Logger returns the client logger
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Deliver implements conn.Dispatcher. Messages with a reply subject get a
// responder bound so handlers can call Respond.
func (c *Client) Deliver(group string, msg *message.Msg) {
	if msg.Reply() != "" {
		msg = msg.With(message.WithResponder(c.respond))
	}
	c.router.Deliver(group, msg)
}

func (c *Client) respond(ctx context.Context, reply string, data []byte, header message.Header) error {
	return c.PublishMsg(ctx, message.New(reply, data, message.WithHeaders(header)))
}

// Publish sends data on subj. It returns once the connection accepted the
// message, which may mean buffered while reconnecting.
func (c *Client) Publish(ctx context.Context, subj string, data []byte, opts ...message.Option) error {
	return c.PublishMsg(ctx, message.New(subj, data, opts...))
}

// PublishMsg sends a prepared message
func (c *Client) PublishMsg(ctx context.Context, msg *message.Msg) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "check context")
	}
	if err := c.conn.Publish(msg); err != nil {
		return err
	}
	c.metrics.RecordPublished("client")
	return nil
}

// Subscribe delivers messages matching subj to handler on a dedicated
// goroutine
func (c *Client) Subscribe(subj string, handler router.Handler, opts ...router.SubOption) (*router.Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "Subscribe", "check handler")
	}
	return c.subscribe(subj, "", handler, opts)
}

// SubscribeSync creates a subscription read with NextMsg
func (c *Client) SubscribeSync(subj string, opts ...router.SubOption) (*router.Subscription, error) {
	return c.subscribe(subj, "", nil, opts)
}

// QueueSubscribe joins queue group queue; each message reaches one member
func (c *Client) QueueSubscribe(subj, queue string, handler router.Handler, opts ...router.SubOption) (*router.Subscription, error) {
	if queue == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidQueue, "Client", "QueueSubscribe", "check queue")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "QueueSubscribe", "check handler")
	}
	return c.subscribe(subj, queue, handler, opts)
}

// QueueSubscribeSync joins a queue group with a polled subscription
func (c *Client) QueueSubscribeSync(subj, queue string, opts ...router.SubOption) (*router.Subscription, error) {
	if queue == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidQueue, "Client", "QueueSubscribeSync", "check queue")
	}
	return c.subscribe(subj, queue, nil, opts)
}

func (c *Client) subscribe(subj, queue string, handler router.Handler, opts []router.SubOption) (*router.Subscription, error) {
	if c.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrConnectionClosed, "Client", "Subscribe", "check client")
	}
	sub, err := c.router.Subscribe(subj, queue, handler, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// NewInbox returns a unique reply subject
func (c *Client) NewInbox() string {
	return c.inboxPrefix + "." + nuid.Next()
}

// Request publishes data on subj with a fresh inbox as reply subject and
// waits for the first reply. Without a deadline on ctx the client request
// timeout applies. The inbox subscription is released on every path.
func (c *Client) Request(ctx context.Context, subj string, data []byte, opts ...message.Option) (*message.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	inbox := c.NewInbox()
	sub, err := c.router.Subscribe(inbox, "", nil, router.WithPendingLimit(1))
	if err != nil {
		c.metrics.RecordRequest("error", time.Since(start))
		return nil, errors.Wrap(err, "Client", "Request", "subscribe inbox")
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := sub.AutoUnsubscribe(1); err != nil {
		return nil, err
	}

	opts = append(opts, message.WithReply(inbox))
	if err := c.PublishMsg(ctx, message.New(subj, data, opts...)); err != nil {
		c.metrics.RecordRequest("error", time.Since(start))
		return nil, errors.Wrap(err, "Client", "Request", "publish request")
	}

	reply, err := sub.NextMsg(ctx)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			c.metrics.RecordRequest("cancelled", time.Since(start))
			return nil, errors.WrapTransient(ctx.Err(), "Client", "Request", "wait for reply on "+subj)
		case ctx.Err() != nil:
			c.metrics.RecordRequest("timeout", time.Since(start))
			return nil, errors.WrapTransient(errors.Join(errors.ErrTimeout, err), "Client", "Request", "wait for reply on "+subj)
		default:
			c.metrics.RecordRequest("error", time.Since(start))
			return nil, errors.Wrap(err, "Client", "Request", "wait for reply on "+subj)
		}
	}
	if isNoResponders(reply) {
		c.metrics.RecordRequest("no_responders", time.Since(start))
		return nil, errors.WrapTransient(errors.Join(errors.ErrNoResponders, errors.ErrTimeout), "Client", "Request", "request "+subj)
	}

	c.metrics.RecordRequest("ok", time.Since(start))
	return reply, nil
}

// isNoResponders reports whether reply is the server's status message for a
// request nobody is subscribed to
func isNoResponders(reply *message.Msg) bool {
	return reply.Len() == 0 && reply.HeaderValue(message.StatusHeader) == noRespondersStatus
}

// Flush waits until everything published so far reached the transport
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.Flush(ctx)
}

// Drain stops all subscriptions from receiving, waits for queued messages to
// be handled, flushes outstanding publishes and closes the client.
func (c *Client) Drain(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}

	var errs []error
	if err := c.router.Drain(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "Client", "Drain", "drain subscriptions"))
	}
	if c.conn.IsConnected() {
		if err := c.conn.Flush(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Drain", "flush"))
		}
	}
	if err := c.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close unsubscribes everything and closes the connection
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	// Subscriptions first so a blocked dispatcher is released
	c.router.Close()
	if err := c.conn.Close(); err != nil {
		return errors.Wrap(err, "Client", "Close", "close connection")
	}
	c.logger.Debug("Client closed")
	return nil
}

// IsClosed reports whether Close was called
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// State returns the connection state
func (c *Client) State() conn.State {
	return c.conn.State()
}

// WaitForConnection blocks until the connection is up
func (c *Client) WaitForConnection(ctx context.Context) error {
	return c.conn.WaitForConnection(ctx)
}

// NumSubscriptions returns the number of active subscriptions, request
// inboxes included
func (c *Client) NumSubscriptions() int {
	return c.router.NumSubscriptions()
}

// Stats returns a snapshot of client counters
func (c *Client) Stats() Stats {
	return Stats{Conn: c.conn.Stats(), Router: c.router.Stats()}
}

// HealthCheck implements health.Checker
func (c *Client) HealthCheck() health.Status {
	rs := c.router.Stats()
	routerStatus := health.NewHealthy("router", "routing")
	if rs.Dropped > 0 {
		routerStatus = health.NewDegraded("router", "slow consumers dropped messages")
	}
	routerStatus = routerStatus.WithMetrics(&health.Metrics{
		MessagesProcessed: int64(rs.Delivered),
		Dropped:           int64(rs.Dropped),
	})
	return health.Aggregate(c.name, []health.Status{c.conn.HealthCheck(), routerStatus})
}

var (
	_ conn.Dispatcher = (*Client)(nil)
	_ health.Checker  = (*Client)(nil)
)

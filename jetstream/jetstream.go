package jetstream

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	natsjs "github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streambus/client"
	"github.com/c360/streambus/config"
	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/health"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/router"
	"github.com/c360/streambus/stream"
)

// JetStream is the streaming facade: stream administration, publishing with
// acknowledgement and a registry of consumers
type JetStream struct {
	store        *stream.Store
	storeOpts    []stream.StoreOption
	ownsStore    bool
	states       consumer.StateStore
	client       *client.Client
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	metrics      *metric.Metrics
	ackWait      time.Duration
	onDeadLetter func(consumer.DeadLetter)
	started      time.Time

	mu        sync.RWMutex
	consumers map[string]map[string]*entry
	closers   []func()
	ackSub    *router.Subscription
	closed    bool
}

type entry struct {
	c    *consumer.Consumer
	push *consumer.ConsumeContext
}

// New creates a JetStream context. Without WithStore it owns a new stream
// store built from WithStoreOptions.
func New(opts ...Option) (*JetStream, error) {
	js := &JetStream{
		ownsStore: true,
		logger:    slog.Default(),
		started:   time.Now(),
		consumers: make(map[string]map[string]*entry),
	}
	for _, opt := range opts {
		if err := opt(js); err != nil {
			return nil, errors.WrapInvalid(err, "JetStream", "New", "apply option")
		}
	}
	if js.states == nil {
		js.states = consumer.NewMemoryStateStore()
	}

	if js.store == nil {
		storeOpts := append([]stream.StoreOption{stream.WithLogger(js.logger), stream.WithMetrics(js.metrics), stream.WithMetricsRegistry(js.registry)}, js.storeOpts...)
		store, err := stream.NewStore(storeOpts...)
		if err != nil {
			return nil, err
		}
		js.store = store
	}

	if js.client != nil {
		sub, err := js.client.Subscribe(AckPrefix+".>", js.handleAck)
		if err != nil {
			_ = js.closeStore()
			return nil, errors.Wrap(err, "JetStream", "New", "serve ack subjects")
		}
		js.ackSub = sub
	}
	return js, nil
}

// KVOpener opens or creates a NATS KeyValue bucket. It matches
// natstransport.Transport.KeyValue.
type KVOpener func(ctx context.Context, cfg natsjs.KeyValueConfig) (natsjs.KeyValue, func(), error)

// NewFromConfig builds a context from configuration. kv is only used for the
// kv state store.
func NewFromConfig(ctx context.Context, cfg config.JetStreamConfig, kv KVOpener, opts ...Option) (*JetStream, error) {
	var storeOpts []stream.StoreOption
	if cfg.StoreDir != "" {
		storeOpts = append(storeOpts, stream.WithStoreDir(cfg.StoreDir))
	}
	if cfg.JanitorPeriod > 0 {
		storeOpts = append(storeOpts, stream.WithJanitorPeriod(cfg.JanitorPeriod))
	}
	if cfg.CompactionRate > 0 {
		storeOpts = append(storeOpts, stream.WithCompactThreshold(cfg.CompactionRate))
	}

	var closers []func()
	pre := []Option{WithStoreOptions(storeOpts...)}
	if cfg.AckWait > 0 {
		pre = append(pre, WithDefaultAckWait(cfg.AckWait))
	}

	switch cfg.StateStore {
	case config.StateStoreFile:
		dir := cfg.StateDir
		if dir == "" {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStream", "NewFromConfig", "state_dir required for file state")
		}
		states, err := consumer.NewFileStateStore(dir)
		if err != nil {
			return nil, err
		}
		pre = append(pre, WithStateStore(states))
	case config.StateStoreKV:
		if kv == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStream", "NewFromConfig", "kv state needs a NATS transport")
		}
		bucket, closeFn, err := kv(ctx, natsjs.KeyValueConfig{Bucket: cfg.KVBucket, Description: "streambus consumer state"})
		if err != nil {
			return nil, errors.Wrap(err, "JetStream", "NewFromConfig", "open kv bucket "+cfg.KVBucket)
		}
		closers = append(closers, closeFn)
		pre = append(pre, WithStateStore(consumer.NewKVStateStore(bucket, nil)))
	case config.StateStoreMemory, "":
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "JetStream", "NewFromConfig", "unknown state store "+cfg.StateStore)
	}

	js, err := New(append(pre, opts...)...)
	if err != nil {
		for _, fn := range closers {
			fn()
		}
		return nil, err
	}
	js.closers = closers
	return js, nil
}

// Store returns the underlying stream store
func (js *JetStream) Store() *stream.Store {
	return js.store
}

// CreateStream creates a stream, or returns the existing one when the
// configuration is identical
func (js *JetStream) CreateStream(_ context.Context, cfg stream.Config) (*stream.Stream, error) {
	return js.store.CreateStream(cfg)
}

// UpdateStream changes an existing stream
func (js *JetStream) UpdateStream(_ context.Context, cfg stream.Config) (*stream.Stream, error) {
	return js.store.UpdateStream(cfg)
}

// CreateOrUpdateStream creates the stream or updates it in place
func (js *JetStream) CreateOrUpdateStream(ctx context.Context, cfg stream.Config) (*stream.Stream, error) {
	if _, err := js.store.Stream(cfg.Name); err != nil {
		if errors.Is(err, errors.ErrStreamNotFound) {
			return js.CreateStream(ctx, cfg)
		}
		return nil, err
	}
	return js.UpdateStream(ctx, cfg)
}

// DeleteStream removes a stream together with its consumers and their state
func (js *JetStream) DeleteStream(ctx context.Context, name string) error {
	js.mu.Lock()
	entries := js.consumers[name]
	delete(js.consumers, name)
	js.mu.Unlock()

	for cname, e := range entries {
		js.stopEntry(e)
		if err := e.c.Delete(ctx); err != nil {
			js.logger.Warn("Failed to remove consumer state", "stream", name, "consumer", cname, "error", err)
		}
	}
	return js.store.DeleteStream(name)
}

// Stream returns the named stream
func (js *JetStream) Stream(_ context.Context, name string) (*stream.Stream, error) {
	return js.store.Stream(name)
}

// StreamNames lists the streams in sorted order
func (js *JetStream) StreamNames() []string {
	return js.store.StreamNames()
}

// Publish stores data in the stream capturing subj
func (js *JetStream) Publish(ctx context.Context, subj string, data []byte, opts ...PublishOption) (stream.PubAck, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return js.PublishMsg(ctx, message.New(subj, data, o.msgOpts...))
}

// PublishMsg stores a prepared message
func (js *JetStream) PublishMsg(ctx context.Context, msg *message.Msg) (stream.PubAck, error) {
	if err := ctx.Err(); err != nil {
		return stream.PubAck{}, errors.WrapTransient(err, "JetStream", "Publish", "check context")
	}
	ack, err := js.store.Append(msg)
	if err != nil {
		return stream.PubAck{}, err
	}
	js.metrics.RecordPublished("jetstream")
	return ack, nil
}

// HealthCheck implements health.Checker
func (js *JetStream) HealthCheck() health.Status {
	js.mu.RLock()
	closed := js.closed
	var consumers, terminated int
	for _, byName := range js.consumers {
		for _, e := range byName {
			consumers++
			if e.c.Err() != nil {
				terminated++
			}
		}
	}
	js.mu.RUnlock()

	var status health.Status
	switch {
	case closed:
		status = health.NewUnhealthy("jetstream", "closed")
	case terminated > 0:
		status = health.NewDegraded("jetstream", strconv.Itoa(terminated)+" consumers terminated")
	default:
		status = health.NewHealthy("jetstream", strconv.Itoa(len(js.store.StreamNames()))+" streams, "+
			strconv.Itoa(consumers)+" consumers")
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:     time.Since(js.started),
		ErrorCount: terminated,
	})
}

// Close stops every consumer, keeping durable state, and closes an owned
// store
func (js *JetStream) Close() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	all := js.consumers
	js.consumers = make(map[string]map[string]*entry)
	ackSub := js.ackSub
	js.mu.Unlock()

	if ackSub != nil {
		_ = ackSub.Unsubscribe()
	}
	for _, byName := range all {
		for _, e := range byName {
			js.stopEntry(e)
			e.c.Stop()
		}
	}
	err := js.closeStore()
	for _, fn := range js.closers {
		fn()
	}
	return err
}

func (js *JetStream) closeStore() error {
	if js.ownsStore {
		return js.store.Close()
	}
	return nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

var _ health.Checker = (*JetStream)(nil)

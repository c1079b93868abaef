package jetstream

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/stream"
	"github.com/c360/streambus/subject"
)

// CreateConsumer adds a consumer to a stream. A consumer without a durable
// name or name is ephemeral: it gets a generated name and keeps its state in
// memory. Creating an identical consumer again returns the existing one.
func (js *JetStream) CreateConsumer(ctx context.Context, streamName string, cfg consumer.Config) (*consumer.Consumer, error) {
	return js.createConsumer(ctx, streamName, cfg, false)
}

// CreateOrUpdateConsumer creates the consumer or changes its mutable fields
func (js *JetStream) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg consumer.Config) (*consumer.Consumer, error) {
	return js.createConsumer(ctx, streamName, cfg, true)
}

func (js *JetStream) createConsumer(ctx context.Context, streamName string, cfg consumer.Config, update bool) (*consumer.Consumer, error) {
	str, err := js.store.Stream(streamName)
	if err != nil {
		return nil, err
	}

	durable := cfg.ConsumerName() != ""
	if !durable {
		cfg.Name = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cfg.AckWait == 0 && js.ackWait > 0 {
		cfg.AckWait = js.ackWait
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DeliverSubject != "" && js.client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStream", "CreateConsumer", "push delivery needs a client")
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	if js.closed {
		return nil, errors.WrapFatal(errors.ErrStorageClosed, "JetStream", "CreateConsumer", "check context")
	}
	byName := js.consumers[streamName]
	if existing, ok := byName[cfg.ConsumerName()]; ok {
		current := existing.c.Config()
		if current.Equal(cfg) {
			return existing.c, nil
		}
		if !update {
			return nil, errors.WrapInvalid(errors.ErrConfigConflict, "JetStream", "CreateConsumer",
				"consumer "+cfg.ConsumerName()+" exists with a different configuration")
		}
		if err := js.checkWorkQueueLocked(str, cfg); err != nil {
			return nil, err
		}
		if err := existing.c.Update(cfg); err != nil {
			return nil, err
		}
		js.logger.Info("Updated consumer", "stream", streamName, "consumer", cfg.ConsumerName())
		return existing.c, nil
	}
	if err := js.checkWorkQueueLocked(str, cfg); err != nil {
		return nil, err
	}

	opts := []consumer.Option{
		consumer.WithLogger(js.logger),
		consumer.WithMetrics(js.metrics),
		consumer.WithMetricsRegistry(js.registry),
		consumer.WithDeadLetterHandler(js.onDeadLetter),
	}
	if durable {
		opts = append(opts, consumer.WithStateStore(js.states))
	}
	c, err := consumer.New(ctx, str, cfg, opts...)
	if err != nil {
		return nil, err
	}

	e := &entry{c: c}
	if cfg.DeliverSubject != "" {
		push, err := js.startPush(c, cfg.DeliverSubject)
		if err != nil {
			c.Stop()
			return nil, err
		}
		e.push = push
	}

	if byName == nil {
		byName = make(map[string]*entry)
		js.consumers[streamName] = byName
	}
	byName[c.Name()] = e
	js.logger.Info("Created consumer", "stream", streamName, "consumer", c.Name(),
		"durable", durable, "mode", cfg.Mode.String(), "ack_policy", cfg.AckPolicy.String())
	return c, nil
}

// checkWorkQueueLocked keeps work-queue consumers on disjoint subjects so
// each message has exactly one consumer
func (js *JetStream) checkWorkQueueLocked(str *stream.Stream, cfg consumer.Config) error {
	if str.Config().Retention != stream.WorkQueuePolicy {
		return nil
	}
	mine := filtersOf(cfg)
	for name, e := range js.consumers[str.Name()] {
		if name == cfg.ConsumerName() {
			continue
		}
		for _, a := range mine {
			for _, b := range filtersOf(e.c.Config()) {
				if subject.Overlap(a, b) {
					return errors.WrapInvalid(errors.ErrSubjectOverlap, "JetStream", "CreateConsumer",
						"work queue consumer "+name+" already receives "+b)
				}
			}
		}
	}
	return nil
}

func filtersOf(cfg consumer.Config) []string {
	if len(cfg.FilterSubjects) == 0 {
		return []string{">"}
	}
	return cfg.FilterSubjects
}

// Consumer returns a registered consumer
func (js *JetStream) Consumer(_ context.Context, streamName, name string) (*consumer.Consumer, error) {
	js.mu.RLock()
	defer js.mu.RUnlock()

	e, ok := js.consumers[streamName][name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrConsumerNotFound, "JetStream", "Consumer", "find "+streamName+"/"+name)
	}
	return e.c, nil
}

// ConsumerNames lists the consumers of a stream in sorted order
func (js *JetStream) ConsumerNames(streamName string) []string {
	js.mu.RLock()
	names := make([]string, 0, len(js.consumers[streamName]))
	for name := range js.consumers[streamName] {
		names = append(names, name)
	}
	js.mu.RUnlock()
	sort.Strings(names)
	return names
}

// DeleteConsumer stops a consumer and removes its stored state
func (js *JetStream) DeleteConsumer(ctx context.Context, streamName, name string) error {
	js.mu.Lock()
	e, ok := js.consumers[streamName][name]
	if ok {
		delete(js.consumers[streamName], name)
	}
	js.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrConsumerNotFound, "JetStream", "DeleteConsumer", "find "+streamName+"/"+name)
	}
	js.stopEntry(e)
	if err := e.c.Delete(ctx); err != nil {
		return err
	}
	js.logger.Info("Deleted consumer", "stream", streamName, "consumer", name)
	return nil
}

func (js *JetStream) stopEntry(e *entry) {
	if e.push != nil {
		e.push.Stop()
	}
}

// startPush republishes every delivery on deliverSubject with an ack reply
// subject served by handleAck
func (js *JetStream) startPush(c *consumer.Consumer, deliverSubject string) (*consumer.ConsumeContext, error) {
	return c.Consume(func(m *consumer.Msg) {
		meta := m.Metadata()
		out := message.New(deliverSubject, m.RawData(),
			message.WithHeaders(m.Header()),
			message.WithHeader(message.StreamHeader, meta.Stream),
			message.WithHeader(message.SubjectHeader, m.Subject()),
			message.WithHeader(message.SequenceHeader, formatUint(meta.Sequence.Stream)),
			message.WithReply(AckSubject(meta)))
		if err := js.client.PublishMsg(context.Background(), out); err != nil {
			js.logger.Warn("Push delivery failed, message stays pending",
				"stream", meta.Stream, "consumer", meta.Consumer, "seq", meta.Sequence.Stream, "error", err)
		}
	}, consumer.WithConsumeErrorHandler(func(err error) {
		js.logger.Warn("Push consumer stopped", "consumer", c.Name(), "error", err)
	}))
}

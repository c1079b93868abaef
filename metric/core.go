package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core bus metrics shared by every component.
// All Record methods are no-ops on a nil receiver so components can run
// without a registry.
type Metrics struct {
	// Core pub/sub
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	Requests          *prometheus.CounterVec
	RequestDuration   prometheus.Histogram

	// Connection manager
	ConnectionState  prometheus.Gauge
	Reconnects       prometheus.Counter
	OutboundBuffered prometheus.Gauge
	OutboundOverflow prometheus.Counter

	// Streams
	StreamAppends  *prometheus.CounterVec
	StreamMessages *prometheus.GaugeVec
	StreamBytes    *prometheus.GaugeVec

	// Consumers
	ConsumerDelivered    *prometheus.CounterVec
	ConsumerAcked        *prometheus.CounterVec
	ConsumerRedelivered  *prometheus.CounterVec
	ConsumerDeadLettered *prometheus.CounterVec
	ConsumerAckPending   *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all bus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages handed to the connection",
			},
			[]string{"component"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages delivered to subscriptions",
			},
			[]string{"component"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Total number of messages dropped by overflow policies",
			},
			[]string{"component", "reason"},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "requests",
				Name:      "total",
				Help:      "Requests by outcome (ok, timeout, error)",
			},
			[]string{"outcome"},
		),

		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "streambus",
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Request round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "connection",
				Name:      "state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=closed)",
			},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "connection",
				Name:      "reconnects_total",
				Help:      "Total number of successful reconnections",
			},
		),

		OutboundBuffered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "connection",
				Name:      "outbound_buffered",
				Help:      "Publishes held while the connection is down",
			},
		),

		OutboundOverflow: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "connection",
				Name:      "outbound_overflow_total",
				Help:      "Publishes dropped or rejected by the outbound buffer",
			},
		),

		StreamAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "stream",
				Name:      "appends_total",
				Help:      "Messages appended to a stream",
			},
			[]string{"stream"},
		),

		StreamMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "stream",
				Name:      "messages",
				Help:      "Messages currently retained by a stream",
			},
			[]string{"stream"},
		),

		StreamBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "stream",
				Name:      "bytes",
				Help:      "Bytes currently retained by a stream",
			},
			[]string{"stream"},
		),

		ConsumerDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "consumer",
				Name:      "delivered_total",
				Help:      "Deliveries made by a consumer, redeliveries included",
			},
			[]string{"stream", "consumer"},
		),

		ConsumerAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "consumer",
				Name:      "acked_total",
				Help:      "Messages acknowledged",
			},
			[]string{"stream", "consumer"},
		),

		ConsumerRedelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "consumer",
				Name:      "redelivered_total",
				Help:      "Messages redelivered after nak or ack wait expiry",
			},
			[]string{"stream", "consumer"},
		),

		ConsumerDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "consumer",
				Name:      "dead_lettered_total",
				Help:      "Messages that exhausted max deliver or were terminated",
			},
			[]string{"stream", "consumer"},
		),

		ConsumerAckPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "consumer",
				Name:      "ack_pending",
				Help:      "Delivered messages awaiting acknowledgement",
			},
			[]string{"stream", "consumer"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesPublished,
		c.MessagesReceived,
		c.MessagesDropped,
		c.Requests,
		c.RequestDuration,
		c.ConnectionState,
		c.Reconnects,
		c.OutboundBuffered,
		c.OutboundOverflow,
		c.StreamAppends,
		c.StreamMessages,
		c.StreamBytes,
		c.ConsumerDelivered,
		c.ConsumerAcked,
		c.ConsumerRedelivered,
		c.ConsumerDeadLettered,
		c.ConsumerAckPending,
	}
}

// RecordPublished increments the published counter
func (c *Metrics) RecordPublished(component string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(component).Inc()
}

// RecordReceived increments the received counter
func (c *Metrics) RecordReceived(component string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(component).Inc()
}

// RecordDropped increments the dropped counter
func (c *Metrics) RecordDropped(component, reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(component, reason).Inc()
}

// RecordRequest records a request outcome and its duration
func (c *Metrics) RecordRequest(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(outcome).Inc()
	c.RequestDuration.Observe(duration.Seconds())
}

// RecordConnectionState updates the connection state gauge
func (c *Metrics) RecordConnectionState(state int) {
	if c == nil {
		return
	}
	c.ConnectionState.Set(float64(state))
}

// RecordReconnect increments the reconnection counter
func (c *Metrics) RecordReconnect() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

// RecordOutbound updates the outbound buffer depth
func (c *Metrics) RecordOutbound(buffered int) {
	if c == nil {
		return
	}
	c.OutboundBuffered.Set(float64(buffered))
}

// RecordOutboundOverflow increments the outbound overflow counter
func (c *Metrics) RecordOutboundOverflow() {
	if c == nil {
		return
	}
	c.OutboundOverflow.Inc()
}

// RecordStreamAppend records an append and the resulting stream size
func (c *Metrics) RecordStreamAppend(stream string, msgs, bytes uint64) {
	if c == nil {
		return
	}
	c.StreamAppends.WithLabelValues(stream).Inc()
	c.RecordStreamSize(stream, msgs, bytes)
}

// RecordStreamSize updates the retained message and byte gauges
func (c *Metrics) RecordStreamSize(stream string, msgs, bytes uint64) {
	if c == nil {
		return
	}
	c.StreamMessages.WithLabelValues(stream).Set(float64(msgs))
	c.StreamBytes.WithLabelValues(stream).Set(float64(bytes))
}

// RecordDelivered increments the consumer delivery counter
func (c *Metrics) RecordDelivered(stream, consumer string, redelivery bool) {
	if c == nil {
		return
	}
	c.ConsumerDelivered.WithLabelValues(stream, consumer).Inc()
	if redelivery {
		c.ConsumerRedelivered.WithLabelValues(stream, consumer).Inc()
	}
}

// RecordAcked increments the consumer ack counter
func (c *Metrics) RecordAcked(stream, consumer string) {
	if c == nil {
		return
	}
	c.ConsumerAcked.WithLabelValues(stream, consumer).Inc()
}

// RecordDeadLettered increments the consumer dead letter counter
func (c *Metrics) RecordDeadLettered(stream, consumer string) {
	if c == nil {
		return
	}
	c.ConsumerDeadLettered.WithLabelValues(stream, consumer).Inc()
}

// RecordAckPending updates the consumer ack pending gauge
func (c *Metrics) RecordAckPending(stream, consumer string, pending int) {
	if c == nil {
		return
	}
	c.ConsumerAckPending.WithLabelValues(stream, consumer).Set(float64(pending))
}

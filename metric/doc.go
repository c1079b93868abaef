// Package metric provides the Prometheus metrics registry and HTTP server
// used across streambus.
//
// NewMetricsRegistry registers the core bus metrics (publishes, deliveries,
// drops, requests, connection state, stream sizes and consumer ack progress)
// plus the Go runtime collectors. Components that own extra metrics, such as
// buffers and worker pools, add them through the MetricsRegistrar methods
// keyed by "service.metric" so a second registration under the same key fails
// instead of silently sharing a collector.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(ctx)
//
//	registry.CoreMetrics().RecordPublished("client")
//
// # Core Metrics
//
//   - streambus_messages_{published,received,dropped}_total
//   - streambus_requests_total{outcome}, streambus_requests_duration_seconds
//   - streambus_connection_{state,reconnects_total,outbound_buffered,outbound_overflow_total}
//   - streambus_stream_{appends_total,messages,bytes}{stream}
//   - streambus_consumer_{delivered,acked,redelivered,dead_lettered}_total{stream,consumer}
//   - streambus_consumer_ack_pending{stream,consumer}
//
// Record methods are no-ops on a nil *Metrics, so components accept an
// optional registry without guarding every call.
package metric

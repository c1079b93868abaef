// Package health provides health status tracking and aggregation for
// streambus components.
//
// The connection manager, stream store and consumers implement Checker; the
// CLI registers them on a Monitor and serves the aggregate next to the
// metrics endpoint.
//
//	monitor := health.NewMonitor()
//	monitor.Register("connection", manager)
//	monitor.Register("streams", js)
//	mux.Handle("/health", monitor.Handler("streambus"))
//
// Three states are reported: healthy, degraded (for example reconnecting
// with publishes buffered) and unhealthy (closed). An aggregate is unhealthy
// if any component is, degraded if any component is degraded, and healthy
// otherwise. Error text passed through FromError is stripped of URLs,
// addresses and credentials.
package health

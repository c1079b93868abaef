// Package cache provides a generic time-to-live cache.
//
// Entries expire a fixed TTL after Set, or at an explicit instant with
// SetUntil. Expired entries are evicted lazily by Get and in bulk by a
// background goroutine that runs every cleanup interval until the context
// passed to NewTTL ends or Close is called.
//
//	window, err := cache.NewTTL[uint64](ctx, 2*time.Minute, 10*time.Second,
//		cache.WithMetrics[uint64](registry, "dedup"))
//	if err != nil {
//		return err
//	}
//	defer window.Close()
//
//	if seq, ok := window.Get(msgID); ok {
//		return seq // duplicate
//	}
//	window.Set(msgID, seq)
//
// Statistics are always collected and available through Stats. WithMetrics
// additionally exports them as Prometheus collectors in a
// metric.MetricsRegistry.
package cache

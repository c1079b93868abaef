// Package worker provides a generic fixed-size worker pool.
//
// Push consumers hand each stream delivery to a pool so application handlers
// run with bounded concurrency. A pool with one worker processes work in
// submission order.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, m *consumer.Msg) error {
//	    return handler(ctx, m)
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	err := pool.SubmitContext(ctx, msg) // waits for queue space
//	err = pool.Submit(msg)              // fails fast with ErrQueueFull
//
// Stop closes the queue and waits for submitted work to finish. Cancelling
// the context given to Start abandons queued work instead.
package worker

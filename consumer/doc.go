// Package consumer tracks delivery and acknowledgement over a stream.
//
// A Consumer is a cursor (the last delivered stream sequence) plus a table
// of pending deliveries. Each pending message moves through
//
//	delivered -> acked | terminated
//	delivered -> nak'd | ack wait expired -> waiting -> delivered again
//	waiting   -> dead lettered once MaxDeliver deliveries were made
//
// One goroutine per consumer watches ack deadlines and redelivery delays.
// Redeliveries are handed out before new messages, lowest stream sequence
// first. An ack floor tracks the highest sequence below which nothing is
// pending; it never moves backwards.
//
// Acknowledgements are persisted through a StateStore before Respond (and
// Msg.Ack, Nak, Term) return. When the write fails the message stays
// pending and the error wraps errors.ErrAckFailed. Three stores exist:
// MemoryStateStore, FileStateStore (one JSON file per consumer, written with
// rename) and KVStateStore on a NATS KeyValue bucket with revision checks.
//
// Pull consumers hand out messages through Fetch, Next and Messages; both
// pull and push consumers can run Consume, which feeds a worker pool.
//
//	c, _ := consumer.New(ctx, str, consumer.Config{Durable: "billing", AckWait: 10 * time.Second})
//	msgs, err := c.Fetch(ctx, 10, time.Second)
//	for _, m := range msgs {
//		process(m.Data())
//		_ = m.Ack(ctx)
//	}
package consumer

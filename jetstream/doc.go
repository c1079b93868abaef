// Package jetstream ties the stream store and consumers together behind one
// context and exposes them over the client for push delivery.
//
// A JetStream context owns a stream.Store (unless WithStore passes one in), a
// registry of consumers per stream and the consumer.StateStore durable
// consumers persist to. Ephemeral consumers, created without Durable or Name,
// get a generated name and an in-memory state that dies with them.
//
// Push consumers set DeliverSubject. Every delivery is republished on that
// subject through the client passed with WithClient, with a reply subject of
// the form
//
//	$JS.ACK.<stream>.<consumer>.<delivered>.<stream seq>.<consumer seq>.<unix nanos>.<pending>
//
// The context subscribes to $JS.ACK.> and answers ack bodies:
//
//	+ACK (or empty)   acknowledge
//	-NAK              redeliver now
//	-NAK {"delay":n}  redeliver after n nanoseconds
//	+TERM             stop redelivery
//	+WPI              work in progress, reset the ack wait
//
// When the ack arrives as a request, +OK is returned only after the state
// store recorded it, and -ERR <reason> otherwise. AckSync sends such a request.
//
// Basic usage:
//
//	js, err := jetstream.New(jetstream.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer js.Close()
//
//	_, err = js.CreateStream(ctx, stream.Config{Name: "ORDERS", Subjects: []string{"orders.>"}})
//	ack, err := js.Publish(ctx, "orders.new", data, jetstream.WithMsgID("order-1"))
//
//	c, err := js.CreateConsumer(ctx, "ORDERS", consumer.Config{Durable: "billing"})
//	msgs, err := c.Fetch(ctx, 10, time.Second)
package jetstream

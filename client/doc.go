// Package client is the application API of streambus.
//
// A Client combines a conn.Manager, which keeps the transport session alive
// and buffers publishes across outages, with a router.Router holding local
// subscriptions.
//
//	c, err := client.Connect(ctx, memory.NewBus())
//	sub, err := c.Subscribe("math.double", func(m *message.Msg) {
//		n, _ := strconv.Atoi(string(m.RawData()))
//		_ = m.Respond(ctx, []byte(strconv.Itoa(n*2)))
//	})
//	reply, err := c.Request(ctx, "math.double", []byte("5"))
//
// Request uses a unique "_INBOX.<nuid>" reply subject, waits for exactly one
// reply and fails with errors.ErrTimeout when none arrives in time. The
// generic PublishAs, RequestAs, SubscribeAs and RespondAs helpers run
// payloads through a message.Codec; codec failures surface as
// errors.ErrSerialization.
package client

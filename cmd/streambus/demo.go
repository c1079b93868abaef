package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/streambus/client"
	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/jetstream"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/stream"
	"github.com/c360/streambus/transport/memory"
)

type demoOptions struct {
	messages int
	workers  int
	ackWait  time.Duration
}

func newDemoCmd(g *globalFlags) *cobra.Command {
	o := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run request/reply, queue groups and a stream consumer on an in-process bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(&globalFlags{ConfigPath: g.ConfigPath, LogLevel: g.LogLevel, LogFormat: g.LogFormat})
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return runDemo(ctx, cmd.OutOrStdout(), logger, o)
		},
	}
	cmd.Flags().IntVar(&o.messages, "messages", 5, "Messages stored in the demo stream")
	cmd.Flags().IntVar(&o.workers, "workers", 3, "Members of the demo queue group")
	cmd.Flags().DurationVar(&o.ackWait, "ack-wait", 200*time.Millisecond, "Ack wait of the demo consumer")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, logger *slog.Logger, o demoOptions) error {
	if o.messages < 1 || o.workers < 1 || o.ackWait <= 0 {
		return fmt.Errorf("messages, workers and ack-wait must be positive")
	}
	bus := memory.NewBus(memory.WithLogger(logger))
	registry := metric.NewMetricsRegistry()

	connect := func(name string) (*client.Client, error) {
		return client.Connect(ctx, bus, client.WithName(name), client.WithLogger(logger), client.WithMetrics(registry))
	}
	service, err := connect("demo-service")
	if err != nil {
		return err
	}
	defer service.Close()
	app, err := connect("demo-app")
	if err != nil {
		return err
	}
	defer app.Close()

	if err := demoRequestReply(ctx, out, service, app); err != nil {
		return err
	}
	if err := demoQueueGroup(ctx, out, service, app, o.workers); err != nil {
		return err
	}

	letters := make(chan consumer.DeadLetter, o.messages)
	js, err := jetstream.New(
		jetstream.WithClient(service),
		jetstream.WithLogger(logger),
		jetstream.WithMetrics(registry),
		jetstream.WithDeadLetterHandler(func(dl consumer.DeadLetter) { letters <- dl }),
	)
	if err != nil {
		return err
	}
	defer js.Close()

	if err := demoStream(ctx, out, js, o); err != nil {
		return err
	}
	if err := demoDeadLetter(ctx, out, js, letters); err != nil {
		return err
	}
	if err := demoPush(ctx, out, js, app); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Health: %s\n", js.HealthCheck().Status)
	return nil
}

func demoRequestReply(ctx context.Context, out io.Writer, service, app *client.Client) error {
	sub, err := service.Subscribe("demo.double", func(m *message.Msg) {
		n, err := strconv.Atoi(string(m.RawData()))
		if err != nil {
			_ = m.Respond(ctx, []byte("not a number"))
			return
		}
		_ = m.Respond(ctx, []byte(strconv.Itoa(2*n)))
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	reply, err := app.Request(ctx, "demo.double", []byte("21"))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Request demo.double 21 -> %s\n", reply.RawData())
	return nil
}

func demoQueueGroup(ctx context.Context, out io.Writer, service, app *client.Client, workers int) error {
	total := workers * 3
	var (
		mu     sync.Mutex
		counts = make([]int, workers)
		wg     sync.WaitGroup
	)
	wg.Add(total)
	for i := range workers {
		sub, err := service.QueueSubscribe("demo.work", "workers", func(*message.Msg) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := range total {
		if err := app.Publish(ctx, "demo.work", []byte(strconv.Itoa(i))); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue group: %w", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	_, _ = fmt.Fprintf(out, "Queue group handled %d messages: %v\n", total, counts)
	return nil
}

func demoStream(ctx context.Context, out io.Writer, js *jetstream.JetStream, o demoOptions) error {
	if _, err := js.CreateStream(ctx, stream.Config{Name: "DEMO", Subjects: []string{"demo.orders.>"}}); err != nil {
		return err
	}
	for i := range o.messages {
		id := "order-" + strconv.Itoa(i+1)
		if _, err := js.Publish(ctx, "demo.orders.new", []byte(id), jetstream.WithMsgID(id)); err != nil {
			return err
		}
	}
	dup, err := js.Publish(ctx, "demo.orders.new", []byte("order-1"), jetstream.WithMsgID("order-1"))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Stored %d orders, republished order-1 duplicate=%t\n", o.messages, dup.Duplicate)

	c, err := js.CreateConsumer(ctx, "DEMO", consumer.Config{Durable: "billing", AckWait: o.ackWait, MaxDeliver: 2})
	if err != nil {
		return err
	}
	msgs, err := c.Fetch(ctx, o.messages, time.Second)
	if err != nil {
		return err
	}
	// everything but the last order is acknowledged
	for _, m := range msgs[:len(msgs)-1] {
		if err := m.Ack(ctx); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(out, "Fetched %d, acknowledged %d\n", len(msgs), len(msgs)-1)
	return nil
}

func demoDeadLetter(ctx context.Context, out io.Writer, js *jetstream.JetStream, letters <-chan consumer.DeadLetter) error {
	c, err := js.Consumer(ctx, "DEMO", "billing")
	if err != nil {
		return err
	}
	again, err := c.Next(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Redelivered %s, delivery %d\n", again.RawData(), again.Metadata().NumDelivered)

	select {
	case dl := <-letters:
		_, _ = fmt.Fprintf(out, "Dead-lettered sequence %d after %d deliveries (%s)\n", dl.StreamSeq, dl.Deliveries, dl.Reason)
	case <-ctx.Done():
		return fmt.Errorf("dead letter: %w", ctx.Err())
	}
	return nil
}

func demoPush(ctx context.Context, out io.Writer, js *jetstream.JetStream, app *client.Client) error {
	inbox, err := app.SubscribeSync("demo.audit")
	if err != nil {
		return err
	}
	defer func() { _ = inbox.Unsubscribe() }()

	if _, err := js.CreateConsumer(ctx, "DEMO", consumer.Config{
		Durable:        "audit",
		DeliverSubject: "demo.audit",
		DeliverPolicy:  consumer.DeliverLast,
	}); err != nil {
		return err
	}
	msg, err := inbox.NextMsg(ctx)
	if err != nil {
		return err
	}
	meta, err := jetstream.ParseMetadata(msg)
	if err != nil {
		return err
	}
	if err := jetstream.AckSync(ctx, app, msg, consumer.AckAck); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Pushed %s to demo.audit as stream sequence %d, acknowledged\n", msg.RawData(), meta.Sequence.Stream)
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/streambus/jetstream"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/router"
)

func parseHeaders(pairs []string) (message.Header, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	h := message.Header{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("header %q must be key=value", pair)
		}
		h.Add(k, v)
	}
	return h, nil
}

func subscribeSync(rt *runtime, subj, queue string) (*router.Subscription, error) {
	// exported next to the connection queues when --metrics-addr is set
	queueMetrics := router.WithQueueMetrics("cli_subscription")
	if queue == "" {
		return rt.client.SubscribeSync(subj, queueMetrics)
	}
	return rt.client.QueueSubscribeSync(subj, queue, queueMetrics)
}

func printMsg(w io.Writer, n int, msg *message.Msg) {
	_, _ = fmt.Fprintf(w, "[#%d] Received on %q", n, msg.Subject())
	if msg.Reply() != "" {
		_, _ = fmt.Fprintf(w, " reply %q", msg.Reply())
	}
	_, _ = fmt.Fprintln(w)
	h := msg.Header()
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s: %s\n", k, strings.Join(h[k], ", "))
	}
	_, _ = fmt.Fprintf(w, "%s\n\n", msg.RawData())
}

func newPubCmd(g *globalFlags) *cobra.Command {
	var (
		count   int
		headers []string
		stored  bool
		msgID   string
	)
	cmd := &cobra.Command{
		Use:   "pub <subject> [data]",
		Short: "Publish a message",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			}
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), stored)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			for i := range count {
				if !stored {
					if err := rt.client.PublishMsg(cmd.Context(), message.New(args[0], data, message.WithHeaders(h))); err != nil {
						return err
					}
					continue
				}
				opts := make([]jetstream.PublishOption, 0, len(h)+1)
				for k, vs := range h {
					for _, v := range vs {
						opts = append(opts, jetstream.WithHeader(k, v))
					}
				}
				if msgID != "" {
					id := msgID
					if count > 1 {
						id = fmt.Sprintf("%s-%d", msgID, i+1)
					}
					opts = append(opts, jetstream.WithMsgID(id))
				}
				ack, err := rt.js.Publish(cmd.Context(), args[0], data, opts...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Stored in %s as sequence %d", ack.Stream, ack.Sequence)
				if ack.Duplicate {
					_, _ = fmt.Fprint(out, " (duplicate)")
				}
				_, _ = fmt.Fprintln(out)
			}
			if !stored {
				if err := rt.client.Flush(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Published %d message(s) to %q\n", count, args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to publish")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value, repeatable")
	cmd.Flags().BoolVar(&stored, "stream", false, "Store the message in the stream capturing the subject")
	cmd.Flags().StringVar(&msgID, "msg-id", "", "Deduplication id for stored messages")
	return cmd
}

func newSubCmd(g *globalFlags) *cobra.Command {
	var (
		queue string
		count int
	)
	cmd := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Print messages published on a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			sub, err := subscribeSync(rt, args[0], queue)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()
			rt.logger.Info("Listening", "subject", args[0], "queue", queue)

			out := cmd.OutOrStdout()
			n := 0
			for msg := range sub.Messages(cmd.Context()) {
				n++
				printMsg(out, n, msg)
				if count > 0 && n >= count {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue group to join")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages, 0 runs until interrupted")
	return cmd
}

func newReqCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "req <subject> [data]",
		Short: "Send a request and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			}
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			reply, err := rt.client.Request(ctx, args[0], data)
			if err != nil {
				return err
			}
			rt.logger.Debug("Received reply", "subject", args[0], "rtt", time.Since(start))
			printMsg(cmd.OutOrStdout(), 1, reply)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "How long to wait for a reply")
	return cmd
}

func newReplyCmd(g *globalFlags) *cobra.Command {
	var (
		queue string
		count int
	)
	cmd := &cobra.Command{
		Use:   "reply <subject> <response>",
		Short: "Answer every request on a subject with a fixed response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			sub, err := subscribeSync(rt, args[0], queue)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()
			rt.logger.Info("Serving requests", "subject", args[0], "queue", queue)

			out := cmd.OutOrStdout()
			n := 0
			for msg := range sub.Messages(cmd.Context()) {
				n++
				printMsg(out, n, msg)
				if err := msg.Respond(cmd.Context(), []byte(args[1])); err != nil {
					rt.logger.Warn("Failed to reply", "subject", msg.Subject(), "error", err)
				}
				if count > 0 && n >= count {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue group to join")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many requests, 0 runs until interrupted")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/stream"
)

func writeInfo(w io.Writer, v any, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStreamCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Manage streams",
		Long: `Manage streams. Streams only outlive the process when jetstream.store_dir is
configured and the stream uses file storage.`,
	}
	cmd.AddCommand(newStreamAddCmd(g), newStreamLsCmd(g), newStreamInfoCmd(g), newStreamRmCmd(g), newStreamPurgeCmd(g))
	return cmd
}

func newStreamAddCmd(g *globalFlags) *cobra.Command {
	var (
		cfg       stream.Config
		retention string
		discard   string
		storage   string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Name = args[0]
			if err := cfg.Retention.UnmarshalText([]byte(retention)); err != nil {
				return err
			}
			if err := cfg.Discard.UnmarshalText([]byte(discard)); err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if storage == "" && rt.cfg.JetStream.StoreDir != "" {
				storage = "file"
			}
			if err := cfg.Storage.UnmarshalText([]byte(storage)); err != nil {
				return err
			}

			str, err := rt.js.CreateOrUpdateStream(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stream %s captures %v\n", str.Name(), str.Config().Subjects)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&cfg.Subjects, "subjects", nil, "Subject patterns the stream captures")
	f.StringVar(&retention, "retention", "limits", "Retention policy: limits, workqueue")
	f.StringVar(&discard, "discard", "old", "Discard policy once limits are reached: old, new")
	f.StringVar(&storage, "storage", "", "Storage: memory, file (default file when a store_dir is configured)")
	f.Int64Var(&cfg.MaxMsgs, "max-msgs", 0, "Maximum number of messages, 0 is unlimited")
	f.Int64Var(&cfg.MaxBytes, "max-bytes", 0, "Maximum total payload size, 0 is unlimited")
	f.Int64Var(&cfg.MaxMsgsPerSubject, "max-msgs-per-subject", 0, "Maximum messages per subject, 0 is unlimited")
	f.DurationVar(&cfg.MaxAge, "max-age", 0, "Maximum message age, 0 is unlimited")
	f.DurationVar(&cfg.Duplicates, "dupe-window", 0, "Deduplication window for Nats-Msg-Id")
	_ = cmd.MarkFlagRequired("subjects")
	return cmd
}

func newStreamLsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			names := rt.js.StreamNames()
			if len(names) == 0 {
				_, _ = fmt.Fprintln(out, "No streams defined")
				return nil
			}
			for _, name := range names {
				str, err := rt.js.Stream(cmd.Context(), name)
				if err != nil {
					return err
				}
				st := str.State()
				_, _ = fmt.Fprintf(out, "%-20s %8d msgs %10d bytes  last seq %d\n", name, st.Msgs, st.Bytes, st.LastSeq)
			}
			return nil
		},
	}
}

func newStreamInfoCmd(g *globalFlags) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Show stream configuration and state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			str, err := rt.js.Stream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeInfo(cmd.OutOrStdout(), str.Info(), asYAML)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print YAML instead of JSON")
	return cmd
}

func newStreamRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a stream and its consumers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.js.DeleteStream(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted stream %s\n", args[0])
			return nil
		},
	}
}

func newStreamPurgeCmd(g *globalFlags) *cobra.Command {
	var opts stream.PurgeOptions
	cmd := &cobra.Command{
		Use:   "purge <name>",
		Short: "Remove messages from a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			str, err := rt.js.Stream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := str.Purge(opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d message(s) from %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "Only purge messages matching this pattern")
	cmd.Flags().Uint64Var(&opts.Sequence, "seq", 0, "Purge everything below this sequence")
	cmd.Flags().Uint64Var(&opts.Keep, "keep", 0, "Keep this many of the newest messages")
	return cmd
}

func newConsumeCmd(g *globalFlags) *cobra.Command {
	var (
		cfg     consumer.Config
		count   int
		wait    time.Duration
		noAck   bool
		deliver string
	)
	cmd := &cobra.Command{
		Use:   "consume <stream> <durable>",
		Short: "Fetch messages with a durable pull consumer and acknowledge them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Durable = args[1]
			if err := cfg.DeliverPolicy.UnmarshalText([]byte(deliver)); err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), g, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			c, err := rt.js.CreateOrUpdateConsumer(cmd.Context(), args[0], cfg)
			if err != nil {
				return err
			}
			msgs, err := c.Fetch(cmd.Context(), count, wait)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, m := range msgs {
				meta := m.Metadata()
				printMsg(out, i+1, m.Msg)
				_, _ = fmt.Fprintf(out, "stream seq %d, consumer seq %d, delivery %d, %d pending\n\n",
					meta.Sequence.Stream, meta.Sequence.Consumer, meta.NumDelivered, meta.NumPending)
				if noAck {
					continue
				}
				if err := m.Ack(cmd.Context()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&count, "count", "n", 1, "Number of messages to fetch")
	f.DurationVar(&wait, "wait", 2*time.Second, "How long to wait for the first message")
	f.BoolVar(&noAck, "no-ack", false, "Leave fetched messages unacknowledged")
	f.StringSliceVar(&cfg.FilterSubjects, "filter", nil, "Only deliver subjects matching these patterns")
	f.StringVar(&deliver, "deliver", "all", "Where a new consumer starts: all, last, new")
	f.DurationVar(&cfg.AckWait, "ack-wait", 0, "Redelivery timeout for unacknowledged messages")
	f.IntVar(&cfg.MaxDeliver, "max-deliver", 0, "Delivery attempts before a message is dead-lettered, 0 is unlimited")
	return cmd
}

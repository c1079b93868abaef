// Package main implements the streambus command line client: core
// publish/subscribe, request/reply and JetStream stream and consumer
// operations over the in-process bus or a NATS server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information
const (
	Version = "0.1.0"
	appName = "streambus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, debug.Stack())
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   appName,
		Short: "Subject based messaging and streaming client",
		Long: `streambus publishes, subscribes and makes requests on subjects, and manages
streams and durable consumers with acknowledgements and redelivery.

Without --server or a nats transport in the config file it runs on an
in-process bus, which is only useful with the demo command or a store_dir.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return g.validate()
		},
	}
	g.bind(root)

	root.AddCommand(
		newPubCmd(g),
		newSubCmd(g),
		newReqCmd(g),
		newReplyCmd(g),
		newStreamCmd(g),
		newConsumeCmd(g),
		newDemoCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version information",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return root
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brporter/clipssh/internal/cli"
	"github.com/brporter/clipssh/internal/transport"
)

func main() {
	var opts cli.TransportOptions
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "sshgd",
		Short: "Interactive shell server over an unconventional side channel",
		Long:  "sshgd waits for a gitssh/2 handshake on the configured medium and serves one PTY shell session at a time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if _, err := cli.ResolveShell(); err != nil {
				fmt.Fprintf(os.Stderr, "sshgd: %v\n", err)
				os.Exit(cli.ExitShellSpawn)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			tr, linkReliable, err := cli.OpenTransport(ctx, opts, "server", logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshgd: %v\n", err)
				os.Exit(cli.ExitTransportSetup)
			}

			server := cli.NewPtyServer(tr, linkReliable, logger)
			err = server.Run(ctx)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				os.Exit(cli.ExitInterrupt)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshgd: %v\n", err)
				if errors.Is(err, transport.ErrTransportSetup) {
					os.Exit(cli.ExitTransportSetup)
				}
				os.Exit(1)
			}
			return nil
		},
	}

	cli.AddTransportFlags(rootCmd, &opts)
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every envelope (kind, msg_id, seq)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

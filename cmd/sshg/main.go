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
		Use:   "sshg <host>",
		Short: "Interactive shell over an unconventional side channel",
		Long:  "sshg opens a gitssh/2 PTY session to an sshgd peer over a shared git repo, a Google Drive log pair, a USB serial port, or an audio modem.",
		Example: `  # Default git transport through a shared bare repo
  sshg --upstream-url /srv/clipssh.git --local-repo ~/.cache/clipssh/mirror.git peer

  # Audio modem through PipeWire nodes
  sshg --transport audio-modem --pw-capture-match 'RDP Source' --pw-write-match 'RDP Sink' peer`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			tr, linkReliable, err := cli.OpenTransport(ctx, opts, "client", logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshg: %v\n", err)
				os.Exit(cli.ExitTransportSetup)
			}

			client := cli.NewPtyClient(tr, linkReliable, args[0], logger)
			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				os.Exit(cli.ExitInterrupt)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshg: %v\n", err)
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

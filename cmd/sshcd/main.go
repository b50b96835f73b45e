package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brporter/clipssh/internal/cli"
	"github.com/brporter/clipssh/internal/transport"
)

func main() {
	var backend string
	var readTimeout, writeTimeout, probeReadTimeout, probeWriteTimeout float64
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "sshcd",
		Short: "Command shell server over the system clipboard",
		Long:  "sshcd waits for a CLIPSSH/1 handshake on the shared clipboard and serves one command/reply session at a time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if _, err := cli.ResolveShell(); err != nil {
				fmt.Fprintf(os.Stderr, "sshcd: %v\n", err)
				os.Exit(cli.ExitShellSpawn)
			}

			timeouts := transport.ClipboardTimeouts{
				Read:       secs(readTimeout),
				Write:      secs(writeTimeout),
				ProbeRead:  secs(probeReadTimeout),
				ProbeWrite: secs(probeWriteTimeout),
			}
			cb, err := transport.DetectClipboardBackend(backend, timeouts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshcd: %v\n", err)
				os.Exit(cli.ExitTransportSetup)
			}
			tr := transport.NewClipboardTransport(cb, 0, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			server := cli.NewClipServer(tr, logger)
			err = server.Run(ctx)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				os.Exit(cli.ExitInterrupt)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshcd: %v\n", err)
				os.Exit(1)
			}
			return nil
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&backend, "clipboard-backend", "auto", "Clipboard backend: auto, wayland, xclip, xsel")
	f.Float64Var(&readTimeout, "clipboard-read-timeout", 2, "Steady-state clipboard read timeout (seconds)")
	f.Float64Var(&writeTimeout, "clipboard-write-timeout", 5, "Steady-state clipboard write timeout (seconds)")
	f.Float64Var(&probeReadTimeout, "clipboard-probe-read-timeout", 2, "Backend probe read timeout (seconds)")
	f.Float64Var(&probeWriteTimeout, "clipboard-probe-write-timeout", 2, "Backend probe write timeout (seconds)")
	f.BoolVarP(&verbose, "verbose", "v", false, "Log every envelope (kind, msg_id, seq)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

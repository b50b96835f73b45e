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
		Use:   "sshc <host>",
		Short: "Command shell over the system clipboard",
		Long:  "sshc runs CLIPSSH/1 command/reply sessions against an sshcd peer sharing this machine's clipboard. An explicit XDG_SESSION_TYPE picks the backend family; otherwise WAYLAND_DISPLAY wins the backend tiebreak on mixed Wayland+X11 sessions.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			timeouts := transport.ClipboardTimeouts{
				Read:       secs(readTimeout),
				Write:      secs(writeTimeout),
				ProbeRead:  secs(probeReadTimeout),
				ProbeWrite: secs(probeWriteTimeout),
			}
			cb, err := transport.DetectClipboardBackend(backend, timeouts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshc: %v\n", err)
				os.Exit(cli.ExitTransportSetup)
			}
			tr := transport.NewClipboardTransport(cb, 0, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client := cli.NewClipClient(tr, args[0], logger)
			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				os.Exit(cli.ExitInterrupt)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "sshc: %v\n", err)
				os.Exit(1)
			}
			return nil
		},
	}

	addClipboardFlags(rootCmd, &backend, &readTimeout, &writeTimeout, &probeReadTimeout, &probeWriteTimeout)
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every envelope (kind, msg_id, seq)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addClipboardFlags(cmd *cobra.Command, backend *string, read, write, probeRead, probeWrite *float64) {
	f := cmd.Flags()
	f.StringVar(backend, "clipboard-backend", "auto", "Clipboard backend: auto, wayland, xclip, xsel")
	f.Float64Var(read, "clipboard-read-timeout", 2, "Steady-state clipboard read timeout (seconds)")
	f.Float64Var(write, "clipboard-write-timeout", 5, "Steady-state clipboard write timeout (seconds)")
	f.Float64Var(probeRead, "clipboard-probe-read-timeout", 2, "Backend probe read timeout (seconds)")
	f.Float64Var(probeWrite, "clipboard-probe-write-timeout", 2, "Backend probe write timeout (seconds)")
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

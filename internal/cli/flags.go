package cli

import (
	"github.com/spf13/cobra"

	"github.com/brporter/clipssh/internal/transport"
)

// AddTransportFlags declares the shared sshg/sshgd transport flag surface
// on a command.
func AddTransportFlags(cmd *cobra.Command, opts *TransportOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.Kind, "transport", TransportGit, "Transport: git, google-drive, usb-serial, audio-modem")

	f.StringVar(&opts.UpstreamURL, "upstream-url", "", "Shared bare upstream repository URL (git)")
	f.StringVar(&opts.LocalRepo, "local-repo", "", "Local bare mirror path (git)")

	f.StringVar(&opts.DriveClientSecrets, "drive-client-secrets", "", "OAuth desktop client secrets JSON (google-drive)")
	f.StringVar(&opts.DriveTokenPath, "drive-token-path", transport.DefaultDriveTokenPath, "OAuth token cache path (google-drive)")

	f.StringVar(&opts.SerialPort, "serial-port", "", "Serial device path (usb-serial)")

	f.StringVar(&opts.AudioModulation, "audio-modulation", "auto", "Modulation: auto, robust-v1, pcoip-safe, legacy")
	f.IntVar(&opts.AudioByteRepeat, "audio-byte-repeat", 3, "Repeat-code FEC factor")
	f.IntVar(&opts.AudioAckTimeout, "audio-ack-timeout-ms", 800, "Link ACK timeout in milliseconds")
	f.IntVar(&opts.AudioMaxRetries, "audio-max-retries", 32, "Link retransmission limit")
	f.IntVar(&opts.AudioMarkerRun, "audio-marker-run", 3, "Frame marker run length")
	f.IntVar(&opts.PwCaptureNodeID, "pw-capture-node-id", 0, "PipeWire capture node id")
	f.StringVar(&opts.PwCaptureMatch, "pw-capture-match", "", "PipeWire capture node name regex")
	f.IntVar(&opts.PwWriteNodeID, "pw-write-node-id", 0, "PipeWire playback node id")
	f.StringVar(&opts.PwWriteMatch, "pw-write-match", "", "PipeWire playback node name regex")
	f.StringVar(&opts.PwCaptureWavPath, "pw-capture-wav-path", "", "Replay a PCM16 WAV file instead of live capture")
	f.BoolVar(&opts.SkipPwPreflight, "skip-pw-preflight", false, "Skip the PipeWire session-manager/port preflight")
	f.BoolVar(&opts.Diag, "diag", false, "Emit diag_ping frames for channel measurement")
	f.IntVar(&opts.DiagInterval, "diag-interval-ms", 1000, "Idle diag_ping interval in milliseconds")
	f.IntVar(&opts.DiagConnectBurst, "diag-connect-burst", 3, "diag_ping frames emitted on connect")
}

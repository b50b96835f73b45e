package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brporter/clipssh/internal/audio"
	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/transport"
)

// Transport selector values for sshg/sshgd.
const (
	TransportGit    = "git"
	TransportDrive  = "google-drive"
	TransportSerial = "usb-serial"
	TransportAudio  = "audio-modem"
)

// TransportOptions collects the flag surface of the interactive pair.
type TransportOptions struct {
	Kind string

	UpstreamURL string
	LocalRepo   string

	DriveClientSecrets string
	DriveTokenPath     string

	SerialPort string

	AudioModulation  string
	AudioByteRepeat  int
	AudioAckTimeout  int // ms
	AudioMaxRetries  int
	AudioMarkerRun   int
	PwCaptureNodeID  int
	PwCaptureMatch   string
	PwWriteNodeID    int
	PwWriteMatch     string
	PwCaptureWavPath string
	SkipPwPreflight  bool
	Diag             bool
	DiagInterval     int // ms
	DiagConnectBurst int
}

// OpenTransport builds the configured medium for one role. The returned
// bool marks link-reliable media (serial, audio), whose L1 ACK replaces
// session-level retries.
func OpenTransport(ctx context.Context, opts TransportOptions, role string, logger *slog.Logger) (transport.Transport, bool, error) {
	switch opts.Kind {
	case TransportGit:
		out, in := transport.GitBranchC2S, transport.GitBranchS2C
		if role == protocol.SourceServer {
			out, in = in, out
		}
		tr, err := transport.OpenGit(transport.GitConfig{
			UpstreamURL: opts.UpstreamURL,
			LocalRepo:   opts.LocalRepo,
			OutBranch:   out,
			InBranch:    in,
		}, logger)
		return tr, false, err

	case TransportDrive:
		out, in := transport.DriveLogC2S, transport.DriveLogS2C
		if role == protocol.SourceServer {
			out, in = in, out
		}
		tr, err := transport.OpenDrive(ctx, transport.DriveConfig{
			ClientSecretsPath: opts.DriveClientSecrets,
			TokenPath:         opts.DriveTokenPath,
			OutFile:           out,
			InFile:            in,
		}, logger)
		return tr, false, err

	case TransportSerial:
		tr, err := transport.OpenSerial(transport.SerialConfig{
			Port: opts.SerialPort,
		}, logger)
		return tr, true, err

	case TransportAudio:
		stream, err := openAudioStream(opts, role)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", transport.ErrTransportSetup, err)
		}
		tr, err := transport.NewAudioTransport(stream, transport.AudioConfig{
			Modulation:       opts.AudioModulation,
			ByteRepeat:       opts.AudioByteRepeat,
			AckTimeout:       time.Duration(opts.AudioAckTimeout) * time.Millisecond,
			MaxRetries:       opts.AudioMaxRetries,
			MarkerRun:        opts.AudioMarkerRun,
			Diag:             opts.Diag,
			DiagInterval:     time.Duration(opts.DiagInterval) * time.Millisecond,
			DiagConnectBurst: opts.DiagConnectBurst,
		}, logger)
		return tr, true, err

	default:
		return nil, false, fmt.Errorf("%w: unknown transport %q", transport.ErrTransportSetup, opts.Kind)
	}
}

// openAudioStream picks the PCM path: WAV replay when requested, otherwise
// Pulse on the server side and PipeWire nodes on the client side.
func openAudioStream(opts TransportOptions, role string) (audio.Stream, error) {
	if opts.PwCaptureWavPath != "" {
		return audio.OpenWav(opts.PwCaptureWavPath)
	}
	if role == protocol.SourceServer {
		return audio.NewPulseStream("", "")
	}

	nodes, err := audio.DumpGraph()
	if err != nil {
		return nil, err
	}
	capture, err := audio.ResolveNode(nodes, opts.PwCaptureNodeID, opts.PwCaptureMatch)
	if err != nil {
		return nil, fmt.Errorf("capture node: %w", err)
	}
	write, err := audio.ResolveNode(nodes, opts.PwWriteNodeID, opts.PwWriteMatch)
	if err != nil {
		return nil, fmt.Errorf("write node: %w", err)
	}
	if !opts.SkipPwPreflight {
		if err := audio.Preflight(capture, write); err != nil {
			return nil, err
		}
	}
	return audio.NewPipeWireStream(capture, write)
}

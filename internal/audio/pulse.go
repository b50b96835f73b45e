package audio

import (
	"fmt"
	"io"
	"os/exec"
)

// PulseStream drives PulseAudio through parec (capture from the default
// source) and pacat (playback to the default sink). The server side of the
// audio transport uses it.
type PulseStream struct {
	capture  *exec.Cmd
	playback *exec.Cmd
	captureR io.ReadCloser
	playW    io.WriteCloser
}

var pulseFormatArgs = []string{
	"--format=s16le",
	fmt.Sprintf("--rate=%d", SampleRate),
	"--channels=1",
	"--latency-msec=20",
}

// NewPulseStream spawns the capture and playback children. Source and sink
// may be empty to use the Pulse defaults.
func NewPulseStream(source, sink string) (*PulseStream, error) {
	captureArgs := append([]string{}, pulseFormatArgs...)
	if source != "" {
		captureArgs = append(captureArgs, "--device="+source)
	}
	capture := exec.Command("parec", captureArgs...)
	captureR, err := capture.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("parec stdout: %w", err)
	}
	if err := capture.Start(); err != nil {
		return nil, fmt.Errorf("start parec: %w", err)
	}

	playArgs := append([]string{}, pulseFormatArgs...)
	if sink != "" {
		playArgs = append(playArgs, "--device="+sink)
	}
	playback := exec.Command("pacat", playArgs...)
	playW, err := playback.StdinPipe()
	if err != nil {
		capture.Process.Kill()
		return nil, fmt.Errorf("pacat stdin: %w", err)
	}
	if err := playback.Start(); err != nil {
		capture.Process.Kill()
		return nil, fmt.Errorf("start pacat: %w", err)
	}

	return &PulseStream{
		capture:  capture,
		playback: playback,
		captureR: captureR,
		playW:    playW,
	}, nil
}

func (s *PulseStream) Read(p []byte) (int, error)  { return s.captureR.Read(p) }
func (s *PulseStream) Write(p []byte) (int, error) { return s.playW.Write(p) }

func (s *PulseStream) Close() error {
	s.playW.Close()
	s.captureR.Close()
	if s.capture.Process != nil {
		s.capture.Process.Kill()
	}
	if s.playback.Process != nil {
		s.playback.Process.Kill()
	}
	s.capture.Wait()
	s.playback.Wait()
	return nil
}

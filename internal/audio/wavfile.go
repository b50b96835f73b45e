package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// WavStream replays a recorded WAV capture instead of a live source.
// Stereo input is downmixed to mono; writes are discarded. Read hands out
// the decoded PCM in chunks of at most len(p) bytes, with no real-time pacing.
type WavStream struct {
	pcm []byte
	off int
}

// OpenWav decodes a PCM16 WAV file at the modem sample rate.
func OpenWav(path string) (*WavStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", path, err)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("wav %s: want 16-bit PCM, got %d-bit", path, dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("wav %s: want mono or stereo, got %d channels", path, channels)
	}

	frames := len(buf.Data) / channels
	pcm := make([]byte, 0, frames*2)
	var sample [2]byte
	for i := 0; i < frames; i++ {
		v := buf.Data[i*channels]
		if channels == 2 {
			v = (v + buf.Data[i*channels+1]) / 2
		}
		binary.LittleEndian.PutUint16(sample[:], uint16(int16(v)))
		pcm = append(pcm, sample[0], sample[1])
	}
	return &WavStream{pcm: pcm}, nil
}

func (s *WavStream) Read(p []byte) (int, error) {
	if s.off >= len(s.pcm) {
		return 0, io.EOF
	}
	n := copy(p, s.pcm[s.off:])
	s.off += n
	return n, nil
}

func (s *WavStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *WavStream) Close() error                { return nil }

// Package audio provides the PCM endpoints the modem runs over: PulseAudio
// capture/playback through parec and pacat, PipeWire through pw-cat and
// pw-link, and a WAV-file replay source for offline decoding. All streams
// carry 48 kHz mono 16-bit little-endian PCM.
package audio

import (
	"errors"
	"io"
	"sync"
)

// SampleRate matches the modem's fixed PCM rate.
const SampleRate = 48000

var ErrStreamClosed = errors.New("audio stream closed")

// Stream is a duplex PCM byte pipe. Read returns whatever capture data is
// available, possibly zero bytes; Write queues playback data.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Loopback is an in-memory Stream pair: bytes written to one side are read
// from the other. Tests wire two modem transports back to back with it.
type Loopback struct {
	mu     sync.Mutex
	closed bool
	peer   *Loopback
	buf    []byte
}

// NewLoopbackPair returns two connected loopback streams.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{}
	b := &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrStreamClosed
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}

func (l *Loopback) Write(p []byte) (int, error) {
	peer := l.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return 0, ErrStreamClosed
	}
	peer.buf = append(peer.buf, p...)
	return len(p), nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

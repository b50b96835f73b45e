// Package transport adapts five very different media — the system
// clipboard, a shared bare git repository, a Google Drive log-file pair, a
// USB serial port, and a PCM audio modem — to one contract: an ordered
// best-effort duplex link of discrete envelopes.
package transport

import (
	"errors"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
)

var (
	// ErrTransportSetup means the medium could not be opened at all.
	ErrTransportSetup = errors.New("transport setup failed")
	// ErrTransportBroken means the medium failed mid-run and will not
	// recover without reopening.
	ErrTransportBroken = errors.New("transport broken")
)

// Transport is the plug point between the session layer and a medium.
//
// Send is best-effort: it places the envelope on the medium but does not
// guarantee delivery. Serial and audio acknowledge at the link layer;
// clipboard, git and drive rely on session-level retries.
//
// Recv returns at most one envelope per call, deduplicated by msg_id for
// the life of the transport, or (nil, nil) when nothing arrived within
// timeout. Unparseable medium content is logged and dropped, never
// returned as an error.
type Transport interface {
	Name() string
	Send(env *protocol.Envelope) error
	Recv(timeout time.Duration) (*protocol.Envelope, error)
	Close() error
}

// pollStep bounds how long any Recv implementation sleeps between medium
// polls so shutdown is honored promptly.
const pollStep = 250 * time.Millisecond

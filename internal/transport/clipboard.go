package transport

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
)

// DefaultClipboardPoll is the steady-state clipboard polling interval.
const DefaultClipboardPoll = 100 * time.Millisecond

// ClipboardTransport carries envelopes as tagged base64 lines on the
// system clipboard. The clipboard is a single shared cell, so the
// transport remembers what it last wrote (to not read itself back) and a
// hash of what it last consumed (to not re-deliver a still-posted line).
type ClipboardTransport struct {
	backend ClipboardBackend
	poll    time.Duration
	logger  *slog.Logger
	dedup   *session.DedupWindow

	mu           sync.Mutex
	lastSent     string
	lastRecvHash [32]byte
	closed       bool
}

// NewClipboardTransport wraps an already probed backend.
func NewClipboardTransport(backend ClipboardBackend, poll time.Duration, logger *slog.Logger) *ClipboardTransport {
	if poll <= 0 {
		poll = DefaultClipboardPoll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClipboardTransport{
		backend: backend,
		poll:    poll,
		logger:  logger,
		dedup:   session.NewDedupWindow(0),
	}
}

func (t *ClipboardTransport) Name() string {
	return "clipboard:" + t.backend.Name()
}

// Send posts the envelope's wire line to the clipboard, replacing whatever
// was there.
func (t *ClipboardTransport) Send(env *protocol.Envelope) error {
	line, err := protocol.ClipLine(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportBroken
	}
	t.lastSent = line
	t.mu.Unlock()

	if err := t.backend.WriteText(line); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportBroken, err)
	}
	t.logger.Debug("clipboard send", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
	return nil
}

// Recv polls the clipboard until a new protocol line appears or timeout
// passes. Non-protocol clipboard content is the user's business and is
// ignored.
func (t *ClipboardTransport) Recv(timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		env, err := t.pollOnce()
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		step := t.poll
		if step > remaining {
			step = remaining
		}
		if step > pollStep {
			step = pollStep
		}
		time.Sleep(step)
	}
}

func (t *ClipboardTransport) pollOnce() (*protocol.Envelope, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportBroken
	}
	lastSent := t.lastSent
	t.mu.Unlock()

	text, err := t.backend.ReadText()
	if err != nil {
		// A single failed paste is not a broken medium; the poll loop
		// retries on the next tick.
		t.logger.Debug("clipboard read failed", "err", err)
		return nil, nil
	}
	if text == "" || text == lastSent {
		return nil, nil
	}

	hash := sha256.Sum256([]byte(text))
	t.mu.Lock()
	seenContent := hash == t.lastRecvHash
	t.mu.Unlock()
	if seenContent {
		return nil, nil
	}

	env, err := protocol.ParseClipLine(text)
	if err != nil {
		t.logger.Debug("discarding unparseable clipboard frame", "err", err)
		return nil, nil
	}
	if env == nil {
		// Unrelated clipboard content.
		return nil, nil
	}

	t.mu.Lock()
	t.lastRecvHash = hash
	t.mu.Unlock()

	if !t.dedup.Observe(env.MsgID) {
		return nil, nil
	}
	t.logger.Debug("clipboard recv", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
	return env, nil
}

func (t *ClipboardTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

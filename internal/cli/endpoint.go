package cli

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
	"github.com/brporter/clipssh/internal/transport"
)

// Endpoint is one side of a session: it stamps outbound envelopes with the
// next seq, drives L3 retransmission on media without link-layer ACK, and
// retires retries as peer progress is observed.
type Endpoint struct {
	Transport transport.Transport
	Protocol  string
	Source    string
	// LinkReliable marks serial/audio, whose link ACK is authoritative;
	// the retry queue stays idle for them.
	LinkReliable bool
	Logger       *slog.Logger

	mu        sync.Mutex
	seq       protocol.SeqGen
	retry     *session.RetryQueue
	sessionID string
}

// NewEndpoint builds an endpoint over an open transport.
func NewEndpoint(tr transport.Transport, proto, source string, linkReliable bool, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		Transport:    tr,
		Protocol:     proto,
		Source:       source,
		LinkReliable: linkReliable,
		Logger:       logger,
		retry:        session.NewRetryQueue(nil),
	}
}

// SetSession fixes the session id stamped on subsequent envelopes.
func (e *Endpoint) SetSession(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

// ResetSession clears per-session state: seq restarts at 0 and in-flight
// retries are abandoned. Servers call it between sessions.
func (e *Endpoint) ResetSession() {
	e.mu.Lock()
	e.sessionID = ""
	e.seq = protocol.SeqGen{}
	e.retry = session.NewRetryQueue(nil)
	e.mu.Unlock()
}

// SessionID returns the current session id, empty before the handshake.
func (e *Endpoint) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Send builds and transmits one envelope. tracked envelopes on retried
// media are registered for retransmission until peer progress retires
// them; heartbeats and terminal notices pass tracked=false.
func (e *Endpoint) Send(kind protocol.Kind, body any, tracked bool) (*protocol.Envelope, error) {
	e.mu.Lock()
	env, err := protocol.NewEnvelope(e.Protocol, kind, e.sessionID, e.Source, e.seq.Next(), body)
	retry := e.retry
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := e.Transport.Send(env); err != nil {
		return nil, err
	}
	if tracked && !e.LinkReliable {
		retry.Add(env, time.Now())
	}
	return env, nil
}

// Observe feeds peer progress into the retry queue: any peer envelope with
// a seq beyond one of ours proves that one arrived.
func (e *Endpoint) Observe(env *protocol.Envelope) {
	if e.LinkReliable {
		return
	}
	e.mu.Lock()
	retry := e.retry
	e.mu.Unlock()
	retry.ObservePeerSeq(env.Seq)
	retry.AckReply(env.MsgID)
}

// PumpRetries retransmits due envelopes and returns the ones whose
// schedule ran out without any sign of the peer.
func (e *Endpoint) PumpRetries(now time.Time) ([]*protocol.Envelope, error) {
	if e.LinkReliable {
		return nil, nil
	}
	e.mu.Lock()
	retry := e.retry
	e.mu.Unlock()
	for _, env := range retry.Due(now) {
		e.Logger.Debug("retransmit envelope", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
		if err := e.Transport.Send(env); err != nil {
			return nil, fmt.Errorf("retransmit: %w", err)
		}
	}
	return retry.Exhausted(now), nil
}

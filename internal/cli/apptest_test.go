package cli

import (
	"sync"
	"testing"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
	"github.com/brporter/clipssh/internal/transport"
)

// chanTransport is an in-memory Transport double: a pair shares two
// channels, and each side deduplicates inbound msg_ids the way every real
// transport does.
type chanTransport struct {
	name  string
	in    chan *protocol.Envelope
	out   chan *protocol.Envelope
	dedup *session.DedupWindow

	mu     sync.Mutex
	closed bool
}

func newChanPair() (*chanTransport, *chanTransport) {
	ab := make(chan *protocol.Envelope, 256)
	ba := make(chan *protocol.Envelope, 256)
	a := &chanTransport{name: "chan:a", in: ba, out: ab, dedup: session.NewDedupWindow(0)}
	b := &chanTransport{name: "chan:b", in: ab, out: ba, dedup: session.NewDedupWindow(0)}
	return a, b
}

func (t *chanTransport) Name() string { return t.name }

func (t *chanTransport) Send(env *protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrTransportBroken
	}
	select {
	case t.out <- env:
		return nil
	default:
		return transport.ErrTransportBroken
	}
}

func (t *chanTransport) Recv(timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-t.in:
			if !t.dedup.Observe(env.MsgID) {
				continue
			}
			return env, nil
		case <-timer.C:
			return nil, nil
		}
	}
}

func (t *chanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// testPeer drives the client side of a handshake by hand.
type testPeer struct {
	t   *testing.T
	tr  *chanTransport
	seq protocol.SeqGen
	sid string
}

func (p *testPeer) send(proto string, kind protocol.Kind, body any) *protocol.Envelope {
	p.t.Helper()
	env, err := protocol.NewEnvelope(proto, kind, p.sid, protocol.SourceClient, p.seq.Next(), body)
	if err != nil {
		p.t.Fatalf("NewEnvelope: %v", err)
	}
	if err := p.tr.Send(env); err != nil {
		p.t.Fatalf("Send: %v", err)
	}
	return env
}

// resend replays an already built envelope, msg_id and all.
func (p *testPeer) resend(env *protocol.Envelope) {
	p.t.Helper()
	if err := p.tr.Send(env); err != nil {
		p.t.Fatalf("resend: %v", err)
	}
}

// expect pulls envelopes until one of the wanted kind arrives or the
// timeout passes, failing on timeout.
func (p *testPeer) expect(kind protocol.Kind, timeout time.Duration) *protocol.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env, err := p.tr.Recv(100 * time.Millisecond)
		if err != nil {
			p.t.Fatalf("Recv: %v", err)
		}
		if env != nil && env.Kind == kind {
			return env
		}
	}
	p.t.Fatalf("timed out waiting for %s", kind)
	return nil
}

// collect pulls envelopes of the given kind until a terminator kind shows
// up, returning the concatenated stream bodies.
func (p *testPeer) collect(kind, until protocol.Kind, timeout time.Duration) ([]byte, *protocol.Envelope) {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	var data []byte
	for time.Now().Before(deadline) {
		env, err := p.tr.Recv(100 * time.Millisecond)
		if err != nil {
			p.t.Fatalf("Recv: %v", err)
		}
		if env == nil {
			continue
		}
		switch env.Kind {
		case kind:
			var body protocol.StreamBody
			if err := protocol.DecodeBody(env, &body); err == nil {
				data = append(data, body.Data...)
			}
		case until:
			return data, env
		}
	}
	p.t.Fatalf("timed out waiting for %s", until)
	return nil, nil
}

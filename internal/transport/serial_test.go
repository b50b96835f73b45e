package transport

import (
	"net"
	"testing"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
)

func serialPair(t *testing.T) (*SerialTransport, *SerialTransport) {
	t.Helper()
	a, b := net.Pipe()
	cfg := SerialConfig{AckTimeout: 100 * time.Millisecond, MaxRetries: 10}
	ta := NewSerialTransport("usb-serial:test-a", a, cfg, nil)
	tb := NewSerialTransport("usb-serial:test-b", b, cfg, nil)
	t.Cleanup(func() {
		ta.Close()
		tb.Close()
	})
	return ta, tb
}

func gitEnvelope(t *testing.T, seq int64) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.ProtocolGit, protocol.KindPtyInput, "sess", protocol.SourceClient, seq, protocol.StreamBody{Data: []byte("ls\n")})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

// TestSerialTransport_SendRecv verifies a framed envelope crosses the
// byte pipe and arrives intact.
func TestSerialTransport_SendRecv(t *testing.T) {
	ta, tb := serialPair(t)

	env := gitEnvelope(t, 0)
	if err := ta.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := tb.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got == nil || got.MsgID != env.MsgID || got.Kind != protocol.KindPtyInput {
		t.Fatalf("got %+v, want msg_id %s", got, env.MsgID)
	}
}

// TestSerialTransport_BidirectionalOrder verifies both directions work
// concurrently and each preserves seq order.
func TestSerialTransport_BidirectionalOrder(t *testing.T) {
	ta, tb := serialPair(t)

	const n = 5
	for i := 0; i < n; i++ {
		if err := ta.Send(gitEnvelope(t, int64(i))); err != nil {
			t.Fatalf("a Send %d: %v", i, err)
		}
		env, err := protocol.NewEnvelope(protocol.ProtocolGit, protocol.KindPtyOutput, "sess", protocol.SourceServer, int64(i), protocol.StreamBody{Data: []byte("out")})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := tb.Send(env); err != nil {
			t.Fatalf("b Send %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got, err := tb.Recv(2 * time.Second)
		if err != nil {
			t.Fatalf("b Recv %d: %v", i, err)
		}
		if got == nil || got.Seq != int64(i) {
			t.Fatalf("b Recv %d: got %+v, want seq %d", i, got, i)
		}
	}
	for i := 0; i < n; i++ {
		got, err := ta.Recv(2 * time.Second)
		if err != nil {
			t.Fatalf("a Recv %d: %v", i, err)
		}
		if got == nil || got.Seq != int64(i) {
			t.Fatalf("a Recv %d: got %+v, want seq %d", i, got, i)
		}
	}
}

// TestSerialTransport_RecvTimeout verifies an idle link reports (nil, nil)
// rather than an error.
func TestSerialTransport_RecvTimeout(t *testing.T) {
	ta, _ := serialPair(t)
	got, err := ta.Recv(50 * time.Millisecond)
	if got != nil || err != nil {
		t.Errorf("Recv on idle link = (%v, %v), want (nil, nil)", got, err)
	}
}

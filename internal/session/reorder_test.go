package session

import (
	"testing"

	"github.com/brporter/clipssh/internal/protocol"
)

func seqEnvelope(t *testing.T, seq int64) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.ProtocolGit, protocol.KindPtyOutput, "s", protocol.SourceServer, seq, protocol.StreamBody{Data: []byte{byte(seq)}})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func releasedSeqs(envs []*protocol.Envelope) []int64 {
	var out []int64
	for _, e := range envs {
		out = append(out, e.Seq)
	}
	return out
}

// TestReorderBuffer_ReleasesInOrder verifies that out-of-order arrivals
// are held until the gap fills, then released in seq order.
func TestReorderBuffer_ReleasesInOrder(t *testing.T) {
	b := NewReorderBuffer(8)
	if got := b.Push(seqEnvelope(t, 1)); len(got) != 0 {
		t.Fatalf("seq 1 released before seq 0: %v", releasedSeqs(got))
	}
	if got := b.Push(seqEnvelope(t, 2)); len(got) != 0 {
		t.Fatalf("seq 2 released before seq 0: %v", releasedSeqs(got))
	}
	got := b.Push(seqEnvelope(t, 0))
	want := []int64{0, 1, 2}
	if len(got) != 3 {
		t.Fatalf("released %v, want %v", releasedSeqs(got), want)
	}
	for i, e := range got {
		if e.Seq != want[i] {
			t.Errorf("release[%d].Seq = %d, want %d", i, e.Seq, want[i])
		}
	}
}

// TestReorderBuffer_DropsStaleAndDuplicate verifies that already released
// seqs and duplicates of buffered seqs are discarded.
func TestReorderBuffer_DropsStaleAndDuplicate(t *testing.T) {
	b := NewReorderBuffer(8)
	b.Push(seqEnvelope(t, 0))
	if got := b.Push(seqEnvelope(t, 0)); len(got) != 0 {
		t.Errorf("stale seq 0 released again: %v", releasedSeqs(got))
	}
	b.Push(seqEnvelope(t, 2))
	if got := b.Push(seqEnvelope(t, 2)); len(got) != 0 {
		t.Errorf("duplicate buffered seq 2 released: %v", releasedSeqs(got))
	}
	if b.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", b.Pending())
	}
}

// TestReorderBuffer_DropsBeyondWindow verifies that arrivals further ahead
// than the window are dropped rather than buffered forever.
func TestReorderBuffer_DropsBeyondWindow(t *testing.T) {
	b := NewReorderBuffer(4)
	if got := b.Push(seqEnvelope(t, 10)); len(got) != 0 {
		t.Errorf("seq beyond window released: %v", releasedSeqs(got))
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", b.Pending())
	}
}

// TestReorderBuffer_Advance verifies that moving the release point skips
// the handshake seq and discards anything below it.
func TestReorderBuffer_Advance(t *testing.T) {
	b := NewReorderBuffer(8)
	b.Advance(1)
	if got := b.Push(seqEnvelope(t, 0)); len(got) != 0 {
		t.Errorf("seq below advanced point released: %v", releasedSeqs(got))
	}
	got := b.Push(seqEnvelope(t, 1))
	if len(got) != 1 || got[0].Seq != 1 {
		t.Errorf("seq 1 should release immediately after Advance(1), got %v", releasedSeqs(got))
	}
}

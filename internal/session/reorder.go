package session

import "github.com/brporter/clipssh/internal/protocol"

// DefaultReorderWindow bounds how far ahead of the release point an
// out-of-order envelope may arrive before it is dropped as stale.
const DefaultReorderWindow = 32

// ReorderBuffer releases envelopes from one source in seq order. Media that
// can reorder (clipboard, git, drive) feed arrivals through it; late
// arrivals beyond the window, and seqs already released, are discarded.
type ReorderBuffer struct {
	window  int64
	next    int64
	pending map[int64]*protocol.Envelope
}

// NewReorderBuffer creates a buffer; window <= 0 selects the default.
func NewReorderBuffer(window int) *ReorderBuffer {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	return &ReorderBuffer{
		window:  int64(window),
		pending: make(map[int64]*protocol.Envelope),
	}
}

// Push accepts an arrival and returns every envelope now releasable in seq
// order. Duplicate and stale seqs return nothing.
func (b *ReorderBuffer) Push(env *protocol.Envelope) []*protocol.Envelope {
	if env.Seq < b.next {
		return nil
	}
	if env.Seq >= b.next+b.window {
		return nil
	}
	if _, dup := b.pending[env.Seq]; dup {
		return nil
	}
	b.pending[env.Seq] = env

	var out []*protocol.Envelope
	for {
		e, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		b.next++
		out = append(out, e)
	}
	return out
}

// Advance moves the release point, discarding anything buffered below it.
// Servers call it after the handshake so the client's post-handshake seqs
// line up with the buffer.
func (b *ReorderBuffer) Advance(next int64) {
	b.next = next
	for seq := range b.pending {
		if seq < next {
			delete(b.pending, seq)
		}
	}
}

// Pending returns the number of buffered out-of-order envelopes.
func (b *ReorderBuffer) Pending() int {
	return len(b.pending)
}

package session

import (
	"sync"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
)

// DefaultRetrySchedule is the retransmission backoff for media without
// link-layer acknowledgement (clipboard, git, drive).
var DefaultRetrySchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// RetryEntry tracks one outbound envelope awaiting application-level
// progress from the peer.
type RetryEntry struct {
	Envelope     *protocol.Envelope
	FirstSentAt  time.Time
	NextDeadline time.Time
	Attempts     int
}

// RetryQueue drives L3 retransmission. An entry is retired when the peer
// replies to its msg_id, when any peer envelope with a higher seq than the
// entry is observed, or when the schedule is exhausted.
type RetryQueue struct {
	mu       sync.Mutex
	schedule []time.Duration
	entries  map[string]*RetryEntry
}

// NewRetryQueue creates a queue using schedule, or DefaultRetrySchedule
// when schedule is nil.
func NewRetryQueue(schedule []time.Duration) *RetryQueue {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &RetryQueue{
		schedule: schedule,
		entries:  make(map[string]*RetryEntry),
	}
}

// Add registers an envelope that was just sent for the first time.
func (q *RetryQueue) Add(env *protocol.Envelope, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[env.MsgID] = &RetryEntry{
		Envelope:     env,
		FirstSentAt:  now,
		NextDeadline: now.Add(q.schedule[0]),
		Attempts:     1,
	}
}

// AckReply retires the entry whose msg_id the peer answered.
func (q *RetryQueue) AckReply(msgID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, msgID)
}

// ObservePeerSeq retires every entry whose seq is below the peer's observed
// progress: any envelope from the peer with seq > ours proves ours arrived.
func (q *RetryQueue) ObservePeerSeq(peerSeq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.entries {
		if peerSeq > e.Envelope.Seq {
			delete(q.entries, id)
		}
	}
}

// Due returns the envelopes whose deadline passed, advancing each entry to
// its next backoff step. Envelopes keep their original msg_id so the peer
// dedup window absorbs the copies.
func (q *RetryQueue) Due(now time.Time) []*protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*protocol.Envelope
	for _, e := range q.entries {
		if now.Before(e.NextDeadline) {
			continue
		}
		if e.Attempts >= len(q.schedule)+1 {
			continue
		}
		due = append(due, e.Envelope)
		step := e.Attempts
		if step >= len(q.schedule) {
			step = len(q.schedule) - 1
		}
		e.NextDeadline = now.Add(q.schedule[step])
		e.Attempts++
	}
	return due
}

// Exhausted removes and returns entries that ran out the schedule without
// progress. The caller reports them as local errors.
func (q *RetryQueue) Exhausted(now time.Time) []*protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []*protocol.Envelope
	for id, e := range q.entries {
		if e.Attempts >= len(q.schedule)+1 && !now.Before(e.NextDeadline) {
			dead = append(dead, e.Envelope)
			delete(q.entries, id)
		}
	}
	return dead
}

// Len returns the number of in-flight entries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

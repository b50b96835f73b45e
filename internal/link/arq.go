package link

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ARQ reliability defaults. Serial links turn ACKs around fast; the audio
// path needs most of a second per §5's timeout table.
const (
	DefaultSerialAckTimeout = 200 * time.Millisecond
	DefaultAudioAckTimeout  = 800 * time.Millisecond
	DefaultMaxRetries       = 20
	seenSeqWindow           = 4096
)

var ErrRetriesExhausted = errors.New("frame not acknowledged after retries")

// Config tunes an ARQ endpoint.
type Config struct {
	AckTimeout time.Duration
	MaxRetries int
	MarkerRun  int
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultSerialAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MarkerRun < 1 {
		c.MarkerRun = DefaultMarkerRun
	}
	return c
}

type pendingFrame struct {
	frame     Frame
	attempts  int
	nextRetry time.Time
}

// ARQ provides acknowledged, deduplicated delivery of DATA frames over a
// lossy byte pipe. It never touches the medium itself: encoded wire bytes
// go out through the injected write function, and inbound stream bytes come
// in through Feed. Payloads of distinct frames are handed up in arrival
// order; a frame that arrives ahead of a missing earlier one is not held back.
type ARQ struct {
	cfg    Config
	write  func([]byte) error
	logger *slog.Logger

	mu       sync.Mutex
	deframer Deframer
	nextSeq  uint32
	pending  map[uint32]*pendingFrame
	ackQueue []Frame

	seen      map[uint32]struct{}
	seenOrder []uint32

	// nacks counts consecutive retransmissions without any ACK; the audio
	// transport watches it to drive modulation downgrade.
	nacks int
}

// NewARQ creates an endpoint writing wire bytes through write.
func NewARQ(cfg Config, write func([]byte) error, logger *slog.Logger) *ARQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &ARQ{
		cfg:     cfg.withDefaults(),
		write:   write,
		logger:  logger,
		nextSeq: 1,
		pending: make(map[uint32]*pendingFrame),
		seen:    make(map[uint32]struct{}),
	}
}

// Send queues payload as a DATA frame and transmits it immediately.
func (a *ARQ) Send(payload []byte) error {
	a.mu.Lock()
	seq := a.nextSeq
	a.nextSeq++
	f := Frame{Type: TypeData, Seq: seq, Payload: payload}
	a.pending[seq] = &pendingFrame{
		frame:     f,
		attempts:  1,
		nextRetry: time.Now().Add(a.cfg.AckTimeout),
	}
	a.mu.Unlock()
	return a.transmit(f)
}

// SendDiag transmits an unacknowledged DIAG frame.
func (a *ARQ) SendDiag(seq uint32, payload []byte) error {
	return a.transmit(Frame{Type: TypeDiag, Seq: seq, Payload: payload})
}

func (a *ARQ) transmit(f Frame) error {
	wire, err := EncodeFrame(f, a.cfg.MarkerRun)
	if err != nil {
		return err
	}
	return a.write(wire)
}

// Feed consumes inbound stream bytes. It ACKs every valid DATA frame,
// retires pending frames on ACK, and returns the payloads of newly seen
// DATA frames plus any DIAG frames.
func (a *ARQ) Feed(data []byte) (payloads [][]byte, diags []Frame) {
	a.mu.Lock()
	frames := a.deframer.Feed(data)
	for _, f := range frames {
		switch f.Type {
		case TypeAck:
			if _, ok := a.pending[f.Seq]; ok {
				delete(a.pending, f.Seq)
				a.nacks = 0
			}
		case TypeData:
			a.ackQueue = append(a.ackQueue, Frame{Type: TypeAck, Seq: f.Seq})
			if a.observeSeq(f.Seq) {
				payloads = append(payloads, f.Payload)
			}
		case TypeDiag:
			diags = append(diags, f)
		}
	}
	a.mu.Unlock()
	return payloads, diags
}

func (a *ARQ) observeSeq(seq uint32) bool {
	if _, dup := a.seen[seq]; dup {
		return false
	}
	a.seen[seq] = struct{}{}
	a.seenOrder = append(a.seenOrder, seq)
	for len(a.seenOrder) > seenSeqWindow {
		delete(a.seen, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}
	return true
}

// Pump flushes queued ACKs and retransmits unacknowledged frames whose
// timeout passed. It returns ErrRetriesExhausted once a frame runs out of
// attempts.
func (a *ARQ) Pump(now time.Time) error {
	a.mu.Lock()
	acks := a.ackQueue
	a.ackQueue = nil

	var due []Frame
	seqs := make([]uint32, 0, len(a.pending))
	for seq := range a.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	var exhausted error
	for _, seq := range seqs {
		p := a.pending[seq]
		if now.Before(p.nextRetry) {
			continue
		}
		if p.attempts > a.cfg.MaxRetries {
			exhausted = fmt.Errorf("%w: seq=%d attempts=%d", ErrRetriesExhausted, seq, p.attempts)
			delete(a.pending, seq)
			continue
		}
		p.attempts++
		p.nextRetry = now.Add(a.cfg.AckTimeout)
		a.nacks++
		due = append(due, p.frame)
	}
	a.mu.Unlock()

	for _, f := range acks {
		if err := a.transmit(f); err != nil {
			return err
		}
	}
	for _, f := range due {
		a.logger.Debug("retransmit frame", "seq", f.Seq)
		if err := a.transmit(f); err != nil {
			return err
		}
	}
	return exhausted
}

// NackCount returns the consecutive unanswered retransmissions since the
// last ACK.
func (a *ARQ) NackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nacks
}

// ResetNacks clears the counter, typically after a modulation change.
func (a *ARQ) ResetNacks() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = 0
}

// InFlight returns the number of unacknowledged DATA frames.
func (a *ARQ) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

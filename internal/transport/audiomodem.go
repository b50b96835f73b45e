package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brporter/clipssh/internal/audio"
	"github.com/brporter/clipssh/internal/link"
	"github.com/brporter/clipssh/internal/modem"
	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
)

// AudioConfig tunes the audio-modem transport.
type AudioConfig struct {
	Modulation string // auto, robust-v1, pcoip-safe, legacy
	ByteRepeat int
	AckTimeout time.Duration
	MaxRetries int
	MarkerRun  int

	// DowngradeAfterNacks is how many consecutive unacknowledged
	// retransmissions auto mode tolerates before stepping down.
	DowngradeAfterNacks int

	// Diag mode: emit diag_ping frames while idle, and a burst of them on
	// connect to aid peer discovery.
	Diag             bool
	DiagInterval     time.Duration
	DiagConnectBurst int
}

func (c AudioConfig) withDefaults() AudioConfig {
	if c.Modulation == "" {
		c.Modulation = modem.ModulationAuto
	}
	if c.ByteRepeat <= 0 {
		c.ByteRepeat = modem.DefaultByteRepeat
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = link.DefaultAudioAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 32
	}
	if c.MarkerRun <= 0 {
		c.MarkerRun = link.DefaultMarkerRun
	}
	if c.DowngradeAfterNacks <= 0 {
		c.DowngradeAfterNacks = 4
	}
	if c.DiagInterval <= 0 {
		c.DiagInterval = time.Second
	}
	if c.DiagConnectBurst <= 0 {
		c.DiagConnectBurst = 3
	}
	return c
}

// diagPayload is the body of a diag_ping link frame.
type diagPayload struct {
	Counter uint64 `json:"counter"`
	Mode    string `json:"mode"`
}

// AudioTransport is a best-effort duplex envelope link over a PCM path.
// Link frames are FEC-expanded and FSK-modulated; the receive side runs a
// demodulator per mode of the downgrade ladder so a peer that stepped down
// is still heard.
type AudioTransport struct {
	cfg    AudioConfig
	stream audio.Stream
	arq    *link.ARQ
	dedup  *session.DedupWindow
	logger *slog.Logger

	inbound chan *protocol.Envelope
	done    chan struct{}

	mu          sync.Mutex
	ladder      []string
	ladderIdx   int
	modulator   *modem.Modulator
	demods      []*modem.Demodulator
	broken      error
	closed      bool
	diagCounter uint64
	wg          sync.WaitGroup
}

// NewAudioTransport starts the modem over an open PCM stream.
func NewAudioTransport(stream audio.Stream, cfg AudioConfig, logger *slog.Logger) (*AudioTransport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	selector, err := modem.NormalizeModulation(cfg.Modulation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportSetup, err)
	}
	ladder := modem.DowngradeLadder(selector)

	t := &AudioTransport{
		cfg:     cfg,
		stream:  stream,
		dedup:   session.NewDedupWindow(0),
		logger:  logger,
		inbound: make(chan *protocol.Envelope, 256),
		done:    make(chan struct{}),
		ladder:  ladder,
	}
	mode, err := modem.ModeFor(ladder[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportSetup, err)
	}
	t.modulator = modem.NewModulator(mode)
	for _, name := range ladder {
		m, err := modem.ModeFor(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportSetup, err)
		}
		t.demods = append(t.demods, modem.NewDemodulator(m))
	}

	t.arq = link.NewARQ(link.Config{
		AckTimeout: cfg.AckTimeout,
		MaxRetries: cfg.MaxRetries,
		MarkerRun:  cfg.MarkerRun,
	}, t.writeWire, logger)

	t.wg.Add(2)
	go t.readLoop()
	go t.pumpLoop()

	if cfg.Diag {
		t.wg.Add(1)
		go t.diagLoop()
	}
	return t, nil
}

func (t *AudioTransport) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return "audio-modem:" + t.ladder[t.ladderIdx]
}

// writeWire FEC-expands and modulates one wire frame, then plays it.
func (t *AudioTransport) writeWire(wire []byte) error {
	t.mu.Lock()
	pcm := t.modulator.ModulateBurst(modem.FECEncode(wire, t.cfg.ByteRepeat))
	t.mu.Unlock()
	if _, err := t.stream.Write(pcm); err != nil {
		return fmt.Errorf("%w: audio write: %v", ErrTransportBroken, err)
	}
	return nil
}

func (t *AudioTransport) Send(env *protocol.Envelope) error {
	if err := t.brokenErr(); err != nil {
		return err
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.logger.Debug("audio send", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
	if err := t.arq.Send(payload); err != nil {
		t.markBroken(err)
		return err
	}
	return nil
}

// SendConnectBurst emits the configured run of diag_ping frames so a
// listening peer can measure the channel before the handshake.
func (t *AudioTransport) SendConnectBurst() {
	for i := 0; i < t.cfg.DiagConnectBurst; i++ {
		t.sendDiagPing()
	}
}

func (t *AudioTransport) sendDiagPing() {
	t.mu.Lock()
	t.diagCounter++
	payload, _ := json.Marshal(diagPayload{
		Counter: t.diagCounter,
		Mode:    t.ladder[t.ladderIdx],
	})
	counter := t.diagCounter
	t.mu.Unlock()
	if err := t.arq.SendDiag(uint32(counter), payload); err != nil {
		t.logger.Debug("diag ping failed", "err", err)
	}
}

func (t *AudioTransport) Recv(timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-t.inbound:
		return env, nil
	case <-t.done:
		if err := t.brokenErr(); err != nil {
			return nil, err
		}
		return nil, ErrTransportBroken
	case <-timer.C:
		return nil, nil
	}
}

func (t *AudioTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 8192)
	statsAt := time.Now()
	for {
		select {
		case <-t.done:
			return
		default:
		}
		n, err := t.stream.Read(buf)
		if n > 0 {
			t.feedPCM(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// WAV replay drained; the buffered symbols were already
				// processed, nothing more will arrive.
				t.markBroken(fmt.Errorf("%w: audio capture ended", ErrTransportBroken))
				return
			}
			t.markBroken(fmt.Errorf("%w: audio read: %v", ErrTransportBroken, err))
			return
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		if time.Since(statsAt) >= 2*time.Second {
			statsAt = time.Now()
			t.logStats()
		}
	}
}

func (t *AudioTransport) feedPCM(pcm []byte) {
	t.mu.Lock()
	demods := t.demods
	repeat := t.cfg.ByteRepeat
	t.mu.Unlock()

	for _, d := range demods {
		for _, burst := range d.Feed(pcm) {
			wire := modem.FECDecode(burst, repeat)
			payloads, diags := t.arq.Feed(wire)
			for _, diag := range diags {
				t.handleDiag(diag)
			}
			for _, p := range payloads {
				t.deliver(p)
			}
		}
	}
}

func (t *AudioTransport) handleDiag(f link.Frame) {
	var d diagPayload
	if err := json.Unmarshal(f.Payload, &d); err != nil {
		return
	}
	t.logger.Debug("diag ping received", "counter", d.Counter, "peer_mode", d.Mode)
}

func (t *AudioTransport) deliver(payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		t.logger.Debug("discarding unparseable audio frame", "err", err)
		return
	}
	if !t.dedup.Observe(env.MsgID) {
		return
	}
	t.logger.Debug("audio recv", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
	select {
	case t.inbound <- env:
	case <-t.done:
	}
}

func (t *AudioTransport) pumpLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			err := t.arq.Pump(now)
			if err != nil {
				if errors.Is(err, link.ErrRetriesExhausted) {
					t.markBroken(fmt.Errorf("%w: %v", ErrTransportBroken, err))
					return
				}
				t.markBroken(err)
				return
			}
			t.maybeDowngrade()
		}
	}
}

// maybeDowngrade steps the transmit modulation down the ladder after too
// many unanswered retransmissions. There is no upgrade within a session.
func (t *AudioTransport) maybeDowngrade() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ladderIdx >= len(t.ladder)-1 {
		return
	}
	if t.arq.NackCount() < t.cfg.DowngradeAfterNacks {
		return
	}
	t.ladderIdx++
	next := t.ladder[t.ladderIdx]
	mode, err := modem.ModeFor(next)
	if err != nil {
		return
	}
	t.modulator = modem.NewModulator(mode)
	t.arq.ResetNacks()
	t.logger.Info("audio modulation downgraded", "mode", next)
}

func (t *AudioTransport) diagLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.DiagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.arq.InFlight() == 0 {
				t.sendDiagPing()
			}
		}
	}
}

func (t *AudioTransport) logStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, d := range t.demods {
		s := d.Stats()
		if s.SyncHits == 0 && s.DecodeFailures == 0 {
			continue
		}
		t.logger.Debug("audio modem stats",
			"mode", t.ladder[i],
			"bursts_decoded", s.BurstsDecoded,
			"sync_hits", s.SyncHits,
			"decode_failures", s.DecodeFailures)
	}
}

func (t *AudioTransport) markBroken(err error) {
	t.mu.Lock()
	if t.broken == nil && !t.closed {
		t.broken = err
		close(t.done)
	}
	t.mu.Unlock()
}

func (t *AudioTransport) brokenErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return t.broken
	}
	if t.closed {
		return ErrTransportBroken
	}
	return nil
}

func (t *AudioTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		if t.broken == nil {
			close(t.done)
		}
	}
	t.mu.Unlock()
	err := t.stream.Close()
	t.wg.Wait()
	return err
}

package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/brporter/clipssh/internal/link"
	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
)

// DefaultBaudRate is 115200 8N1.
const DefaultBaudRate = 115200

// SerialConfig tunes the serial transport.
type SerialConfig struct {
	Port       string
	BaudRate   int
	AckTimeout time.Duration
	MaxRetries int
	MarkerRun  int
}

func (c SerialConfig) withDefaults() SerialConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = link.DefaultSerialAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = link.DefaultMaxRetries
	}
	if c.MarkerRun <= 0 {
		c.MarkerRun = link.DefaultMarkerRun
	}
	return c
}

// SerialTransport runs marker+COBS frames with link-layer ACK over a byte
// pipe, normally a USB serial port.
type SerialTransport struct {
	name    string
	pipe    io.ReadWriteCloser
	arq     *link.ARQ
	dedup   *session.DedupWindow
	logger  *slog.Logger
	inbound chan *protocol.Envelope
	done    chan struct{}

	mu     sync.Mutex
	broken error
	closed bool
	wg     sync.WaitGroup
}

// OpenSerial opens the configured port at 8N1 and starts the link tasks.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*SerialTransport, error) {
	cfg = cfg.withDefaults()
	if cfg.Port == "" {
		hint := ""
		if ports, err := serial.GetPortsList(); err == nil && len(ports) > 0 {
			hint = " (detected: " + strings.Join(ports, ", ") + ")"
		}
		return nil, fmt.Errorf("%w: no serial port given%s", ErrTransportSetup, hint)
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransportSetup, cfg.Port, err)
	}
	port.SetReadTimeout(50 * time.Millisecond)
	return NewSerialTransport("usb-serial:"+cfg.Port, port, cfg, logger), nil
}

// NewSerialTransport wires the link layer over an arbitrary byte pipe.
// Tests hand it an in-memory duplex pair.
func NewSerialTransport(name string, pipe io.ReadWriteCloser, cfg SerialConfig, logger *slog.Logger) *SerialTransport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &SerialTransport{
		name:    name,
		pipe:    pipe,
		dedup:   session.NewDedupWindow(0),
		logger:  logger,
		inbound: make(chan *protocol.Envelope, 256),
		done:    make(chan struct{}),
	}
	t.arq = link.NewARQ(link.Config{
		AckTimeout: cfg.AckTimeout,
		MaxRetries: cfg.MaxRetries,
		MarkerRun:  cfg.MarkerRun,
	}, t.writeWire, logger)

	t.wg.Add(2)
	go t.readLoop()
	go t.pumpLoop()
	return t
}

func (t *SerialTransport) Name() string { return t.name }

func (t *SerialTransport) writeWire(wire []byte) error {
	if _, err := t.pipe.Write(wire); err != nil {
		return fmt.Errorf("%w: serial write: %v", ErrTransportBroken, err)
	}
	return nil
}

func (t *SerialTransport) Send(env *protocol.Envelope) error {
	if err := t.brokenErr(); err != nil {
		return err
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.logger.Debug("serial send", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
	if err := t.arq.Send(payload); err != nil {
		t.markBroken(err)
		return err
	}
	return nil
}

func (t *SerialTransport) Recv(timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
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
}

func (t *SerialTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		n, err := t.pipe.Read(buf)
		if n > 0 {
			payloads, _ := t.arq.Feed(buf[:n])
			for _, p := range payloads {
				t.deliver(p)
			}
		}
		if err != nil {
			t.markBroken(fmt.Errorf("%w: serial read: %v", ErrTransportBroken, err))
			return
		}
	}
}

func (t *SerialTransport) deliver(payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		t.logger.Debug("discarding unparseable serial frame", "err", err)
		return
	}
	if !t.dedup.Observe(env.MsgID) {
		return
	}
	t.logger.Debug("serial recv", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
	select {
	case t.inbound <- env:
	case <-t.done:
	}
}

func (t *SerialTransport) pumpLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			if err := t.arq.Pump(now); err != nil {
				if errors.Is(err, link.ErrRetriesExhausted) {
					t.markBroken(fmt.Errorf("%w: %v", ErrTransportBroken, err))
					return
				}
				t.markBroken(err)
				return
			}
		}
	}
}

func (t *SerialTransport) markBroken(err error) {
	t.mu.Lock()
	if t.broken == nil && !t.closed {
		t.broken = err
		close(t.done)
	}
	t.mu.Unlock()
}

func (t *SerialTransport) brokenErr() error {
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

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		if t.broken == nil {
			close(t.done)
		}
	}
	t.mu.Unlock()
	err := t.pipe.Close()
	t.wg.Wait()
	return err
}

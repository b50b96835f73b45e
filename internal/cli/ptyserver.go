package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
	"github.com/brporter/clipssh/internal/transport"
)

// Session phases.
type phase int

const (
	phaseIdle phase = iota
	phaseHandshaking
	phaseActive
	phaseDraining
)

// ptyChunk bounds the bytes carried by one pty_input/pty_output envelope.
const ptyChunk = 4096

// PtyServer answers gitssh/2 handshakes with an interactive PTY shell. At
// most one session is ever non-idle; later handshakes are told busy.
type PtyServer struct {
	ep     *Endpoint
	logger *slog.Logger

	phase     phase
	sessionID string
	shell     *PtyShell
	reorder   *session.ReorderBuffer
	output    chan []byte
	exited    chan int
}

// NewPtyServer creates the server application over an open transport.
func NewPtyServer(tr transport.Transport, linkReliable bool, logger *slog.Logger) *PtyServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PtyServer{
		ep:     NewEndpoint(tr, protocol.ProtocolGit, protocol.SourceServer, linkReliable, logger),
		logger: logger,
	}
}

// Run serves handshakes until the context is canceled or the transport
// breaks.
func (s *PtyServer) Run(ctx context.Context) error {
	s.logger.Info("server ready", "transport", s.ep.Transport.Name())
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		default:
		}

		env, err := s.ep.Transport.Recv(100 * time.Millisecond)
		if err != nil {
			s.shutdown()
			return fmt.Errorf("transport: %w", err)
		}
		if env != nil {
			s.ep.Observe(env)
			s.route(env)
		}

		s.pumpOutput()
		s.checkShellExit()

		if dead, err := s.ep.PumpRetries(time.Now()); err != nil {
			s.shutdown()
			return fmt.Errorf("transport: %w", err)
		} else {
			for _, env := range dead {
				s.logger.Warn("gave up retransmitting", "kind", env.Kind, "msg_id", env.MsgID)
			}
		}
	}
}

// route feeds the envelope through the reorder buffer on unordered media.
// connect_req bypasses it: a fresh handshake defines the buffer's origin,
// and a busy rejection must not consume a slot in the active session's
// sequence space.
func (s *PtyServer) route(env *protocol.Envelope) {
	if env.Kind == protocol.KindConnectReq {
		s.handleConnect(env)
		return
	}
	if s.ep.LinkReliable || s.reorder == nil {
		s.handle(env)
		return
	}
	for _, e := range s.reorder.Push(env) {
		s.handle(e)
	}
}

func (s *PtyServer) handleConnect(env *protocol.Envelope) {
	if s.phase != phaseIdle {
		s.logger.Info("rejecting handshake, session active", "session_id", s.sessionID)
		s.ep.Send(protocol.KindBusy, protocol.BusyBody{
			SessionID: s.sessionID,
			Reason:    "server has an active session",
		}, true)
		return
	}

	s.phase = phaseHandshaking
	id, err := gonanoid.New(12)
	if err != nil {
		s.phase = phaseIdle
		return
	}

	shellPath, err := ResolveShell()
	if err == nil {
		s.shell, err = StartPtyShell(shellPath, 80, 24)
	}
	if err != nil {
		s.logger.Error("shell spawn failed", "err", err)
		s.ep.Send(protocol.KindError, protocol.ErrorBody{Code: "shell", Message: err.Error()}, true)
		s.ep.Send(protocol.KindDisconnect, nil, true)
		s.phase = phaseIdle
		s.ep.ResetSession()
		return
	}

	s.sessionID = id
	s.ep.ResetSession()
	s.ep.SetSession(id)
	s.reorder = session.NewReorderBuffer(0)
	s.reorder.Advance(env.Seq + 1)
	s.output = make(chan []byte, 256)
	s.exited = make(chan int, 1)
	go s.readShell(s.shell, s.output, s.exited)

	pc := CollectPromptContext()
	s.ep.Send(protocol.KindConnectAck, protocol.ConnectAckBody{
		SessionID: id,
		User:      pc.User,
		Host:      pc.Host,
		Cwd:       pc.Cwd,
		Cols:      80,
		Rows:      24,
	}, true)
	s.phase = phaseActive
	s.logger.Info("session started", "session_id", id, "shell", shellPath)
}

func (s *PtyServer) handle(env *protocol.Envelope) {
	if s.phase != phaseActive {
		return
	}
	switch env.Kind {
	case protocol.KindPtyInput:
		var body protocol.StreamBody
		if err := protocol.DecodeBody(env, &body); err != nil {
			return
		}
		if _, err := s.shell.Write(body.Data); err != nil {
			s.logger.Debug("pty write failed", "err", err)
		}
	case protocol.KindPtyResize:
		var body protocol.ResizeBody
		if err := protocol.DecodeBody(env, &body); err != nil {
			return
		}
		if err := s.shell.Resize(body.Cols, body.Rows); err != nil {
			s.logger.Debug("pty resize failed", "err", err)
		}
	case protocol.KindPtySignal:
		var body protocol.SignalBody
		if err := protocol.DecodeBody(env, &body); err != nil {
			return
		}
		if err := s.shell.Signal(body.Name); err != nil {
			s.logger.Debug("signal delivery failed", "name", body.Name, "err", err)
		}
	case protocol.KindDisconnect:
		s.logger.Info("client disconnected", "session_id", s.sessionID)
		s.teardown()
	case protocol.KindError:
		var body protocol.ErrorBody
		protocol.DecodeBody(env, &body)
		s.logger.Warn("peer error", "code", body.Code, "message", body.Message)
	default:
		// Wrong kind for this state: answer with a protocol error but
		// keep the session.
		s.ep.Send(protocol.KindError, protocol.ErrorBody{
			Code:    "protocol",
			Message: fmt.Sprintf("unexpected %s in active session", env.Kind),
		}, false)
	}
}

// readShell pumps PTY output into the session until the shell goes away.
func (s *PtyServer) readShell(shell *PtyShell, output chan<- []byte, exited chan<- int) {
	buf := make([]byte, ptyChunk)
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			output <- chunk
		}
		if err != nil {
			if !errors.Is(err, ErrShellExited) {
				s.logger.Debug("pty read ended", "err", err)
			}
			close(output)
			exited <- shell.Wait()
			return
		}
	}
}

func (s *PtyServer) pumpOutput() {
	if s.output == nil {
		return
	}
	for {
		select {
		case chunk, ok := <-s.output:
			if !ok {
				s.output = nil
				return
			}
			s.ep.Send(protocol.KindPtyOutput, protocol.StreamBody{Data: chunk}, true)
		default:
			return
		}
	}
}

func (s *PtyServer) checkShellExit() {
	if s.exited == nil || s.phase != phaseActive {
		return
	}
	select {
	case status := <-s.exited:
		// Flush whatever output is still queued before announcing the
		// close.
		s.phase = phaseDraining
		s.pumpOutput()
		s.ep.Send(protocol.KindPtyClosed, protocol.ClosedBody{ExitStatus: status}, true)
		s.logger.Info("shell exited", "session_id", s.sessionID, "status", status)
		s.teardown()
	default:
	}
}

// teardown returns the server to idle, ready for the next handshake.
func (s *PtyServer) teardown() {
	if s.shell != nil {
		s.shell.Close()
		s.shell = nil
	}
	// Unblock the reader goroutine so it can observe the dead shell and
	// close the channel.
	if s.output != nil {
		deadline := time.After(500 * time.Millisecond)
	drain:
		for {
			select {
			case _, ok := <-s.output:
				if !ok {
					break drain
				}
			case <-deadline:
				break drain
			}
		}
	}
	s.output = nil
	s.exited = nil
	s.reorder = nil
	s.sessionID = ""
	s.phase = phaseIdle
	s.ep.ResetSession()
}

func (s *PtyServer) shutdown() {
	if s.phase == phaseActive {
		s.ep.Send(protocol.KindDisconnect, nil, false)
	}
	s.teardown()
	s.ep.Transport.Close()
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/transport"
)

// clipChunk bounds one stdout/stderr envelope.
const clipChunk = 32 * 1024

// ClipServer answers CLIPSSH/1 handshakes and runs one command at a time
// through the shell's -c, streaming output back in chunks.
type ClipServer struct {
	ep     *Endpoint
	logger *slog.Logger

	phase        phase
	sessionID    string
	shellPath    string
	lastActivity time.Time

	// cmdMu serializes command execution; replies from a long command and
	// the next one must not interleave.
	cmdMu sync.Mutex
}

// NewClipServer creates the command/reply server over an open transport.
func NewClipServer(tr transport.Transport, logger *slog.Logger) *ClipServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClipServer{
		ep:     NewEndpoint(tr, protocol.ProtocolClip, protocol.SourceServer, false, logger),
		logger: logger,
	}
}

// Run serves until the context is canceled or the transport breaks.
func (s *ClipServer) Run(ctx context.Context) error {
	s.logger.Info("server ready", "transport", s.ep.Transport.Name())
	for {
		select {
		case <-ctx.Done():
			if s.phase == phaseActive {
				s.ep.Send(protocol.KindDisconnect, nil, false)
			}
			s.ep.Transport.Close()
			return nil
		default:
		}

		env, err := s.ep.Transport.Recv(100 * time.Millisecond)
		if err != nil {
			s.ep.Transport.Close()
			return fmt.Errorf("transport: %w", err)
		}
		if env != nil {
			s.ep.Observe(env)
			s.handle(env)
		}

		if dead, err := s.ep.PumpRetries(time.Now()); err != nil {
			s.ep.Transport.Close()
			return fmt.Errorf("transport: %w", err)
		} else {
			for _, env := range dead {
				s.logger.Warn("gave up retransmitting", "kind", env.Kind, "msg_id", env.MsgID)
			}
		}
	}
}

func (s *ClipServer) handle(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindConnectReq:
		s.handleConnect()
	case protocol.KindCmd:
		if s.phase != phaseActive {
			s.ep.Send(protocol.KindError, protocol.ErrorBody{
				Code:    "protocol",
				Message: "cmd before handshake",
			}, false)
			return
		}
		var body protocol.CmdBody
		if err := protocol.DecodeBody(env, &body); err != nil {
			return
		}
		s.lastActivity = time.Now()
		go s.execute(s.shellPath, body.Text)
	case protocol.KindHeartbeat:
		s.lastActivity = time.Now()
	case protocol.KindDisconnect:
		if s.phase == phaseActive {
			s.logger.Info("client disconnected", "session_id", s.sessionID)
			s.teardown()
		}
	case protocol.KindError:
		var body protocol.ErrorBody
		protocol.DecodeBody(env, &body)
		s.logger.Warn("peer error", "code", body.Code, "message", body.Message)
	}
}

func (s *ClipServer) handleConnect() {
	if s.phase != phaseIdle {
		s.logger.Info("rejecting handshake, session active", "session_id", s.sessionID)
		s.ep.Send(protocol.KindBusy, protocol.BusyBody{
			SessionID: s.sessionID,
			Reason:    "server has an active session",
		}, true)
		return
	}

	s.phase = phaseHandshaking
	shellPath, err := ResolveShell()
	if err != nil {
		s.logger.Error("shell unavailable", "err", err)
		s.ep.Send(protocol.KindError, protocol.ErrorBody{Code: "shell", Message: err.Error()}, true)
		s.ep.Send(protocol.KindDisconnect, nil, true)
		s.phase = phaseIdle
		s.ep.ResetSession()
		return
	}
	id, err := gonanoid.New(12)
	if err != nil {
		s.phase = phaseIdle
		return
	}

	s.sessionID = id
	s.shellPath = shellPath
	s.lastActivity = time.Now()
	s.ep.ResetSession()
	s.ep.SetSession(id)

	pc := CollectPromptContext()
	s.ep.Send(protocol.KindConnectAck, protocol.ConnectAckBody{
		SessionID: id,
		User:      pc.User,
		Host:      pc.Host,
		Cwd:       pc.Cwd,
	}, true)
	s.phase = phaseActive
	s.logger.Info("session started", "session_id", id, "shell", shellPath)
}

// execute runs one command and streams its reply envelopes. Commands are
// not interactive; there is no PTY on this protocol.
func (s *ClipServer) execute(shellPath, command string) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.logger.Debug("executing command", "cmd", command)
	code, err := RunCommand(shellPath, command, clipChunk,
		func(chunk []byte) {
			s.ep.Send(protocol.KindStdout, protocol.StreamBody{Data: chunk}, true)
		},
		func(chunk []byte) {
			s.ep.Send(protocol.KindStderr, protocol.StreamBody{Data: chunk}, true)
		})
	if err != nil {
		s.ep.Send(protocol.KindError, protocol.ErrorBody{Code: "shell", Message: err.Error()}, true)
		return
	}
	s.ep.Send(protocol.KindExit, protocol.ExitBody{Code: code}, true)
}

func (s *ClipServer) teardown() {
	s.sessionID = ""
	s.shellPath = ""
	s.phase = phaseIdle
	s.ep.ResetSession()
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
	"github.com/brporter/clipssh/internal/transport"
)

// DefaultConnectTimeout bounds how long the client retries the handshake.
const DefaultConnectTimeout = 30 * time.Second

// PtyClient bridges the local terminal to a remote gitssh/2 PTY session.
type PtyClient struct {
	ep      *Endpoint
	logger  *slog.Logger
	host    string
	reorder *session.ReorderBuffer

	// ExitStatus carries the remote shell's exit code after Run returns.
	ExitStatus int
}

// NewPtyClient creates the interactive client over an open transport.
func NewPtyClient(tr transport.Transport, linkReliable bool, host string, logger *slog.Logger) *PtyClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PtyClient{
		ep:     NewEndpoint(tr, protocol.ProtocolGit, protocol.SourceClient, linkReliable, logger),
		logger: logger,
		host:   host,
	}
}

// Run performs the handshake, switches the terminal to raw mode, and
// bridges bytes until the remote shell closes or the user interrupts.
func (c *PtyClient) Run(ctx context.Context) error {
	if burst, ok := c.ep.Transport.(interface{ SendConnectBurst() }); ok {
		burst.SendConnectBurst()
	}

	ack, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.reorder = session.NewReorderBuffer(0)
	c.reorder.Advance(1) // connect_ack consumed the server's seq 0

	fmt.Fprintf(os.Stderr, "Connected to %s@%s:%s (session %s)\r\n", ack.User, ack.Host, ack.Cwd, ack.SessionID)

	stdinFd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(stdinFd) {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		restore = func() { term.Restore(stdinFd, state) }
		defer restore()
	}

	c.sendLocalSize(stdinFd)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	fwd := make(chan os.Signal, 4)
	signal.Notify(fwd, syscall.SIGQUIT, syscall.SIGTSTP)
	defer signal.Stop(fwd)

	input := make(chan []byte, 256)
	go readStdin(input)

	for {
		select {
		case <-ctx.Done():
			c.ep.Send(protocol.KindDisconnect, nil, false)
			c.ep.Transport.Close()
			return ctx.Err()
		case <-winch:
			c.sendLocalSize(stdinFd)
		case sig := <-fwd:
			name := "QUIT"
			if sig == syscall.SIGTSTP {
				name = "TSTP"
			}
			c.ep.Send(protocol.KindPtySignal, protocol.SignalBody{Name: name}, true)
		case chunk, ok := <-input:
			if !ok {
				c.ep.Send(protocol.KindDisconnect, nil, false)
				c.ep.Transport.Close()
				return nil
			}
			if _, err := c.ep.Send(protocol.KindPtyInput, protocol.StreamBody{Data: chunk}, true); err != nil {
				return fmt.Errorf("transport: %w", err)
			}
		default:
		}

		env, err := c.ep.Transport.Recv(50 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		if env != nil {
			c.ep.Observe(env)
			done, err := c.routeServer(env)
			if err != nil || done {
				return err
			}
		}

		if dead, err := c.ep.PumpRetries(time.Now()); err != nil {
			return fmt.Errorf("transport: %w", err)
		} else if len(dead) > 0 {
			return fmt.Errorf("peer stopped responding (%d unacknowledged messages)", len(dead))
		}
	}
}

// connect sends connect_req on the retry schedule until an ack or busy
// arrives.
func (c *PtyClient) connect(ctx context.Context) (*protocol.ConnectAckBody, error) {
	if _, err := c.ep.Send(protocol.KindConnectReq, protocol.ConnectReqBody{Source: protocol.SourceClient}, true); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	deadline := time.Now().Add(DefaultConnectTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		env, err := c.ep.Transport.Recv(200 * time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		if env == nil {
			if _, err := c.ep.PumpRetries(time.Now()); err != nil {
				return nil, fmt.Errorf("transport: %w", err)
			}
			continue
		}
		c.ep.Observe(env)
		switch env.Kind {
		case protocol.KindConnectAck:
			var ack protocol.ConnectAckBody
			if err := protocol.DecodeBody(env, &ack); err != nil {
				continue
			}
			c.ep.SetSession(ack.SessionID)
			return &ack, nil
		case protocol.KindBusy:
			var busy protocol.BusyBody
			protocol.DecodeBody(env, &busy)
			return nil, fmt.Errorf("server busy with session %s", busy.SessionID)
		case protocol.KindError:
			var body protocol.ErrorBody
			protocol.DecodeBody(env, &body)
			return nil, fmt.Errorf("server error: %s: %s", body.Code, body.Message)
		}
	}
	return nil, fmt.Errorf("connect to %s timed out", c.host)
}

// routeServer handles one server envelope; done reports session end.
func (c *PtyClient) routeServer(env *protocol.Envelope) (bool, error) {
	envs := []*protocol.Envelope{env}
	if !c.ep.LinkReliable {
		envs = c.reorder.Push(env)
	}
	for _, e := range envs {
		switch e.Kind {
		case protocol.KindPtyOutput:
			var body protocol.StreamBody
			if err := protocol.DecodeBody(e, &body); err != nil {
				continue
			}
			os.Stdout.Write(body.Data)
		case protocol.KindPtyClosed:
			var body protocol.ClosedBody
			protocol.DecodeBody(e, &body)
			c.ExitStatus = body.ExitStatus
			fmt.Fprintf(os.Stderr, "\r\nConnection to %s closed (shell exit %d)\r\n", c.host, body.ExitStatus)
			c.ep.Transport.Close()
			return true, nil
		case protocol.KindDisconnect:
			fmt.Fprintf(os.Stderr, "\r\nConnection to %s closed by server\r\n", c.host)
			c.ep.Transport.Close()
			return true, nil
		case protocol.KindError:
			var body protocol.ErrorBody
			protocol.DecodeBody(e, &body)
			c.logger.Warn("server error", "code", body.Code, "message", body.Message)
		}
	}
	return false, nil
}

func (c *PtyClient) sendLocalSize(fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	c.ep.Send(protocol.KindPtyResize, protocol.ResizeBody{Cols: cols, Rows: rows}, true)
}

// readStdin chunks local terminal input; raw mode means no local echo and
// no line buffering.
func readStdin(out chan<- []byte) {
	buf := make([]byte, ptyChunk)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			close(out)
			return
		}
	}
}

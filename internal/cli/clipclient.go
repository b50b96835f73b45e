package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/transport"
)

// heartbeatInterval paces idle keepalives so the server knows the client
// is still there.
const heartbeatInterval = 10 * time.Second

// ClipClient is the CLIPSSH/1 command/reply REPL: read a line, ship it as
// cmd, print the streamed stdout/stderr, repeat after exit.
type ClipClient struct {
	ep     *Endpoint
	logger *slog.Logger
	host   string
	prompt string
}

// NewClipClient creates the REPL over an open transport.
func NewClipClient(tr transport.Transport, host string, logger *slog.Logger) *ClipClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClipClient{
		ep:     NewEndpoint(tr, protocol.ProtocolClip, protocol.SourceClient, false, logger),
		logger: logger,
		host:   host,
	}
}

// Run connects and loops until stdin closes, the user interrupts, or the
// server goes away.
func (c *ClipClient) Run(ctx context.Context) error {
	ack, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.prompt = fmt.Sprintf("%s@%s:%s$ ", ack.User, ack.Host, ack.Cwd)
	fmt.Fprintf(os.Stderr, "Connected (session %s)\n", ack.SessionID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	needPrompt := true
	for {
		if needPrompt {
			fmt.Print(c.prompt)
			needPrompt = false
		}
		var command string
		var open bool
		select {
		case <-ctx.Done():
			c.disconnect()
			return ctx.Err()
		case command, open = <-lines:
			if !open {
				fmt.Println()
				c.disconnect()
				return nil
			}
			needPrompt = true
		case <-heartbeat.C:
			c.ep.Send(protocol.KindHeartbeat, nil, false)
			continue
		}

		if strings.TrimSpace(command) == "" {
			continue
		}
		if strings.TrimSpace(command) == "exit" {
			c.disconnect()
			return nil
		}

		if err := c.runCommand(ctx, command); err != nil {
			return err
		}
	}
}

func (c *ClipClient) connect(ctx context.Context) (*protocol.ConnectAckBody, error) {
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

// runCommand ships one cmd and prints replies until the matching exit.
func (c *ClipClient) runCommand(ctx context.Context, command string) error {
	cmdEnv, err := c.ep.Send(protocol.KindCmd, protocol.CmdBody{Text: command}, true)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return ctx.Err()
		default:
		}

		env, err := c.ep.Transport.Recv(200 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		if env == nil {
			if dead, err := c.ep.PumpRetries(time.Now()); err != nil {
				return fmt.Errorf("transport: %w", err)
			} else if len(dead) > 0 {
				return fmt.Errorf("server stopped responding")
			}
			continue
		}
		c.ep.Observe(env)
		switch env.Kind {
		case protocol.KindStdout, protocol.KindStderr, protocol.KindExit, protocol.KindError:
			// Any reply answers the cmd. Client and server number their seqs
			// independently, so peer-seq progress alone may never retire it.
			c.ep.mu.Lock()
			retry := c.ep.retry
			c.ep.mu.Unlock()
			retry.AckReply(cmdEnv.MsgID)
		}

		switch env.Kind {
		case protocol.KindStdout:
			var body protocol.StreamBody
			if err := protocol.DecodeBody(env, &body); err == nil {
				os.Stdout.Write(body.Data)
			}
		case protocol.KindStderr:
			var body protocol.StreamBody
			if err := protocol.DecodeBody(env, &body); err == nil {
				os.Stderr.Write(body.Data)
			}
		case protocol.KindExit:
			var body protocol.ExitBody
			protocol.DecodeBody(env, &body)
			if body.Code != 0 {
				fmt.Fprintf(os.Stderr, "[exit %d]\n", body.Code)
			}
			return nil
		case protocol.KindDisconnect:
			return fmt.Errorf("server closed the session")
		case protocol.KindError:
			var body protocol.ErrorBody
			protocol.DecodeBody(env, &body)
			fmt.Fprintf(os.Stderr, "remote error: %s: %s\n", body.Code, body.Message)
			return nil
		}
	}
}

func (c *ClipClient) disconnect() {
	c.ep.Send(protocol.KindDisconnect, nil, false)
	c.ep.Transport.Close()
}

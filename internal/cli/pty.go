package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PtyShell is the server-side interactive shell behind a PTY master. The
// session task owns the master fd exclusively; other tasks hand it bytes
// through the session's queues.
type PtyShell struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	status   int
}

// StartPtyShell spawns the shell in a fresh PTY with the given geometry.
func StartPtyShell(shellPath string, cols, rows int) (*PtyShell, error) {
	if cols < 1 {
		cols = 80
	}
	if rows < 1 {
		rows = 24
	}
	cmd := exec.Command(shellPath)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty shell: %w", err)
	}
	return &PtyShell{cmd: cmd, ptmx: ptmx}, nil
}

// Read pulls shell output from the master. An EIO means the shell side of
// the PTY is gone, which callers treat as shell exit.
func (s *PtyShell) Read(buf []byte) (int, error) {
	n, err := s.ptmx.Read(buf)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, errors.Join(err, ErrShellExited)
	}
	return n, err
}

// ErrShellExited marks a PTY read failing because the shell terminated.
var ErrShellExited = errors.New("shell exited")

// Write feeds input bytes to the shell.
func (s *PtyShell) Write(data []byte) (int, error) {
	return s.ptmx.Write(data)
}

// Resize updates the PTY winsize.
func (s *PtyShell) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

var signalsByName = map[string]unix.Signal{
	"INT":  unix.SIGINT,
	"QUIT": unix.SIGQUIT,
	"TSTP": unix.SIGTSTP,
}

// Signal delivers the named signal to the PTY's foreground process group.
func (s *PtyShell) Signal(name string) error {
	sig, ok := signalsByName[name]
	if !ok {
		return fmt.Errorf("unsupported signal %q", name)
	}
	pgrp, err := unix.IoctlGetInt(int(s.ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return fmt.Errorf("foreground pgrp: %w", err)
	}
	return unix.Kill(-pgrp, sig)
}

// Wait blocks until the shell exits and returns its exit status. Safe to
// call from several tasks; the underlying reap happens once.
func (s *PtyShell) Wait() int {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		if err == nil {
			s.status = 0
		} else if exit, ok := err.(*exec.ExitError); ok {
			s.status = exit.ExitCode()
		} else {
			s.status = 1
		}
	})
	return s.status
}

// Close terminates the shell and releases the master fd.
func (s *PtyShell) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.Wait()
	}
	return s.ptmx.Close()
}

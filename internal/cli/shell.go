package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
)

// preferredShells is the server's shell search order.
var preferredShells = []string{"tcsh", "/bin/sh"}

// ResolveShell returns the first available shell.
func ResolveShell() (string, error) {
	for _, candidate := range preferredShells {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	if _, err := os.Stat("/bin/sh"); err == nil {
		return "/bin/sh", nil
	}
	return "", fmt.Errorf("no usable shell found (tried tcsh, /bin/sh)")
}

// PromptContext is the identity triple the server hands the client on
// connect_ack so it can render a familiar prompt.
type PromptContext struct {
	User string
	Host string
	Cwd  string
}

// CollectPromptContext gathers the server-side prompt fields, tolerating
// partial failure.
func CollectPromptContext() PromptContext {
	var ctx PromptContext
	if u, err := user.Current(); err == nil {
		ctx.User = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		ctx.Host = h
	}
	if wd, err := os.Getwd(); err == nil {
		ctx.Cwd = wd
	}
	return ctx
}

// RunCommand executes one CLIPSSH/1 command through the shell's -c,
// streaming stdout and stderr chunks through the callbacks, and returns
// the exit code.
func RunCommand(shellPath, command string, chunkSize int, onStdout, onStderr func([]byte)) (int, error) {
	cmd := exec.Command(shellPath, "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	done := make(chan struct{}, 2)
	stream := func(r io.Reader, emit func([]byte)) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				emit(chunk)
			}
			if err != nil {
				return
			}
		}
	}
	go stream(stdout, onStdout)
	go stream(stderr, onStderr)
	<-done
	<-done

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode(), nil
	}
	return 0, err
}

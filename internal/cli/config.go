// Package cli contains the client and server applications the four
// binaries wrap: the CLIPSSH/1 command/reply pair and the gitssh/2
// interactive PTY pair, plus the shell and terminal plumbing they share.
package cli

// Exit codes shared by all binaries.
const (
	ExitOK             = 0
	ExitTransportSetup = 1
	ExitShellSpawn     = 2
	ExitInterrupt      = 130
)

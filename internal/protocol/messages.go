package protocol

import "encoding/json"

// Protocol names carried in every envelope.
const (
	ProtocolClip = "CLIPSSH/1"
	ProtocolGit  = "gitssh/2"
)

// Peer roles.
const (
	SourceClient = "client"
	SourceServer = "server"
)

// Kind identifies the body schema of an envelope.
type Kind string

const (
	KindConnectReq Kind = "connect_req"
	KindConnectAck Kind = "connect_ack"
	KindDisconnect Kind = "disconnect"
	KindError      Kind = "error"
	KindBusy       Kind = "busy"

	// CLIPSSH/1 only.
	KindCmd       Kind = "cmd"
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindExit      Kind = "exit"
	KindHeartbeat Kind = "heartbeat"

	// gitssh/2 only.
	KindPtyInput  Kind = "pty_input"
	KindPtyOutput Kind = "pty_output"
	KindPtyResize Kind = "pty_resize"
	KindPtySignal Kind = "pty_signal"
	KindPtyClosed Kind = "pty_closed"
)

var clipKinds = map[Kind]bool{
	KindConnectReq: true,
	KindConnectAck: true,
	KindCmd:        true,
	KindStdout:     true,
	KindStderr:     true,
	KindExit:       true,
	KindHeartbeat:  true,
	KindDisconnect: true,
	KindBusy:       true,
	KindError:      true,
}

var gitKinds = map[Kind]bool{
	KindConnectReq: true,
	KindConnectAck: true,
	KindPtyInput:   true,
	KindPtyOutput:  true,
	KindPtyResize:  true,
	KindPtySignal:  true,
	KindPtyClosed:  true,
	KindDisconnect: true,
	KindBusy:       true,
	KindError:      true,
}

// ValidKind reports whether kind belongs to the given protocol.
func ValidKind(protocol string, kind Kind) bool {
	switch protocol {
	case ProtocolClip:
		return clipKinds[kind]
	case ProtocolGit:
		return gitKinds[kind]
	default:
		return false
	}
}

// Envelope is a single session-layer message. Body holds the kind-specific
// record; binary data inside bodies travels as base64 per encoding/json.
type Envelope struct {
	Protocol  string          `json:"protocol"`
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	MsgID     string          `json:"msg_id"`
	Seq       int64           `json:"seq"`
	TS        string          `json:"ts"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Body      json.RawMessage `json:"body"`
}

// ConnectReqBody opens a handshake. The envelope session_id stays empty
// until the server allocates one on connect_ack.
type ConnectReqBody struct {
	Source string `json:"source"`
}

// ConnectAckBody completes a handshake. Cols/Rows are zero for CLIPSSH/1,
// which has no PTY.
type ConnectAckBody struct {
	SessionID string `json:"session_id"`
	User      string `json:"user"`
	Host      string `json:"host"`
	Cwd       string `json:"cwd"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// CmdBody carries one CLIPSSH/1 command line.
type CmdBody struct {
	Text string `json:"text"`
}

// StreamBody carries a chunk of raw bytes: stdout, stderr, pty_input or
// pty_output.
type StreamBody struct {
	Data []byte `json:"data"`
}

// ExitBody terminates a CLIPSSH/1 command reply stream.
type ExitBody struct {
	Code int `json:"code"`
}

// ResizeBody updates the server PTY window size.
type ResizeBody struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// SignalBody forwards a signal name (INT, QUIT, TSTP) to the foreground
// process group of the server PTY.
type SignalBody struct {
	Name string `json:"name"`
}

// ClosedBody reports that the server shell terminated.
type ClosedBody struct {
	ExitStatus int `json:"exit_status"`
}

// BusyBody rejects a handshake while another session is active.
type BusyBody struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorBody carries a protocol or session error.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
